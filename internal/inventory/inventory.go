// Package inventory supplies the SBOM documents the pipeline signs.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/vocdoni/gofirma/tracelet/internal/model"
)

// DefaultSelector is the document published when the caller names none.
const DefaultSelector = "bom.1.2.json"

// maxDocumentSize bounds how much of a single SBOM is read.
const maxDocumentSize = 32 << 20

var (
	ErrNotFound        = errors.New("inventory document not found")
	ErrInvalidSelector = errors.New("invalid inventory selector")
)

// Provider returns the inventory document named by selector. An empty
// selector means the provider's default.
type Provider interface {
	GetInventory(ctx context.Context, selector string) (model.Document, error)
}

// DirProvider loads JSON documents from a directory.
type DirProvider struct {
	Dir     string
	Default string
}

func (p *DirProvider) GetInventory(ctx context.Context, selector string) (model.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if selector == "" {
		selector = p.Default
	}
	if selector == "" {
		selector = DefaultSelector
	}
	if !filepath.IsLocal(selector) {
		return nil, fmt.Errorf("%w: %q escapes the inventory directory", ErrInvalidSelector, selector)
	}

	f, err := os.OpenInRoot(p.Dir, selector)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, selector)
		}
		return nil, fmt.Errorf("failed to open inventory %s: %w", selector, err)
	}
	defer f.Close()

	raw, err := io.ReadAll(io.LimitReader(f, maxDocumentSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory %s: %w", selector, err)
	}
	if len(raw) > maxDocumentSize {
		return nil, fmt.Errorf("inventory %s exceeds %d bytes", selector, maxDocumentSize)
	}
	return model.ParseDocument(raw)
}
