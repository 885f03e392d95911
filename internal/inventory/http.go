package inventory

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vocdoni/gofirma/tracelet/internal/model"
	"github.com/vocdoni/gofirma/tracelet/internal/version"
)

// HTTPProvider fetches documents from an inventory service, typically a
// local SBOM generator, at <BaseURL>/<selector>.
type HTTPProvider struct {
	BaseURL string
	Default string
	Client  *http.Client
	Logger  *slog.Logger
}

func (p *HTTPProvider) GetInventory(ctx context.Context, selector string) (model.Document, error) {
	if selector == "" {
		selector = p.Default
	}
	if selector == "" {
		selector = DefaultSelector
	}
	if strings.Contains(selector, "..") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSelector, selector)
	}
	target, err := url.JoinPath(p.BaseURL, selector)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSelector, err)
	}

	logger := p.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger.Debug("fetching inventory", "url", target)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	logger.Debug("inventory response", "status", resp.Status)
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, selector)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if len(raw) > maxDocumentSize {
		return nil, fmt.Errorf("inventory %s exceeds %d bytes", selector, maxDocumentSize)
	}
	return model.ParseDocument(raw)
}
