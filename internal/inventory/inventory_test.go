package inventory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vocdoni/gofirma/tracelet/internal/canon"
)

func writeDoc(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestDirProvider(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "bom.1.2.json", `{"specVersion":"1.2","components":[{"name":"libfoo","version":"1.2"}]}`)
	writeDoc(t, dir, "bom.1.3.json", `{"specVersion":"1.3","size":1.50}`)
	writeDoc(t, dir, "broken.json", `{"specVersion":`)
	writeDoc(t, dir, "array.json", `[1,2,3]`)

	p := &DirProvider{Dir: dir}
	ctx := context.Background()

	doc, err := p.GetInventory(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "1.2", doc["specVersion"])

	doc, err = p.GetInventory(ctx, "bom.1.3.json")
	require.NoError(t, err)
	assert.Equal(t, json.Number("1.50"), doc["size"])

	_, err = p.GetInventory(ctx, "bom.9.json")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = p.GetInventory(ctx, "broken.json")
	assert.ErrorIs(t, err, canon.ErrInvalidDocument)
	_, err = p.GetInventory(ctx, "array.json")
	assert.ErrorIs(t, err, canon.ErrInvalidDocument)

	p.Default = "bom.1.3.json"
	doc, err = p.GetInventory(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "1.3", doc["specVersion"])
}

func TestDirProviderRejectsEscape(t *testing.T) {
	root := t.TempDir()
	inner := filepath.Join(root, "inventory")
	require.NoError(t, os.Mkdir(inner, 0o755))
	writeDoc(t, root, "secret.json", `{"a":1}`)

	p := &DirProvider{Dir: inner}
	for _, sel := range []string{"../secret.json", "/etc/passwd", filepath.Join(root, "secret.json")} {
		_, err := p.GetInventory(context.Background(), sel)
		assert.ErrorIs(t, err, ErrInvalidSelector, sel)
	}

	// Symlinks pointing outside are refused by the root-scoped open.
	require.NoError(t, os.Symlink(filepath.Join(root, "secret.json"), filepath.Join(inner, "link.json")))
	_, err := p.GetInventory(context.Background(), "link.json")
	assert.Error(t, err)
}

func TestHTTPProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sbom/bom.1.2.json":
			w.Write([]byte(`{"components":[]}`))
		case "/sbom/bom.1.4.json":
			w.Write([]byte(`not json`))
		case "/sbom/fail.json":
			w.WriteHeader(http.StatusBadGateway)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := &HTTPProvider{BaseURL: srv.URL + "/sbom"}
	ctx := context.Background()

	doc, err := p.GetInventory(ctx, "")
	require.NoError(t, err)
	assert.Contains(t, doc, "components")

	_, err = p.GetInventory(ctx, "bom.1.3.json")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = p.GetInventory(ctx, "bom.1.4.json")
	assert.ErrorIs(t, err, canon.ErrInvalidDocument)
	_, err = p.GetInventory(ctx, "fail.json")
	assert.ErrorContains(t, err, "502")
	_, err = p.GetInventory(ctx, "../x.json")
	assert.ErrorIs(t, err, ErrInvalidSelector)
}

func TestSampleInventories(t *testing.T) {
	p := &DirProvider{Dir: filepath.Join("..", "..", "sample_sboms")}
	for _, v := range []string{"1.2", "1.3", "1.4"} {
		doc, err := p.GetInventory(context.Background(), "bom."+v+".json")
		require.NoError(t, err)
		components := doc["components"].([]any)
		assert.Equal(t, "libfoo", components[0].(map[string]any)["name"])
		assert.Equal(t, v, components[0].(map[string]any)["version"])
	}
}
