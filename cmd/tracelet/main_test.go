package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	stdnet "net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vocdoni/gofirma/tracelet/internal/collector"
	"github.com/vocdoni/gofirma/tracelet/internal/crypto/credstore"
	"github.com/vocdoni/gofirma/tracelet/internal/model"
	"github.com/vocdoni/gofirma/tracelet/internal/signer"
	"github.com/vocdoni/gofirma/tracelet/internal/storage"
	"github.com/vocdoni/gofirma/tracelet/internal/testutil"
	"github.com/vocdoni/gofirma/tracelet/internal/verify"
)

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), args, &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}

func TestVersionAndUsage(t *testing.T) {
	out, _, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "tracelet "), out)

	_, stderr, err := runCLI(t, "frobnicate")
	require.ErrorIs(t, err, errUsage)
	assert.Contains(t, stderr, `unknown command "frobnicate"`)
	assert.Contains(t, stderr, "seal-key")

	_, _, err = runCLI(t)
	require.ErrorIs(t, err, errUsage)

	_, _, err = runCLI(t, "oneshot", "--no-such-flag")
	require.ErrorIs(t, err, errUsage)
}

func TestSealKey(t *testing.T) {
	dir := t.TempDir()
	ca := testutil.NewCA(t, "Fleet CA")
	leaf := ca.Issue(t, "gw-1")
	files := leaf.WriteFiles(t, dir, ca)
	sealedPath := filepath.Join(dir, "device.sealed")

	t.Setenv(defaultPassphraseEnv, "")
	_, _, err := runCLI(t, "seal-key", "--in", files.Key, "--out", sealedPath)
	require.ErrorIs(t, err, credstore.ErrPasswordRequired)

	t.Setenv(defaultPassphraseEnv, "correct horse")
	out, _, err := runCLI(t, "seal-key", "--in", files.Key, "--out", sealedPath)
	require.NoError(t, err)
	assert.Contains(t, out, sealedPath)

	info, err := os.Stat(sealedPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	sealed, err := os.ReadFile(sealedPath)
	require.NoError(t, err)
	assert.Contains(t, string(sealed), credstore.SealedBlockType)

	key, err := credstore.ParsePrivateKeyPEM(sealed, []byte("correct horse"))
	require.NoError(t, err)
	assert.True(t, credstore.MatchesCertificate(key, leaf.Cert))

	_, err = credstore.ParsePrivateKeyPEM(sealed, nil)
	assert.ErrorIs(t, err, credstore.ErrPasswordRequired)
}

func TestVerify(t *testing.T) {
	dir := t.TempDir()
	ca := testutil.NewCA(t, "Fleet CA")
	store := ca.Issue(t, "gw-1").Store(ca)
	caPath := filepath.Join(dir, "ca.crt")
	require.NoError(t, os.WriteFile(caPath, ca.PEM, 0o600))

	s, err := signer.New(store, signer.Options{})
	require.NoError(t, err)
	env, err := s.Sign(context.Background(), model.Document{"components": []any{"libfoo@1.2"}})
	require.NoError(t, err)

	write := func(name string, env *model.Envelope) string {
		raw, err := env.Marshal()
		require.NoError(t, err)
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, raw, 0o600))
		return path
	}
	good := write("good.json", env)

	out, _, err := runCLI(t, "verify", "--ca", caPath, "--identity", "gw-1", good)
	require.NoError(t, err)
	var report verify.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "gw-1", report.Identity)
	assert.Equal(t, env.Digest, report.Digest)

	_, _, err = runCLI(t, "verify", "--ca", caPath, "--identity", "gw-2", good)
	require.ErrorIs(t, err, verify.ErrIdentityMismatch)

	tampered := *env
	tampered.SBOM = model.Document{"components": []any{"libfoo@1.3"}}
	_, _, err = runCLI(t, "verify", "--ca", caPath, write("tampered.json", &tampered))
	require.ErrorIs(t, err, verify.ErrDigestMismatch)

	_, stderr, err := runCLI(t, "verify", good)
	require.NoError(t, err)
	assert.Contains(t, stderr, "signer chain not verified")

	_, _, err = runCLI(t, "verify")
	require.ErrorIs(t, err, errUsage)
}

func TestOneshotAndAuditOverHTTPS(t *testing.T) {
	dir := t.TempDir()
	ca := testutil.NewCA(t, "Fleet CA")

	srvDir := filepath.Join(dir, "server")
	require.NoError(t, os.Mkdir(srvDir, 0o700))
	srvFiles := ca.Issue(t, "localhost").WriteFiles(t, srvDir, ca)
	tlsCfg, roots, err := collector.ServerTLSConfig(srvFiles.Cert, srvFiles.Key, srvFiles.CA)
	require.NoError(t, err)
	h, err := collector.New(collector.Options{Verifier: verify.New(verify.Options{Roots: roots})})
	require.NoError(t, err)
	srv := httptest.NewUnstartedServer(h)
	srv.TLS = tlsCfg
	srv.StartTLS()
	t.Cleanup(srv.Close)
	port := srv.Listener.Addr().(*stdnet.TCPAddr).Port

	devDir := filepath.Join(dir, "device")
	require.NoError(t, os.Mkdir(devDir, 0o700))
	dev := ca.Issue(t, "gw-1").WriteFiles(t, devDir, ca)

	invDir := filepath.Join(dir, "sboms")
	require.NoError(t, os.Mkdir(invDir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(invDir, "bom.1.2.json"),
		[]byte(`{"bomFormat":"CycloneDX","components":[{"name":"libfoo","version":"1.2"}]}`), 0o600))

	auditDir := filepath.Join(dir, "audit")
	cfgPath := filepath.Join(dir, "tracelet.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf(`
transport:
  kind: https
  host: 127.0.0.1
  port: %d
credentials:
  key_path: %s
  cert_path: %s
  ca_path: %s
inventory:
  dir: %s
audit:
  dir: %s
retry:
  max_attempts: 1
log:
  level: error
`, port, dev.Key, dev.Cert, dev.CA, invDir, auditDir)), 0o600))

	out, _, err := runCLI(t, "oneshot", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "delivered ")
	assert.Contains(t, out, "device/sbom/gw-1")

	devices := h.Devices()
	require.Len(t, devices, 1)
	assert.Equal(t, 1, devices[0].Accepted)

	out, _, err = runCLI(t, "audit", "--config", cfgPath)
	require.NoError(t, err)
	var entry storage.AuditEntry
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &entry))
	assert.Equal(t, storage.StatusDelivered, entry.Status)
	assert.Equal(t, devices[0].LastDigest, entry.Digest)

	_, _, err = runCLI(t, "oneshot", "--config", cfgPath, "--selector", "../escape.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "selector is not allowed")
}
