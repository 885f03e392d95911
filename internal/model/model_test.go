package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/vocdoni/gofirma/tracelet/internal/canon"
)

const testCertPEM = `-----BEGIN CERTIFICATE-----
MIIBszCCAVmgAwIBAgIUJ2s8Yh1h3pW3Z0yq0w5o0x8mY2owCgYIKoZIzj0EAwIw
-----END CERTIFICATE-----
`

func TestNewFreshness(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 20, 30, 999, time.FixedZone("CET", 3600))
	f, err := NewFreshness(now, bytes.NewReader(bytes.Repeat([]byte{0xab}, NonceBytes)))
	if err != nil {
		t.Fatalf("NewFreshness failed: %v", err)
	}
	if got, want := f.Timestamp(), "2026-03-01T09:20:30Z"; got != want {
		t.Fatalf("unexpected timestamp: %q, want %q", got, want)
	}
	if f.Nonce != strings.Repeat("ab", NonceBytes) {
		t.Fatalf("unexpected nonce: %q", f.Nonce)
	}
}

func TestNewFreshnessShortRandom(t *testing.T) {
	if _, err := NewFreshness(time.Now(), bytes.NewReader([]byte{1, 2, 3})); err == nil {
		t.Fatal("expected error when the random source runs dry")
	}
}

func TestWithFreshnessLeavesOriginalUntouched(t *testing.T) {
	doc := Document{
		"components": []any{map[string]any{"name": "libfoo", "version": "1.2"}},
		"metadata":   map[string]any{"tool": "scanner", "nonce": "stale"},
	}
	f := Freshness{IssuedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), Nonce: "00112233445566778899aabbccddeeff"}

	merged, err := doc.WithFreshness(f)
	if err != nil {
		t.Fatalf("WithFreshness failed: %v", err)
	}

	meta := merged[MetadataKey].(map[string]any)
	if meta[TimestampKey] != "2026-01-02T03:04:05Z" || meta[NonceKey] != f.Nonce || meta["tool"] != "scanner" {
		t.Fatalf("unexpected merged metadata: %#v", meta)
	}
	orig := doc[MetadataKey].(map[string]any)
	if orig["nonce"] != "stale" {
		t.Fatal("caller document was modified")
	}
	if _, ok := orig[TimestampKey]; ok {
		t.Fatal("caller document gained a ts field")
	}
}

func TestWithFreshnessCreatesMetadata(t *testing.T) {
	for _, doc := range []Document{{"a": 1}, {"a": 1, "metadata": nil}} {
		merged, err := doc.WithFreshness(Freshness{IssuedAt: time.Unix(0, 0), Nonce: "n"})
		if err != nil {
			t.Fatalf("WithFreshness failed: %v", err)
		}
		if _, ok := merged[MetadataKey].(map[string]any); !ok {
			t.Fatalf("metadata not created: %#v", merged)
		}
	}
}

func TestWithFreshnessRejectsScalarMetadata(t *testing.T) {
	doc := Document{"metadata": "oops"}
	if _, err := doc.WithFreshness(Freshness{}); !errors.Is(err, canon.ErrInvalidDocument) {
		t.Fatalf("expected ErrInvalidDocument, got %v", err)
	}
}

func TestParseDocument(t *testing.T) {
	doc, err := ParseDocument([]byte(`{"specVersion":1.40,"components":[]}`))
	if err != nil {
		t.Fatalf("ParseDocument failed: %v", err)
	}
	if doc["specVersion"] != json.Number("1.40") {
		t.Fatalf("number text not preserved: %#v", doc["specVersion"])
	}

	for _, raw := range []string{`[1,2]`, `{"a":1} {"b":2}`, `{"a":`} {
		if _, err := ParseDocument([]byte(raw)); !errors.Is(err, canon.ErrInvalidDocument) {
			t.Fatalf("%s: expected ErrInvalidDocument, got %v", raw, err)
		}
	}
}

func validEnvelope() Envelope {
	return Envelope{
		SBOM:             Document{"components": []any{}},
		Signature:        "c2ln",
		Cert:             testCertPEM,
		SigAlg:           "RSASSA-PKCS1-v1_5-SHA256",
		Canonicalization: canon.Identifier,
		Timestamp:        "2026-01-02T03:04:05Z",
		Nonce:            "00112233445566778899aabbccddeeff",
		Digest:           strings.Repeat("0f", 32),
	}
}

func TestEnvelopeValidate(t *testing.T) {
	env := validEnvelope()
	if err := env.Validate(); err != nil {
		t.Fatalf("valid envelope rejected: %v", err)
	}

	mutations := map[string]func(*Envelope){
		"missing sbom":      func(e *Envelope) { e.SBOM = nil },
		"bad signature":     func(e *Envelope) { e.Signature = "***" },
		"missing cert":      func(e *Envelope) { e.Cert = "" },
		"missing sig_alg":   func(e *Envelope) { e.SigAlg = "" },
		"missing canon":     func(e *Envelope) { e.Canonicalization = "" },
		"timestamp offset":  func(e *Envelope) { e.Timestamp = "2026-01-02T03:04:05+01:00" },
		"short nonce":       func(e *Envelope) { e.Nonce = "abcd" },
		"digest wrong size": func(e *Envelope) { e.Digest = "abcd" },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			env := validEnvelope()
			mutate(&env)
			if err := env.Validate(); !errors.Is(err, ErrInvalidEnvelope) {
				t.Fatalf("expected ErrInvalidEnvelope, got %v", err)
			}
		})
	}
}

func TestEnvelopeMarshalParse(t *testing.T) {
	env := validEnvelope()
	env.SBOM = Document{"version": json.Number("1.0"), "name": "a<b>"}

	raw, err := env.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	for _, field := range []string{`"sbom"`, `"signature"`, `"cert"`, `"sig_alg"`, `"canonicalization"`, `"ts"`, `"nonce"`, `"digest"`} {
		if !bytes.Contains(raw, []byte(field)) {
			t.Fatalf("wire form lacks %s: %s", field, raw)
		}
	}

	parsed, err := ParseEnvelope(raw)
	if err != nil {
		t.Fatalf("ParseEnvelope failed: %v", err)
	}
	if parsed.SBOM["version"] != json.Number("1.0") {
		t.Fatalf("sbom number changed: %#v", parsed.SBOM["version"])
	}
}

func TestParseEnvelopeRejectsUnknownFields(t *testing.T) {
	env := validEnvelope()
	raw, err := env.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	raw = append(raw[:len(raw)-1], []byte(`,"extra":true}`)...)
	if _, err := ParseEnvelope(raw); !errors.Is(err, ErrInvalidEnvelope) {
		t.Fatalf("expected ErrInvalidEnvelope, got %v", err)
	}
}

func TestSignedDocument(t *testing.T) {
	env := validEnvelope()
	doc, err := env.SignedDocument()
	if err != nil {
		t.Fatalf("SignedDocument failed: %v", err)
	}
	meta := doc[MetadataKey].(map[string]any)
	if meta[TimestampKey] != env.Timestamp || meta[NonceKey] != env.Nonce {
		t.Fatalf("freshness not restored: %#v", meta)
	}
	if _, ok := env.SBOM[MetadataKey]; ok {
		t.Fatal("SignedDocument modified the envelope sbom")
	}
}
