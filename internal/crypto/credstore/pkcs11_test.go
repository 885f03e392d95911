//go:build cgo

package credstore

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/miekg/pkcs11"
)

func TestECDSARawToASN1(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	digest := sha256.Sum256([]byte("sbom"))
	r, s, err := ecdsa.Sign(rand.Reader, key, digest[:])
	if err != nil {
		t.Fatal(err)
	}
	raw := make([]byte, 64)
	r.FillBytes(raw[:32])
	s.FillBytes(raw[32:])

	der, err := ecdsaRawToASN1(raw)
	if err != nil {
		t.Fatalf("ecdsaRawToASN1 failed: %v", err)
	}
	if !ecdsa.VerifyASN1(&key.PublicKey, digest[:], der) {
		t.Fatal("converted signature does not verify")
	}

	if _, err := ecdsaRawToASN1([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for odd length")
	}
}

func TestMechanism(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	digest := make([]byte, sha256.Size)

	s := &PKCS11Signer{PublicKey: &rsaKey.PublicKey}
	mech, input, err := s.mechanism(digest, crypto.SHA256)
	if err != nil {
		t.Fatalf("mechanism failed: %v", err)
	}
	if mech.Mechanism != pkcs11.CKM_RSA_PKCS {
		t.Fatalf("unexpected mechanism %#x", mech.Mechanism)
	}
	// SHA-256 DigestInfo prefix is 19 bytes.
	if len(input) != 19+sha256.Size {
		t.Fatalf("unexpected input length %d", len(input))
	}

	if _, _, err := s.mechanism(digest, &rsa.PSSOptions{Hash: crypto.SHA256}); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported for PSS, got %v", err)
	}

	s.PublicKey = "not a key"
	if _, _, err := s.mechanism(digest, crypto.SHA256); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported for unknown key, got %v", err)
	}
}
