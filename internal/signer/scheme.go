package signer

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/vocdoni/gofirma/tracelet/internal/crypto/cades"
)

const (
	// SchemeRSAPKCS1v15 signs the SHA-256 digest of the canonical bytes
	// with RSASSA-PKCS1-v1_5.
	SchemeRSAPKCS1v15 = "RSASSA-PKCS1-v1_5-SHA256"
	// SchemeCMSDetached wraps the signature in a detached CMS SignedData.
	SchemeCMSDetached = "CMS-DETACHED-SHA256"

	DefaultScheme = SchemeRSAPKCS1v15
)

var ErrUnknownScheme = errors.New("unknown signature scheme")

// Scheme is one sig_alg value: how canonical bytes turn into signature
// bytes and back.
type Scheme interface {
	Name() string
	// SupportsKey reports whether the scheme can sign with pub's key type.
	SupportsKey(pub crypto.PublicKey) bool
	Sign(key crypto.Signer, chain []*x509.Certificate, canonical []byte) ([]byte, error)
	// Verify checks sig over canonical against the envelope's leaf.
	Verify(leaf *x509.Certificate, canonical, sig []byte) error
}

// LookupScheme returns the scheme registered under name.
func LookupScheme(name string) (Scheme, error) {
	switch name {
	case SchemeRSAPKCS1v15:
		return rsaPKCS1v15{}, nil
	case SchemeCMSDetached:
		return cmsDetached{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, name)
	}
}

type rsaPKCS1v15 struct{}

func (rsaPKCS1v15) Name() string { return SchemeRSAPKCS1v15 }

func (rsaPKCS1v15) SupportsKey(pub crypto.PublicKey) bool {
	_, ok := pub.(*rsa.PublicKey)
	return ok
}

func (rsaPKCS1v15) Sign(key crypto.Signer, _ []*x509.Certificate, canonical []byte) ([]byte, error) {
	digest := sha256.Sum256(canonical)
	return key.Sign(nil, digest[:], crypto.SHA256)
}

func (rsaPKCS1v15) Verify(leaf *x509.Certificate, canonical, sig []byte) error {
	pub, ok := leaf.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("certificate key type %T is not RSA", leaf.PublicKey)
	}
	digest := sha256.Sum256(canonical)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig)
}

type cmsDetached struct{}

func (cmsDetached) Name() string { return SchemeCMSDetached }

func (cmsDetached) SupportsKey(pub crypto.PublicKey) bool {
	switch pub.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey:
		return true
	default:
		return false
	}
}

func (cmsDetached) Sign(key crypto.Signer, chain []*x509.Certificate, canonical []byte) ([]byte, error) {
	if len(chain) == 0 {
		return nil, errors.New("cms signing needs the signer certificate")
	}
	return cades.SignDetached(key, chain[0], chain[1:], canonical)
}

func (cmsDetached) Verify(leaf *x509.Certificate, canonical, sig []byte) error {
	cert, err := cades.VerifyDetached(sig, canonical)
	if err != nil {
		return err
	}
	if !cert.Equal(leaf) {
		return errors.New("cms signer certificate differs from envelope certificate")
	}
	return nil
}
