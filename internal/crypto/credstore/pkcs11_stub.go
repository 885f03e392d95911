//go:build !cgo

package credstore

import (
	"context"
	"crypto"
	"errors"
	"io"
)

var errNoPKCS11 = errors.New("pkcs11 signing is unavailable in this build (cgo disabled)")

// PKCS11Store is unavailable when cgo is disabled.
type PKCS11Store struct {
	Module   string
	Slot     uint
	PIN      string
	KeyLabel string
	KeyID    []byte
	CertPath string
	CAPath   string
}

func (s *PKCS11Store) LoadPrivateKey(ctx context.Context) (crypto.Signer, error) {
	return nil, errNoPKCS11
}

func (s *PKCS11Store) LoadCertificateChain(ctx context.Context) ([]byte, error) {
	return readFile("certificate chain", s.CertPath)
}

func (s *PKCS11Store) LoadTrustedRoots(ctx context.Context) ([]byte, error) {
	return readFile("trusted roots", s.CAPath)
}

// PKCS11Signer is unavailable when cgo is disabled.
type PKCS11Signer struct {
	Module    string
	Slot      uint
	PIN       string
	Label     string
	ID        []byte
	PublicKey crypto.PublicKey
}

func (s *PKCS11Signer) Public() crypto.PublicKey {
	return s.PublicKey
}

func (s *PKCS11Signer) Sign(rand io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	return nil, errNoPKCS11
}
