//go:build !cgo || !darwin

package credstore

import (
	"context"
	"crypto"
	"fmt"
)

// KeychainStore is only implemented on macOS.
type KeychainStore struct {
	CommonName     string
	FingerprintHex string
	CAPath         string
}

func (s *KeychainStore) LoadPrivateKey(ctx context.Context) (crypto.Signer, error) {
	return nil, fmt.Errorf("%w: keychain store requires macOS", ErrUnsupported)
}

func (s *KeychainStore) LoadCertificateChain(ctx context.Context) ([]byte, error) {
	return nil, fmt.Errorf("%w: keychain store requires macOS", ErrUnsupported)
}

func (s *KeychainStore) LoadTrustedRoots(ctx context.Context) ([]byte, error) {
	return readFile("trusted roots", s.CAPath)
}
