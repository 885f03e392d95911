package credstore

import (
	"context"
	"crypto"
	"errors"
)

// Store hands out the device credential. Implementations read their backing
// material on every call so a rotated certificate or key is picked up by the
// next publish cycle; callers must not cache the results either.
type Store interface {
	// LoadPrivateKey returns the signing key paired with the leaf certificate.
	LoadPrivateKey(ctx context.Context) (crypto.Signer, error)
	// LoadCertificateChain returns the PEM chain, leaf first.
	LoadCertificateChain(ctx context.Context) ([]byte, error)
	// LoadTrustedRoots returns the PEM bundle used to validate the remote peer.
	LoadTrustedRoots(ctx context.Context) ([]byte, error)
}

var (
	ErrNotFound         = errors.New("credential not found")
	ErrPasswordRequired = errors.New("credential password required")
	ErrWrongPassword    = errors.New("credential password incorrect")
	ErrInvalidFile      = errors.New("invalid credential file")
	ErrUnsupported      = errors.New("unsupported credential format")
)

// MemoryStore serves fixed credentials. It suits tests and callers that
// fetch material from a secret manager themselves.
type MemoryStore struct {
	Signer   crypto.Signer
	ChainPEM []byte
	RootsPEM []byte
}

func (s *MemoryStore) LoadPrivateKey(ctx context.Context) (crypto.Signer, error) {
	if s.Signer == nil {
		return nil, ErrNotFound
	}
	return s.Signer, nil
}

func (s *MemoryStore) LoadCertificateChain(ctx context.Context) ([]byte, error) {
	if len(s.ChainPEM) == 0 {
		return nil, ErrNotFound
	}
	return append([]byte(nil), s.ChainPEM...), nil
}

func (s *MemoryStore) LoadTrustedRoots(ctx context.Context) ([]byte, error) {
	if len(s.RootsPEM) == 0 {
		return nil, ErrNotFound
	}
	return append([]byte(nil), s.RootsPEM...), nil
}
