//go:build darwin && cgo

package credstore

import (
	"bytes"
	"context"
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/github/smimesign/certstore"
	"github.com/vocdoni/gofirma/tracelet/internal/crypto/certs"
)

// KeychainStore reads the device identity from the macOS keychain. The
// identity is selected by leaf CN, or by SHA-256 fingerprint when set.
type KeychainStore struct {
	CommonName     string
	FingerprintHex string
	CAPath         string
}

type keychainIdentity struct {
	signer crypto.Signer
	chain  []*x509.Certificate
}

func (s *KeychainStore) find() (*keychainIdentity, error) {
	var target []byte
	if s.FingerprintHex != "" {
		fp, err := hex.DecodeString(s.FingerprintHex)
		if err != nil || len(fp) != sha256.Size {
			return nil, fmt.Errorf("invalid keychain fingerprint reference")
		}
		target = fp
	}

	st, err := certstore.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open system store: %w", err)
	}
	defer st.Close()

	identities, err := st.Identities()
	if err != nil {
		return nil, fmt.Errorf("failed to list system identities: %w", err)
	}

	now := time.Now()
	for _, id := range identities {
		cert, certErr := id.Certificate()
		if certErr != nil || cert == nil {
			continue
		}
		if now.After(cert.NotAfter) || now.Before(cert.NotBefore) {
			continue
		}
		if target != nil {
			fp := certs.Fingerprint(cert)
			if !bytes.Equal(fp[:], target) {
				continue
			}
		} else if cert.Subject.CommonName != s.CommonName {
			continue
		}

		signer, signErr := id.Signer()
		if signErr != nil || signer == nil {
			if signErr == nil {
				signErr = fmt.Errorf("signer is nil")
			}
			return nil, fmt.Errorf("failed to access signer from system store: %w", signErr)
		}
		chain, chainErr := id.CertificateChain()
		if chainErr != nil || len(chain) == 0 {
			chain = []*x509.Certificate{cert}
		}
		return &keychainIdentity{signer: signer, chain: chain}, nil
	}
	return nil, fmt.Errorf("%w: no keychain identity for %q", ErrNotFound, s.CommonName)
}

func (s *KeychainStore) LoadPrivateKey(ctx context.Context) (crypto.Signer, error) {
	id, err := s.find()
	if err != nil {
		return nil, err
	}
	return id.signer, nil
}

func (s *KeychainStore) LoadCertificateChain(ctx context.Context) ([]byte, error) {
	id, err := s.find()
	if err != nil {
		return nil, err
	}
	return certs.EncodeChain(id.chain), nil
}

func (s *KeychainStore) LoadTrustedRoots(ctx context.Context) ([]byte, error) {
	return readFile("trusted roots", s.CAPath)
}
