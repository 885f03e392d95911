package credstore

import (
	"context"
	"crypto"
	"crypto/x509"
	"fmt"

	"github.com/vocdoni/gofirma/tracelet/internal/crypto/certs"
	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

// PKCS12Store reads the key and chain from a PKCS#12/PFX bundle and the
// trusted roots from a separate PEM file. The bundle is decoded on every
// call.
type PKCS12Store struct {
	Path     string
	Password string
	CAPath   string
}

func (s *PKCS12Store) decode() (crypto.Signer, []*x509.Certificate, error) {
	data, err := readFile("pkcs12 bundle", s.Path)
	if err != nil {
		return nil, nil, err
	}

	priv, cert, caCerts, err := pkcs12.DecodeChain(data, s.Password)
	if err != nil {
		return nil, nil, classifyPKCS12Error(err, s.Password)
	}

	signer, ok := priv.(crypto.Signer)
	if !ok {
		return nil, nil, fmt.Errorf("%w: parsed private key does not support signing", ErrUnsupported)
	}
	return signer, append([]*x509.Certificate{cert}, caCerts...), nil
}

func (s *PKCS12Store) LoadPrivateKey(ctx context.Context) (crypto.Signer, error) {
	signer, _, err := s.decode()
	return signer, err
}

func (s *PKCS12Store) LoadCertificateChain(ctx context.Context) ([]byte, error) {
	_, chain, err := s.decode()
	if err != nil {
		return nil, err
	}
	return certs.EncodeChain(chain), nil
}

func (s *PKCS12Store) LoadTrustedRoots(ctx context.Context) ([]byte, error) {
	return readFile("trusted roots", s.CAPath)
}
