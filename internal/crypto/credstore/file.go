package credstore

import (
	"context"
	"crypto"
)

// FileStore reads PEM files from disk on every call. KeyPath may hold a
// plain key or a sealed one (see Seal); Passphrase opens the latter.
type FileStore struct {
	KeyPath    string
	CertPath   string
	CAPath     string
	Passphrase []byte
}

func (s *FileStore) LoadPrivateKey(ctx context.Context) (crypto.Signer, error) {
	data, err := readFile("private key", s.KeyPath)
	if err != nil {
		return nil, err
	}
	return ParsePrivateKeyPEM(data, s.Passphrase)
}

func (s *FileStore) LoadCertificateChain(ctx context.Context) ([]byte, error) {
	return readFile("certificate chain", s.CertPath)
}

func (s *FileStore) LoadTrustedRoots(ctx context.Context) ([]byte, error) {
	return readFile("trusted roots", s.CAPath)
}
