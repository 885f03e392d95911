package credstore

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// ParsePrivateKeyPEM decodes the first private key block in data. PKCS#8,
// PKCS#1 and SEC 1 blocks are accepted; sealed blocks need passphrase.
func ParsePrivateKeyPEM(data, passphrase []byte) (crypto.Signer, error) {
	for rest := data; ; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, fmt.Errorf("%w: no private key PEM block", ErrInvalidFile)
		}

		var (
			key any
			err error
		)
		switch block.Type {
		case SealedBlockType:
			if len(passphrase) == 0 {
				return nil, ErrPasswordRequired
			}
			der, openErr := Open(block, passphrase)
			if openErr != nil {
				return nil, openErr
			}
			key, err = x509.ParsePKCS8PrivateKey(der)
		case "PRIVATE KEY":
			key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		case "RSA PRIVATE KEY":
			key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		case "EC PRIVATE KEY":
			key, err = x509.ParseECPrivateKey(block.Bytes)
		default:
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("%w: key type %T cannot sign", ErrUnsupported, key)
		}
		return signer, nil
	}
}

// MatchesCertificate reports whether signer holds the private half of
// cert's public key.
func MatchesCertificate(signer crypto.Signer, cert *x509.Certificate) bool {
	pub, ok := signer.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok {
		return false
	}
	return pub.Equal(cert.PublicKey)
}

func readFile(kind, path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: no %s path configured", ErrNotFound, kind)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s %s", ErrNotFound, kind, path)
		}
		return nil, fmt.Errorf("failed to read %s: %w", kind, err)
	}
	return data, nil
}
