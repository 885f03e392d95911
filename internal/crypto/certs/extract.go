package certs

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	oidCommonName   = asn1.ObjectIdentifier{2, 5, 4, 3}
	oidOrganization = asn1.ObjectIdentifier{2, 5, 4, 10}
)

var (
	ErrNoCertificate = errors.New("no certificate found")
	ErrNoCommonName  = errors.New("certificate subject has no common name")
)

// Identity is what the pipeline knows about a device from its own leaf
// certificate. CommonName is the device identity; the rest is for logs.
type Identity struct {
	CommonName     string
	Organization   string
	RawSubject     string
	Issuer         string
	SerialNumber   string
	Fingerprint256 [32]byte
	NotBefore      time.Time
	NotAfter       time.Time
}

// FingerprintHex returns the SHA-256 fingerprint of the certificate as hex.
func (id Identity) FingerprintHex() string {
	return hex.EncodeToString(id.Fingerprint256[:])
}

// ParseChain decodes every CERTIFICATE block in pemBytes, leaf first.
// Other block types are skipped.
func ParseChain(pemBytes []byte) ([]*x509.Certificate, error) {
	var chain []*x509.Certificate
	rest := pemBytes
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate %d: %w", len(chain), err)
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, ErrNoCertificate
	}
	return chain, nil
}

// EncodeChain PEM-encodes certificates in order.
func EncodeChain(chain []*x509.Certificate) []byte {
	var out []byte
	for _, c := range chain {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})...)
	}
	return out
}

// Fingerprint returns the SHA-256 fingerprint for a certificate.
func Fingerprint(cert *x509.Certificate) [32]byte {
	return sha256.Sum256(cert.Raw)
}

// ExtractIdentity reads the subject attributes of cert. When the subject
// carries several CN attributes the first one wins.
func ExtractIdentity(cert *x509.Certificate) (Identity, error) {
	info := Identity{
		RawSubject:     cert.Subject.String(),
		Issuer:         normalizeSpace(cert.Issuer.CommonName),
		Fingerprint256: Fingerprint(cert),
		NotBefore:      cert.NotBefore,
		NotAfter:       cert.NotAfter,
	}
	if cert.SerialNumber != nil {
		info.SerialNumber = cert.SerialNumber.Text(16)
	}

	for _, name := range cert.Subject.Names {
		val, ok := name.Value.(string)
		if !ok {
			continue
		}
		// CN is kept verbatim: the broker sees the same bytes.
		if name.Type.Equal(oidCommonName) && info.CommonName == "" {
			info.CommonName = val
		} else if name.Type.Equal(oidOrganization) && info.Organization == "" {
			info.Organization = normalizeSpace(val)
		}
	}

	// Fallback for certificates built in memory without a Names list.
	if info.CommonName == "" {
		info.CommonName = cert.Subject.CommonName
	}
	if info.CommonName == "" {
		return info, ErrNoCommonName
	}
	return info, nil
}

// LeafIdentity parses a PEM chain and extracts the identity of its leaf.
func LeafIdentity(pemBytes []byte) (Identity, *x509.Certificate, error) {
	chain, err := ParseChain(pemBytes)
	if err != nil {
		return Identity{}, nil, err
	}
	id, err := ExtractIdentity(chain[0])
	return id, chain[0], err
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}
