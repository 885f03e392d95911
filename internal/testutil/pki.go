// Package testutil builds throwaway PKI material for tests.
package testutil

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vocdoni/gofirma/tracelet/internal/crypto/credstore"
)

// CA is a self-signed test authority.
type CA struct {
	Cert *x509.Certificate
	Key  *rsa.PrivateKey
	PEM  []byte
}

// Leaf is a certificate issued by a CA together with its key.
type Leaf struct {
	Cert     *x509.Certificate
	Key      crypto.Signer
	CertPEM  []byte
	ChainPEM []byte
	KeyPEM   []byte
}

// LeafOption tweaks a leaf template before issuance.
type LeafOption func(*leafConfig)

type leafConfig struct {
	ecdsa     bool
	notBefore time.Time
	notAfter  time.Time
	tmpl      func(*x509.Certificate)
}

// WithECDSA issues a P-256 leaf instead of RSA-2048.
func WithECDSA() LeafOption {
	return func(c *leafConfig) { c.ecdsa = true }
}

// WithValidity overrides the validity window.
func WithValidity(notBefore, notAfter time.Time) LeafOption {
	return func(c *leafConfig) {
		c.notBefore = notBefore
		c.notAfter = notAfter
	}
}

// WithTemplate lets a test edit the certificate template directly.
func WithTemplate(fn func(*x509.Certificate)) LeafOption {
	return func(c *leafConfig) { c.tmpl = fn }
}

var serial atomic.Int64

func nextSerial() *big.Int {
	return big.NewInt(1000 + serial.Add(1))
}

// NewCA creates a self-signed RSA-2048 CA.
func NewCA(t testing.TB, name string) *CA {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate CA key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          nextSerial(),
		Subject:               pkix.Name{CommonName: name, Organization: []string{"Tracelet Test"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create CA certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse CA certificate: %v", err)
	}
	return &CA{
		Cert: cert,
		Key:  key,
		PEM:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}
}

// Issue creates a leaf with the given CN, usable for both TLS client and
// server authentication on localhost.
func (ca *CA) Issue(t testing.TB, cn string, opts ...LeafOption) *Leaf {
	t.Helper()
	cfg := leafConfig{
		notBefore: time.Now().Add(-time.Hour),
		notAfter:  time.Now().Add(12 * time.Hour),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	var (
		key crypto.Signer
		err error
	)
	if cfg.ecdsa {
		key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	} else {
		key, err = rsa.GenerateKey(rand.Reader, 2048)
	}
	if err != nil {
		t.Fatalf("generate leaf key: %v", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: nextSerial(),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    cfg.notBefore,
		NotAfter:     cfg.notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	if cfg.tmpl != nil {
		cfg.tmpl(tmpl)
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.Cert, key.Public(), ca.Key)
	if err != nil {
		t.Fatalf("create leaf certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse leaf certificate: %v", err)
	}
	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal leaf key: %v", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	return &Leaf{
		Cert:     cert,
		Key:      key,
		CertPEM:  certPEM,
		ChainPEM: append(append([]byte(nil), certPEM...), ca.PEM...),
		KeyPEM:   pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8}),
	}
}

// Store returns an in-memory credential store trusting ca.
func (l *Leaf) Store(ca *CA) *credstore.MemoryStore {
	return &credstore.MemoryStore{Signer: l.Key, ChainPEM: l.ChainPEM, RootsPEM: ca.PEM}
}

// Files holds the paths written by WriteFiles.
type Files struct {
	Key  string
	Cert string
	CA   string
}

// WriteFiles writes key, chain and CA PEM files into dir.
func (l *Leaf) WriteFiles(t testing.TB, dir string, ca *CA) Files {
	t.Helper()
	f := Files{
		Key:  filepath.Join(dir, "device.key"),
		Cert: filepath.Join(dir, "device.crt"),
		CA:   filepath.Join(dir, "ca.crt"),
	}
	for path, data := range map[string][]byte{f.Key: l.KeyPEM, f.Cert: l.ChainPEM, f.CA: ca.PEM} {
		if err := os.WriteFile(path, data, 0o600); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	return f
}
