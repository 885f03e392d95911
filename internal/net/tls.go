package net

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/vocdoni/gofirma/tracelet/internal/crypto/certs"
	"github.com/vocdoni/gofirma/tracelet/internal/crypto/credstore"
)

// ParseTLSVersion maps "1.2" and "1.3" to crypto/tls constants. Empty means
// TLS 1.2.
func ParseTLSVersion(s string) (uint16, error) {
	switch s {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported minimum TLS version %q (want 1.2 or 1.3)", s)
	}
}

// BuildTLSConfig assembles a mutual TLS client configuration from the
// credential store. The peer is always verified against the store's
// trusted roots.
func BuildTLSConfig(ctx context.Context, store credstore.Store, serverName string, minVersion uint16) (*tls.Config, error) {
	chainPEM, err := store.LoadCertificateChain(ctx)
	if err != nil {
		return nil, fmt.Errorf("load client certificate: %w", err)
	}
	chain, err := certs.ParseChain(chainPEM)
	if err != nil {
		return nil, fmt.Errorf("parse client certificate: %w", err)
	}
	key, err := store.LoadPrivateKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("load client key: %w", err)
	}
	if !credstore.MatchesCertificate(key, chain[0]) {
		return nil, errors.New("client key does not match client certificate")
	}

	rootsPEM, err := store.LoadTrustedRoots(ctx)
	if err != nil {
		return nil, fmt.Errorf("load trusted roots: %w", err)
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(rootsPEM) {
		return nil, errors.New("trusted roots bundle holds no certificates")
	}

	clientCert := tls.Certificate{PrivateKey: key, Leaf: chain[0]}
	for _, c := range chain {
		clientCert.Certificate = append(clientCert.Certificate, c.Raw)
	}

	if minVersion == 0 {
		minVersion = tls.VersionTLS12
	}
	return &tls.Config{
		Certificates: []tls.Certificate{clientCert},
		RootCAs:      roots,
		ServerName:   serverName,
		MinVersion:   minVersion,
	}, nil
}
