// Package signer turns an inventory document into a signed envelope.
package signer

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/vocdoni/gofirma/tracelet/internal/canon"
	"github.com/vocdoni/gofirma/tracelet/internal/crypto/certs"
	"github.com/vocdoni/gofirma/tracelet/internal/crypto/credstore"
	"github.com/vocdoni/gofirma/tracelet/internal/model"
)

var (
	// ErrKeyLoad covers unreadable, malformed or mismatched credentials and
	// key types the scheme cannot use.
	ErrKeyLoad = errors.New("signing key unavailable")
	// ErrSigning is a failure of the signing primitive itself.
	ErrSigning = errors.New("signing failed")
)

type Options struct {
	// Scheme is the sig_alg to produce. Empty means DefaultScheme.
	Scheme string
	// Now defaults to time.Now.
	Now func() time.Time
	// Rand is the nonce source. Nil means crypto/rand.
	Rand   io.Reader
	Logger *slog.Logger
}

// Signer holds no per-call state and is safe for concurrent use.
type Signer struct {
	store  credstore.Store
	scheme Scheme
	now    func() time.Time
	rand   io.Reader
	logger *slog.Logger
}

func New(store credstore.Store, opts Options) (*Signer, error) {
	if store == nil {
		return nil, errors.New("signer: credential store is required")
	}
	name := opts.Scheme
	if name == "" {
		name = DefaultScheme
	}
	scheme, err := LookupScheme(name)
	if err != nil {
		return nil, err
	}
	s := &Signer{
		store:  store,
		scheme: scheme,
		now:    opts.Now,
		rand:   opts.Rand,
		logger: opts.Logger,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	return s, nil
}

// Scheme returns the sig_alg this signer produces.
func (s *Signer) Scheme() string {
	return s.scheme.Name()
}

// Sign stamps doc with fresh freshness metadata, canonicalizes it and signs
// the canonical bytes. doc itself is left untouched; the envelope carries a
// copy of it as supplied.
func (s *Signer) Sign(ctx context.Context, doc model.Document) (*model.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fresh, err := model.NewFreshness(s.now(), s.rand)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}
	merged, err := doc.WithFreshness(fresh)
	if err != nil {
		return nil, err
	}
	canonical, err := canon.Encode(merged)
	if err != nil {
		return nil, err
	}

	chainPEM, err := s.store.LoadCertificateChain(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: certificate chain: %w", ErrKeyLoad, err)
	}
	chain, err := certs.ParseChain(chainPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: certificate chain: %w", ErrKeyLoad, err)
	}
	key, err := s.store.LoadPrivateKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: private key: %w", ErrKeyLoad, err)
	}
	if !credstore.MatchesCertificate(key, chain[0]) {
		return nil, fmt.Errorf("%w: private key does not match leaf certificate", ErrKeyLoad)
	}
	if !s.scheme.SupportsKey(key.Public()) {
		return nil, fmt.Errorf("%w: key type %T cannot produce %s", ErrKeyLoad, key.Public(), s.scheme.Name())
	}

	digest := sha256.Sum256(canonical)
	sig, err := s.scheme.Sign(key, chain, canonical)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}

	sbom, err := doc.Clone()
	if err != nil {
		return nil, err
	}

	env := &model.Envelope{
		SBOM:             sbom,
		Signature:        base64.StdEncoding.EncodeToString(sig),
		Cert:             string(certs.EncodeChain(chain)),
		SigAlg:           s.scheme.Name(),
		Canonicalization: canon.Identifier,
		Timestamp:        fresh.Timestamp(),
		Nonce:            fresh.Nonce,
		Digest:           hex.EncodeToString(digest[:]),
	}

	s.logger.Debug("envelope signed",
		"event", "envelope.signed",
		"sig_alg", env.SigAlg,
		"digest", env.Digest,
		"ts", env.Timestamp,
		"canonical_bytes", len(canonical),
	)
	return env, nil
}
