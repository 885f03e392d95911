// Package verify performs the collector-side checks on a signed envelope:
// signer chain, identity binding, canonical digest, signature, freshness
// and replay.
package verify

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/vocdoni/gofirma/tracelet/internal/canon"
	"github.com/vocdoni/gofirma/tracelet/internal/crypto/certs"
	"github.com/vocdoni/gofirma/tracelet/internal/model"
	"github.com/vocdoni/gofirma/tracelet/internal/signer"
)

// DefaultMaxSkew is the accepted distance between the envelope timestamp
// and the verifier clock.
const DefaultMaxSkew = 300 * time.Second

var (
	ErrUnsupportedAlgorithm        = errors.New("unsupported signature algorithm")
	ErrUnsupportedCanonicalization = errors.New("unsupported canonicalization")
	ErrDigestMismatch              = errors.New("digest mismatch")
	ErrBadSignature                = errors.New("signature verification failed")
	ErrUntrustedSigner             = errors.New("signer certificate not trusted")
	ErrIdentityMismatch            = errors.New("signer identity does not match destination")
	ErrStale                       = errors.New("envelope timestamp outside accepted window")
	ErrReplay                      = errors.New("nonce already used")
)

type Options struct {
	// Roots anchors the signer chain. Nil skips chain verification.
	Roots *x509.CertPool
	// MaxSkew of zero means DefaultMaxSkew; negative disables the check.
	MaxSkew time.Duration
	// Nonces enables replay detection when set. Entries must live at least
	// twice MaxSkew, and a negative MaxSkew leaves no such bound.
	Nonces NonceCache
	// Now defaults to time.Now.
	Now func() time.Time
}

// Report describes an accepted envelope.
type Report struct {
	Identity string
	Issuer   string
	Digest   string
	IssuedAt time.Time
	Nonce    string
	SigAlg   string
}

type Verifier struct {
	opts Options
}

func New(opts Options) *Verifier {
	if opts.MaxSkew == 0 {
		opts.MaxSkew = DefaultMaxSkew
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Verifier{opts: opts}
}

// CanonicalBytes rebuilds the bytes the envelope signature covers.
func CanonicalBytes(env *model.Envelope) ([]byte, error) {
	if env.Canonicalization != canon.Identifier {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCanonicalization, env.Canonicalization)
	}
	doc, err := env.SignedDocument()
	if err != nil {
		return nil, err
	}
	return canon.Encode(doc)
}

// Verify checks env. When identity is non-empty the leaf CN must equal it.
// The nonce is only recorded once the signature has been accepted, so a
// forged envelope cannot burn a legitimate nonce.
func (v *Verifier) Verify(ctx context.Context, env *model.Envelope, identity string) (*Report, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}

	scheme, err := signer.LookupScheme(env.SigAlg)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, env.SigAlg)
	}

	chain, err := certs.ParseChain([]byte(env.Cert))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidEnvelope, err)
	}
	leaf := chain[0]
	id, err := certs.ExtractIdentity(leaf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUntrustedSigner, err)
	}
	if identity != "" && id.CommonName != identity {
		return nil, fmt.Errorf("%w: certificate CN %q, expected %q", ErrIdentityMismatch, id.CommonName, identity)
	}

	now := v.opts.Now()
	if v.opts.Roots != nil {
		if err := v.verifyChain(chain, now); err != nil {
			return nil, err
		}
	}

	canonical, err := CanonicalBytes(env)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(canonical)
	claimed, err := hex.DecodeString(env.Digest)
	if err != nil || subtle.ConstantTimeCompare(digest[:], claimed) != 1 {
		return nil, ErrDigestMismatch
	}

	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidEnvelope, err)
	}
	if err := scheme.Verify(leaf, canonical, sig); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	fresh, err := env.Freshness()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidEnvelope, err)
	}
	if v.opts.MaxSkew > 0 {
		skew := now.Sub(fresh.IssuedAt)
		if skew < 0 {
			skew = -skew
		}
		if skew > v.opts.MaxSkew {
			return nil, fmt.Errorf("%w: ts %s is %s away from now", ErrStale, env.Timestamp, skew.Round(time.Second))
		}
	}

	if v.opts.Nonces != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		replay, err := v.opts.Nonces.Record(id.CommonName, fresh.Nonce, fresh.IssuedAt)
		if err != nil {
			return nil, fmt.Errorf("nonce cache: %w", err)
		}
		if replay {
			return nil, ErrReplay
		}
	}

	return &Report{
		Identity: id.CommonName,
		Issuer:   id.Issuer,
		Digest:   env.Digest,
		IssuedAt: fresh.IssuedAt,
		Nonce:    fresh.Nonce,
		SigAlg:   env.SigAlg,
	}, nil
}

func (v *Verifier) verifyChain(chain []*x509.Certificate, now time.Time) error {
	intermediates := x509.NewCertPool()
	for _, c := range chain[1:] {
		intermediates.AddCert(c)
	}
	_, err := chain[0].Verify(x509.VerifyOptions{
		Roots:         v.opts.Roots,
		Intermediates: intermediates,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUntrustedSigner, err)
	}
	return nil
}
