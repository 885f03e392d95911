package model

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidEnvelope = errors.New("invalid envelope")

// Validate checks that every field is present and well formed. It does not
// verify the signature.
func (e *Envelope) Validate() error {
	if e.SBOM == nil {
		return fmt.Errorf("%w: missing sbom", ErrInvalidEnvelope)
	}

	if e.Signature == "" {
		return fmt.Errorf("%w: missing signature", ErrInvalidEnvelope)
	}
	sig, err := base64.StdEncoding.DecodeString(e.Signature)
	if err != nil {
		return fmt.Errorf("%w: invalid signature base64: %v", ErrInvalidEnvelope, err)
	}
	if len(sig) == 0 {
		return fmt.Errorf("%w: empty signature", ErrInvalidEnvelope)
	}

	if !strings.Contains(e.Cert, "-----BEGIN CERTIFICATE-----") {
		return fmt.Errorf("%w: cert must be a PEM certificate chain", ErrInvalidEnvelope)
	}
	if block, _ := pem.Decode([]byte(e.Cert)); block == nil {
		return fmt.Errorf("%w: cert is not valid PEM", ErrInvalidEnvelope)
	}

	if e.SigAlg == "" {
		return fmt.Errorf("%w: missing sig_alg", ErrInvalidEnvelope)
	}
	if e.Canonicalization == "" {
		return fmt.Errorf("%w: missing canonicalization", ErrInvalidEnvelope)
	}

	if _, err := ParseTimestamp(e.Timestamp); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	nonce, err := hex.DecodeString(e.Nonce)
	if err != nil {
		return fmt.Errorf("%w: invalid nonce hex: %v", ErrInvalidEnvelope, err)
	}
	if len(nonce) < NonceBytes {
		return fmt.Errorf("%w: nonce must carry at least %d bytes", ErrInvalidEnvelope, NonceBytes)
	}

	digest, err := hex.DecodeString(e.Digest)
	if err != nil {
		return fmt.Errorf("%w: invalid digest hex: %v", ErrInvalidEnvelope, err)
	}
	if len(digest) != 32 {
		return fmt.Errorf("%w: digest must be a sha256 (32 bytes)", ErrInvalidEnvelope)
	}

	return nil
}
