package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Envelope is the signed, wire-ready unit published to the collector.
//
// SBOM is the document as the caller supplied it, before the freshness
// fields were merged into its metadata. Digest and Signature are computed
// over the canonical form of the merged document, so a verifier has to put
// Timestamp and Nonce back under SBOM["metadata"] before checking either.
type Envelope struct {
	SBOM             Document `json:"sbom"`
	Signature        string   `json:"signature"`
	Cert             string   `json:"cert"`
	SigAlg           string   `json:"sig_alg"`
	Canonicalization string   `json:"canonicalization"`
	Timestamp        string   `json:"ts"`
	Nonce            string   `json:"nonce"`
	Digest           string   `json:"digest"`
}

// Freshness returns the freshness pair carried by the envelope.
func (e *Envelope) Freshness() (Freshness, error) {
	ts, err := ParseTimestamp(e.Timestamp)
	if err != nil {
		return Freshness{}, err
	}
	return Freshness{IssuedAt: ts, Nonce: e.Nonce}, nil
}

// SignedDocument rebuilds the document the signature covers.
func (e *Envelope) SignedDocument() (Document, error) {
	f, err := e.Freshness()
	if err != nil {
		return nil, err
	}
	return e.SBOM.WithFreshness(f)
}

// Marshal serialises the envelope for transport.
func (e *Envelope) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// ParseEnvelope decodes and validates an envelope. Unknown fields are
// rejected, and numbers inside sbom keep their original text.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after envelope", ErrInvalidEnvelope)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Receipt is the collector's acknowledgement of an envelope delivered over
// HTTPS.
type Receipt struct {
	Status     string `json:"status"`
	ReceiptID  string `json:"receiptId,omitempty"`
	ReceivedAt string `json:"receivedAt,omitempty"`
	Error      string `json:"error,omitempty"`
}

const (
	ReceiptOK       = "ok"
	ReceiptRejected = "rejected"
)
