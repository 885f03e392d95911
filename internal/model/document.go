package model

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vocdoni/gofirma/tracelet/internal/canon"
)

// Document is an inventory document (SBOM) held as a generic JSON tree.
// Apart from the metadata object, its contents are opaque to the pipeline.
type Document map[string]any

const (
	// MetadataKey holds the object that receives the freshness fields.
	MetadataKey = "metadata"

	TimestampKey = "ts"
	NonceKey     = "nonce"
)

// ParseDocument decodes raw JSON into a Document. Numbers keep their
// original text so the canonical form matches what the producer wrote.
func ParseDocument(raw []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("%w: %v", canon.ErrInvalidDocument, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after document", canon.ErrInvalidDocument)
	}
	obj, ok := tree.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: document must be a JSON object", canon.ErrInvalidDocument)
	}
	return Document(obj), nil
}

// Clone returns a deep copy of d.
func (d Document) Clone() (Document, error) {
	if d == nil {
		return nil, fmt.Errorf("%w: nil document", canon.ErrInvalidDocument)
	}
	obj, err := canon.Clone(map[string]any(d))
	if err != nil {
		return nil, err
	}
	return Document(obj), nil
}

// WithFreshness returns a copy of d whose metadata object carries the
// freshness fields. Existing metadata keys are kept unless they collide with
// ts or nonce, in which case the freshness values win. d is not modified.
//
// A null metadata value is treated as absent; any other non-object value is
// rejected.
func (d Document) WithFreshness(f Freshness) (Document, error) {
	merged, err := d.Clone()
	if err != nil {
		return nil, err
	}

	meta := map[string]any{}
	switch existing := merged[MetadataKey].(type) {
	case nil:
	case map[string]any:
		meta = existing
	default:
		return nil, fmt.Errorf("%w: %q must be an object", canon.ErrInvalidDocument, MetadataKey)
	}

	meta[TimestampKey] = f.Timestamp()
	meta[NonceKey] = f.Nonce
	merged[MetadataKey] = meta
	return merged, nil
}
