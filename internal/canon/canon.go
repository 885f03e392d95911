package canon

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"unicode/utf8"
)

// Identifier names the canonical form produced by Encode. It is embedded in
// every envelope so a verifier never has to guess the rule.
const Identifier = "json-sorted-compact-utf8/v1"

// maxDepth bounds the nesting accepted by Normalize.
const maxDepth = 512

var ErrInvalidDocument = errors.New("invalid document")

// Encode returns the canonical JSON encoding of v.
// It ensures:
// - Object keys sorted byte-wise at every depth, Go structs included
// - No insignificant whitespace, "," and ":" as the only separators
// - No HTML escaping (SetEscapeHTML(false)); non-ASCII stays raw UTF-8
// - Numbers keep the decimal text they were decoded from
//
// U+2028 and U+2029 are always written as \u2028 and \u2029; that is the
// only escaping applied beyond what JSON requires.
func Encode(v any) ([]byte, error) {
	tree, err := Normalize(v)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(tree); err != nil {
		return nil, fmt.Errorf("%w: canonical encoding failed: %v", ErrInvalidDocument, err)
	}

	// json.Encoder.Encode appends a newline at the end. We need to remove it.
	// https://pkg.go.dev/encoding/json#Encoder.Encode
	out := buf.Bytes()
	if len(out) > 0 && out[len(out)-1] == '\n' {
		out = out[:len(out)-1]
	}

	return out, nil
}

// Normalize converts v into the generic JSON tree (map[string]any, []any,
// string, json.Number, bool, nil) that Encode serialises. Struct field
// order is lost on purpose: only key text decides ordering.
func Normalize(v any) (any, error) {
	if err := checkText(reflect.ValueOf(v), 0); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return tree, nil
}

// Clone returns a deep copy of an object-shaped value as a generic tree.
func Clone(v any) (map[string]any, error) {
	tree, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	obj, ok := tree.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: top level is %s, want object", ErrInvalidDocument, kindOf(tree))
	}
	return obj, nil
}

// checkText rejects strings and keys that are not valid UTF-8. encoding/json
// would silently replace the bad bytes, and the signer and verifier could then
// disagree about what was signed.
func checkText(v reflect.Value, depth int) error {
	if depth > maxDepth {
		return fmt.Errorf("%w: nesting deeper than %d", ErrInvalidDocument, maxDepth)
	}
	if !v.IsValid() {
		return nil
	}

	switch v.Kind() {
	case reflect.String:
		if !utf8.ValidString(v.String()) {
			return fmt.Errorf("%w: string is not valid UTF-8", ErrInvalidDocument)
		}
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		return checkText(v.Elem(), depth+1)
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			if k := iter.Key(); k.Kind() == reflect.String && !utf8.ValidString(k.String()) {
				return fmt.Errorf("%w: key is not valid UTF-8", ErrInvalidDocument)
			}
			if err := checkText(iter.Value(), depth+1); err != nil {
				return err
			}
		}
	case reflect.Slice, reflect.Array:
		// []byte is emitted as base64 and is always valid.
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return nil
		}
		for i := 0; i < v.Len(); i++ {
			if err := checkText(v.Index(i), depth+1); err != nil {
				return err
			}
		}
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			if err := checkText(v.Field(i), depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case []any:
		return "array"
	case string:
		return "string"
	case json.Number:
		return "number"
	case bool:
		return "boolean"
	default:
		return fmt.Sprintf("%T", v)
	}
}
