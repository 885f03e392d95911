package canon

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
)

func TestEncode(t *testing.T) {
	input := map[string]interface{}{
		"b": 1,
		"a": "hello",
		"c": []int{2, 1, 3},
		"d": map[string]interface{}{
			"y": "foo",
			"x": "bar",
		},
	}

	expected := `{"a":"hello","b":1,"c":[2,1,3],"d":{"x":"bar","y":"foo"}}`

	encoded, err := Encode(input)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	if string(encoded) != expected {
		t.Errorf("Expected %q, got %q", expected, string(encoded))
	}
}

func TestEncodeIgnoresInsertionOrder(t *testing.T) {
	docs := []string{
		`{"components":[{"name":"libfoo","version":"1.2"}],"metadata":{"tool":"x","ts":"t"},"bomFormat":"CycloneDX"}`,
		`{"bomFormat":"CycloneDX","metadata":{"ts":"t","tool":"x"},"components":[{"version":"1.2","name":"libfoo"}]}`,
		`{"metadata":{"tool":"x","ts":"t"},"bomFormat":"CycloneDX","components":[{"version":"1.2","name":"libfoo"}]}`,
	}

	var first []byte
	for i, doc := range docs {
		var tree map[string]any
		if err := json.Unmarshal([]byte(doc), &tree); err != nil {
			t.Fatalf("unmarshal %d: %v", i, err)
		}
		encoded, err := Encode(tree)
		if err != nil {
			t.Fatalf("Encode %d: %v", i, err)
		}
		if first == nil {
			first = encoded
			continue
		}
		if string(encoded) != string(first) {
			t.Fatalf("permutation %d encodes differently:\n%s\n%s", i, first, encoded)
		}
	}
}

func TestEncodeSortsStructFields(t *testing.T) {
	type component struct {
		Version string `json:"version"`
		Name    string `json:"name"`
	}
	got, err := Encode(component{Version: "1.2", Name: "libfoo"})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if want := `{"name":"libfoo","version":"1.2"}`; string(got) != want {
		t.Fatalf("Expected %q, got %q", want, got)
	}
}

func TestEncodeText(t *testing.T) {
	input := map[string]any{
		"html":    "<a href=\"x\">&</a>",
		"unicode": "càmera ñ 日本",
		"ctrl":    "tab\there",
	}
	want := `{"ctrl":"tab\there","html":"<a href=\"x\">&</a>","unicode":"càmera ñ 日本"}`

	got, err := Encode(input)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if string(got) != want {
		t.Fatalf("Expected %q, got %q", want, got)
	}
}

func TestEncodeKeepsNumberText(t *testing.T) {
	input := map[string]any{
		"big":     json.Number("12345678901234567890"),
		"decimal": json.Number("1.20"),
		"float":   0.5,
	}
	got, err := Encode(input)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if want := `{"big":12345678901234567890,"decimal":1.20,"float":0.5}`; string(got) != want {
		t.Fatalf("Expected %q, got %q", want, got)
	}
}

func TestEncodeInvalidDocument(t *testing.T) {
	cases := map[string]any{
		"nan":          map[string]any{"x": math.NaN()},
		"channel":      map[string]any{"x": make(chan int)},
		"func":         map[string]any{"x": func() {}},
		"bad utf8":     map[string]any{"x": string([]byte{0xff, 0xfe})},
		"bad utf8 key": map[string]any{string([]byte{0xc3}): "x"},
		"bad number":   map[string]any{"x": json.Number("one")},
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Encode(input); !errors.Is(err, ErrInvalidDocument) {
				t.Fatalf("expected ErrInvalidDocument, got %v", err)
			}
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	orig := map[string]any{"metadata": map[string]any{"tool": "x"}}
	clone, err := Clone(orig)
	if err != nil {
		t.Fatalf("Clone failed: %v", err)
	}
	clone["metadata"].(map[string]any)["tool"] = "changed"
	if orig["metadata"].(map[string]any)["tool"] != "x" {
		t.Fatal("Clone shares nested maps with the original")
	}
}

func TestCloneRejectsNonObject(t *testing.T) {
	if _, err := Clone([]any{1, 2}); !errors.Is(err, ErrInvalidDocument) {
		t.Fatalf("expected ErrInvalidDocument, got %v", err)
	}
}
