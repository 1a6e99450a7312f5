package svcconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/tidwall/jsonc"
	"github.com/zeebo/blake3"
)

// MaxMergeDepth bounds table nesting during merges. Documents nested deeper
// than this are rejected rather than truncated.
const MaxMergeDepth = 30

var (
	ErrMergeTooDeep      = errors.New("config merge exceeded maximum table depth")
	ErrMalformedDocument = errors.New("malformed config document")
	ErrEnvUnparseable    = errors.New("environment config is neither TOML nor JSON")
)

// Document is one configuration layer or the merged result: string keys,
// nested tables as Document or map[string]any, scalar or array leaves.
type Document map[string]any

// DecodeTOML parses a TOML document.
func DecodeTOML(data []byte) (Document, error) {
	doc := Document{}
	if _, err := toml.Decode(string(data), (*map[string]any)(&doc)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	return doc, nil
}

// DecodeJSON parses a JSON object. Comments and trailing commas are accepted.
func DecodeJSON(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(jsonc.ToJSON(data), &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: top level is not an object", ErrMalformedDocument)
	}
	return doc, nil
}

// DecodeAuto tries TOML first and falls back to JSON.
func DecodeAuto(data []byte) (Document, error) {
	doc, tomlErr := DecodeTOML(data)
	if tomlErr == nil {
		return doc, nil
	}
	doc, jsonErr := DecodeJSON(data)
	if jsonErr == nil {
		return doc, nil
	}
	return nil, fmt.Errorf("%w: toml: %v; json: %v", ErrEnvUnparseable, tomlErr, jsonErr)
}

// Merge returns a new document holding dst overlaid with src. Nested tables
// are merged recursively, everything else in src replaces dst.
func Merge(dst, src Document) (Document, error) {
	out := Document{}
	if err := mergeInto(out, dst, 1); err != nil {
		return nil, err
	}
	if err := mergeInto(out, src, 1); err != nil {
		return nil, err
	}
	return out, nil
}

func mergeInto(dst, src map[string]any, depth int) error {
	if depth > MaxMergeDepth {
		return fmt.Errorf("%w (%d)", ErrMergeTooDeep, MaxMergeDepth)
	}
	for key, value := range src {
		table, ok := asTable(value)
		if !ok {
			copied, err := copyValue(value, depth+1)
			if err != nil {
				return err
			}
			dst[key] = copied
			continue
		}
		existing, ok := asTable(dst[key])
		if !ok {
			existing = map[string]any{}
		} else {
			existing = shallowCopy(existing)
		}
		if err := mergeInto(existing, table, depth+1); err != nil {
			return err
		}
		dst[key] = existing
	}
	return nil
}

func asTable(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case Document:
		return map[string]any(t), true
	default:
		return nil, false
	}
}

func shallowCopy(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// copyValue detaches arrays from the source layer so later layer swaps
// never alias into a merged document. Tables held in arrays sit at depth
// and are bounded like any other table.
func copyValue(v any, depth int) (any, error) {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i := range t {
			if table, ok := asTable(t[i]); ok {
				m := map[string]any{}
				if err := mergeInto(m, table, depth); err != nil {
					return nil, err
				}
				out[i] = m
				continue
			}
			elem, err := copyValue(t[i], depth)
			if err != nil {
				return nil, err
			}
			out[i] = elem
		}
		return out, nil
	case []map[string]any:
		out := make([]map[string]any, len(t))
		for i := range t {
			m := map[string]any{}
			if err := mergeInto(m, t[i], depth); err != nil {
				return nil, err
			}
			out[i] = m
		}
		return out, nil
	default:
		return v, nil
	}
}

// Lookup walks a dotted key path.
func (d Document) Lookup(path string) (any, bool) {
	var cur any = map[string]any(d)
	for _, part := range strings.Split(path, ".") {
		table, ok := asTable(cur)
		if !ok {
			return nil, false
		}
		cur, ok = table[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Fingerprint is a blake3 hash over the canonical JSON form. encoding/json
// sorts map keys, which makes it stable across map iteration order.
func (d Document) Fingerprint() [32]byte {
	data, err := json.Marshal(d)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", map[string]any(d)))
	}
	return blake3.Sum256(data)
}
