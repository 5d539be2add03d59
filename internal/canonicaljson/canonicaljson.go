// Package canonicaljson implements the deterministic request-payload
// fingerprint used by the idempotency gate.
//
// Canonicalization rule:
//   - object keys are sorted lexicographically by byte value
//   - null-valued object fields are dropped before hashing
//   - numbers are decoded as json.Number and re-emitted verbatim, so
//     "1.50" and "1.5" are NOT considered equal (we never round-trip
//     through float64)
//   - arrays keep their original order
//   - strings are passed through unmodified (inputs are assumed valid
//     UTF-8 JSON, which encoding/json already guarantees on decode)
//
// The fingerprint is a SHA-256 of the canonical form, taken over the
// request body with trace/version fields excluded via an explicit
// strip list applied before canonicalization.
package canonicaljson

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Strip removes the named top-level fields from a decoded payload
// before canonicalization — insignificant fields like client trace
// hints and version strings that shouldn't affect the fingerprint.
func Strip(payload map[string]any, fields ...string) map[string]any {
	out := make(map[string]any, len(payload))
	skip := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		skip[f] = struct{}{}
	}
	for k, v := range payload {
		if _, ok := skip[k]; ok {
			continue
		}
		out[k] = v
	}
	return out
}

// Canonicalize decodes raw JSON and re-encodes it deterministically.
func Canonicalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonicaljson: decode: %w", err)
	}
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Fingerprint returns the hex-encoded SHA-256 of the canonical form of
// payload, after removing excludeFields.
func Fingerprint(payload map[string]any, excludeFields ...string) (string, error) {
	stripped := Strip(payload, excludeFields...)
	raw, err := json.Marshal(stripped)
	if err != nil {
		return "", fmt.Errorf("canonicaljson: marshal: %w", err)
	}
	canon, err := Canonicalize(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

func encode(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(string(t))
	case string:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
	case []any:
		buf.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k, val := range t {
			if val == nil {
				continue // drop null-valued object fields before hashing
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encode(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonicaljson: unsupported type %T", v)
	}
	return nil
}
