// Package canonical produces the byte-exact JSON form used for audit
// hashing and signature verification: object keys sorted by code point,
// arrays order-preserving, minimal-decimal numbers, no insignificant
// whitespace, HTML escaping disabled.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/gowebpki/jcs"
)

// Canonicalize returns the canonical JSON representation of v.
//
// v is first marshalled through encoding/json so struct tags are honoured,
// then decoded with UseNumber so numeric literals survive untouched, then
// re-marshalled recursively with sorted keys. Two processes canonicalizing
// the same value must produce identical bytes.
func Canonicalize(v interface{}) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: pre-marshal failed: %w", err)
	}
	return Transform(intermediate)
}

// Transform canonicalizes raw JSON text. Number normalization (minimal
// decimal, ES-style exponents for magnitudes beyond 2^53) is delegated to
// the RFC 8785 transform.
func Transform(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical: decode failed: %w", err)
	}
	normalized, err := marshalRecursive(generic)
	if err != nil {
		return nil, err
	}
	// jcs.Transform settles numeric formatting; key order and escaping are
	// already canonical at this point, so the transform is a fixpoint.
	out, err := jcs.Transform(normalized)
	if err != nil {
		return nil, fmt.Errorf("canonical: rfc8785 transform failed: %w", err)
	}
	return out, nil
}

// Hash returns the hex SHA-256 of the canonical form of v.
func Hash(v interface{}) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// Digest returns the raw SHA-256 of the canonical form of v.
func Digest(v interface{}) ([32]byte, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(b), nil
}

// HashBytes computes the hex SHA-256 of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func marshalRecursive(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	switch t := v.(type) {
	case nil:
		return []byte("null"), nil
	case bool:
		if t {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case json.Number:
		return []byte(t.String()), nil
	case string:
		if err := enc.Encode(t); err != nil {
			return nil, fmt.Errorf("canonical: string encode failed: %w", err)
		}
		return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
	case []interface{}:
		buf.Reset()
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := marshalRecursive(elem)
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case map[string]interface{}:
		buf.Reset()
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := marshalRecursive(k)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := marshalRecursive(t[k])
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	default:
		if err := enc.Encode(v); err != nil {
			return nil, fmt.Errorf("canonical: encode failed: %w", err)
		}
		return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
	}
}
