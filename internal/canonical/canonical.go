// Package canonical provides deterministic serialization of JSON-like values.
//
// Canonical bytes are the input to every audit digest, so two logically equal
// payloads must always encode to identical byte strings regardless of map
// insertion order or the Go type they arrived in.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Marshal returns deterministic JSON bytes for an arbitrary JSON-like value.
//
// Rules:
//   - Objects: keys sorted lexicographically at every nesting level.
//   - Arrays: order preserved.
//   - Numbers: json.Number textual form preserved; other numerics encoded
//     via encoding/json.
//   - time.Time: normalised to UTC RFC3339Nano.
//   - Structs and other values: round-tripped through encoding/json with
//     UseNumber so the canonical form does not depend on the Go type.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Digest computes the SHA-256 digest committing to a payload and the hash of
// the preceding chain entry. prevHash is the hex digest of the previous event,
// or empty for the first event in a scope.
func Digest(payload any, prevHash string) ([]byte, error) {
	canon, err := Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	concat := make([]byte, 0, len(canon)+sha256.Size)
	concat = append(concat, canon...)
	if prevHash != "" {
		prevBytes, err := hex.DecodeString(prevHash)
		if err != nil {
			return nil, fmt.Errorf("decode prev hash: %w", err)
		}
		concat = append(concat, prevBytes...)
	}
	sum := sha256.Sum256(concat)
	return sum[:], nil
}

// DigestHex is Digest with the result hex-encoded, matching the stored form.
func DigestHex(payload any, prevHash string) (string, error) {
	d, err := Digest(payload, prevHash)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(d), nil
}

func encode(buf *bytes.Buffer, v any) error {
	switch vv := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if vv {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(vv.String())
	case string:
		b, _ := json.Marshal(vv)
		buf.Write(b)
	case time.Time:
		b, _ := json.Marshal(vv.UTC().Format(time.RFC3339Nano))
		buf.Write(b)
	case []any:
		buf.WriteByte('[')
		for i, elem := range vv {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(vv))
		for k := range vv {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encode(buf, vv[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		// Round-trip through encoding/json with UseNumber so structs, typed
		// maps and numeric primitives all reduce to the cases above.
		b, err := json.Marshal(vv)
		if err != nil {
			return fmt.Errorf("canonical marshal: %w", err)
		}
		var tmp any
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		if err := dec.Decode(&tmp); err != nil {
			return fmt.Errorf("canonical decode: %w", err)
		}
		return encode(buf, tmp)
	}
	return nil
}
