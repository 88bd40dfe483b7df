// package canonical produces the deterministic JSON form that every
// content-addressed hash in relvault is computed over. Two values that are
// structurally equal always canonicalize to the same bytes, regardless of
// map iteration order or how the value was decoded.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Marshal returns deterministic JSON bytes for a JSON-like value.
// Rules:
// - Objects: keys sorted lexicographically (byte-wise).
// - Arrays: order preserved.
// - Numbers kept in their textual form when decoded with UseNumber.
// - Structs and other Go values are round-tripped through encoding/json
//   first so their field tags apply, then re-encoded canonically.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns the SHA-256 digest of the canonical form of v.
func Hash(v interface{}) ([]byte, error) {
	b, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(b)
	return sum[:], nil
}

// HashHex returns the hex-encoded SHA-256 of the canonical form of v.
func HashHex(v interface{}) (string, error) {
	sum, err := Hash(v)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum), nil
}

func encode(buf *bytes.Buffer, v interface{}) error {
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
	case float64:
		// Numeric values decoded without UseNumber.
		b, _ := json.Marshal(vv)
		buf.Write(b)
	case int:
		fmt.Fprintf(buf, "%d", vv)
	case int64:
		fmt.Fprintf(buf, "%d", vv)
	case uint64:
		fmt.Fprintf(buf, "%d", vv)
	case string:
		b, _ := json.Marshal(vv)
		buf.Write(b)
	case []string:
		buf.WriteByte('[')
		for i, elem := range vv {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, _ := json.Marshal(elem)
			buf.Write(b)
		}
		buf.WriteByte(']')
	case []interface{}:
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
	case map[string]interface{}:
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
		// Structs, typed maps/slices: marshal with encoding/json so struct
		// tags apply, then re-decode with UseNumber and encode recursively.
		b, err := json.Marshal(vv)
		if err != nil {
			return fmt.Errorf("canonical marshal fallback: %w", err)
		}
		var tmp interface{}
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		if err := dec.Decode(&tmp); err != nil {
			return fmt.Errorf("canonical decode fallback: %w", err)
		}
		return encode(buf, tmp)
	}
	return nil
}
