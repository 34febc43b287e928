package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// HashContent returns a deterministic 32-char hex content hash of v: v is
// marshaled to JSON with sorted map keys (encoding/json already sorts map
// keys), then SHA-256'd and truncated to the first 16 bytes (32 hex chars).
// Two values that marshal to the same canonical JSON get the same hash,
// satisfying the content-address determinism property (spec §8.1).
func HashContent(v any) string {
	canonical, err := canonicalJSON(v)
	if err != nil {
		// Fall back to a hash of the Go-default marshal; callers should
		// validate inputs upstream, but a hash must never panic.
		canonical, _ = json.Marshal(v)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:16])
}

// canonicalJSON marshals v and re-marshals any map[string]any fields with
// explicitly sorted keys, since Go's encoding/json already emits map keys
// in sorted order but nested structs with unexported ordering differences
// (slice of typed structs with omitempty) can still shift byte layout
// across semantically-identical Go representations built two different
// ways. Round-tripping through map[string]any normalizes that.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return raw, nil
	}
	return marshalSorted(generic)
}

func marshalSorted(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, _ := json.Marshal(k)
			buf = append(buf, kb...)
			buf = append(buf, ':')
			vb, err := marshalSorted(val[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		buf = append(buf, '}')
		return buf, nil
	case []any:
		buf := []byte{'['}
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			ib, err := marshalSorted(item)
			if err != nil {
				return nil, err
			}
			buf = append(buf, ib...)
		}
		buf = append(buf, ']')
		return buf, nil
	default:
		return json.Marshal(val)
	}
}
