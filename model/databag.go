package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// DataBag is an ordered key/value container used for client metadata, token
// parameters (protocol visible, e.g. scope) and token metadata (internal, e.g.
// redirect_uri). Keys keep their insertion order, which is also the order used
// when the bag is serialized.
//
// The zero value is an empty, usable bag.
type DataBag struct {
	keys   []string
	values map[string]any
}

// NewDataBag creates a bag from a map. Keys are inserted in sorted order so
// that the result is deterministic.
func NewDataBag(values map[string]any) DataBag {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var bag DataBag
	for _, k := range keys {
		bag.Set(k, values[k])
	}
	return bag
}

// Has reports whether the key is present.
func (b DataBag) Has(key string) bool {
	_, ok := b.values[key]
	return ok
}

// Get returns the value stored under key.
func (b DataBag) Get(key string) (any, bool) {
	v, ok := b.values[key]
	return v, ok
}

// GetString returns the value stored under key when it is a string.
func (b DataBag) GetString(key string) (string, bool) {
	v, ok := b.values[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetStringSlice returns the value stored under key as a list of strings.
// Both []string and JSON-decoded []any values are accepted.
func (b DataBag) GetStringSlice(key string) ([]string, bool) {
	v, ok := b.values[key]
	if !ok {
		return nil, false
	}
	switch vv := v.(type) {
	case []string:
		return append([]string(nil), vv...), true
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

// GetInt64 returns the value stored under key as an integer. JSON numbers are
// decoded as float64, so both representations are accepted.
func (b DataBag) GetInt64(key string) (int64, bool) {
	v, ok := b.values[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

// GetBool returns the value stored under key when it is a boolean.
func (b DataBag) GetBool(key string) (bool, bool) {
	v, ok := b.values[key]
	if !ok {
		return false, false
	}
	bv, ok := v.(bool)
	return bv, ok
}

// Set stores the value under key. An existing key keeps its position.
func (b *DataBag) Set(key string, value any) {
	if b.values == nil {
		b.values = make(map[string]any)
	}
	if _, ok := b.values[key]; !ok {
		b.keys = append(b.keys, key)
	}
	b.values[key] = value
}

// Delete removes the key from the bag.
func (b *DataBag) Delete(key string) {
	if _, ok := b.values[key]; !ok {
		return
	}
	delete(b.values, key)
	for i, k := range b.keys {
		if k == key {
			b.keys = append(b.keys[:i:i], b.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order.
func (b DataBag) Keys() []string {
	return append([]string(nil), b.keys...)
}

// Len returns the number of entries.
func (b DataBag) Len() int {
	return len(b.keys)
}

// All returns a copy of the entries as a plain map.
func (b DataBag) All() map[string]any {
	out := make(map[string]any, len(b.keys))
	for _, k := range b.keys {
		out[k] = b.values[k]
	}
	return out
}

// Clone returns a shallow copy that can be mutated independently.
func (b DataBag) Clone() DataBag {
	var out DataBag
	for _, k := range b.keys {
		out.Set(k, b.values[k])
	}
	return out
}

// Merge copies every entry of other into the bag, overwriting existing keys.
func (b *DataBag) Merge(other DataBag) {
	for _, k := range other.keys {
		b.Set(k, other.values[k])
	}
}

// MarshalJSON encodes the bag as a JSON object preserving key order.
func (b DataBag) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range b.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(b.values[k])
		if err != nil {
			return nil, fmt.Errorf("failed to marshal data bag entry %q: %w", k, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, keeping the order of its members.
func (b *DataBag) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*b = DataBag{}
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("data bag must be a JSON object")
	}

	out := DataBag{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("invalid data bag key")
		}
		var value any
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("failed to decode data bag entry %q: %w", key, err)
		}
		out.Set(key, value)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}

	*b = out
	return nil
}

// String renders the bag for debugging.
func (b DataBag) String() string {
	parts := make([]string, 0, len(b.keys))
	for _, k := range b.keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, b.values[k]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
