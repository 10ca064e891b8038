package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ID is an opaque JSON-RPC id. Strings and numbers are kept in their JSON form,
// so "1" and 1 are different ids. The zero value is the null id.
type ID struct {
	raw string
}

// StringID returns an id holding the string s.
func StringID(s string) ID {
	b, _ := json.Marshal(s)
	return ID{raw: string(b)}
}

// NumberID returns an id holding the integer n.
func NumberID(n int64) ID { return ID{raw: strconv.FormatInt(n, 10)} }

// IsZero reports whether the id is null or absent.
func (id ID) IsZero() bool { return id.raw == "" }

// Key is the canonical form used for correlation.
func (id ID) Key() string { return id.raw }

// Equal reports whether both ids have the same JSON form.
func (id ID) Equal(o ID) bool { return id.raw == o.raw }

func (id ID) String() string {
	if id.raw == "" {
		return "null"
	}
	if id.raw[0] == '"' {
		var s string
		if json.Unmarshal([]byte(id.raw), &s) == nil {
			return s
		}
	}
	return id.raw
}

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.raw == "" {
		return []byte("null"), nil
	}
	return []byte(id.raw), nil
}

// UnmarshalJSON implements json.Unmarshaler. Only strings, numbers and null are
// accepted.
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0:
		return fmt.Errorf("empty id")
	case bytes.Equal(b, []byte("null")):
		id.raw = ""
		return nil
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = StringID(s)
		return nil
	case b[0] == '-' || (b[0] >= '0' && b[0] <= '9'):
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		id.raw = n.String()
		return nil
	default:
		return fmt.Errorf("id must be a string or number, got %s", b)
	}
}
