// Package canonicaljson encodes JSON the way Matrix signs it: object keys sorted by code point,
// no insignificant whitespace, and strings emitted as UTF-8 with only the mandatory escapes.
package canonicaljson

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

var ErrInvalidJSON = errors.New("canonicaljson: invalid JSON")

// Canonicalize re-encodes input in canonical form.
func Canonicalize(input []byte) ([]byte, error) {
	if !gjson.ValidBytes(input) {
		return nil, ErrInvalidJSON
	}
	return appendValue(make([]byte, 0, len(input)), gjson.ParseBytes(input))
}

// Marshal encodes v with encoding/json and canonicalizes the result.
func Marshal(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicaljson: %w", err)
	}
	return Canonicalize(b)
}

type member struct {
	key   string
	value gjson.Result
}

func appendValue(out []byte, v gjson.Result) ([]byte, error) {
	switch v.Type {
	case gjson.String:
		return appendString(out, v.Str), nil
	case gjson.Number, gjson.True, gjson.False, gjson.Null:
		return append(out, v.Raw...), nil
	case gjson.JSON:
		if v.IsArray() {
			return appendArray(out, v)
		}
		if v.IsObject() {
			return appendObject(out, v)
		}
	}
	return nil, fmt.Errorf("%w: unexpected token %q", ErrInvalidJSON, v.Raw)
}

func appendArray(out []byte, v gjson.Result) ([]byte, error) {
	var err error
	out = append(out, '[')
	first := true
	v.ForEach(func(_, item gjson.Result) bool {
		if !first {
			out = append(out, ',')
		}
		first = false
		out, err = appendValue(out, item)
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	return append(out, ']'), nil
}

func appendObject(out []byte, v gjson.Result) ([]byte, error) {
	var members []member
	v.ForEach(func(key, value gjson.Result) bool {
		members = append(members, member{key: key.Str, value: value})
		return true
	})
	// Go string order is byte order, which for UTF-8 is code point order.
	sort.SliceStable(members, func(i, j int) bool { return members[i].key < members[j].key })

	var err error
	out = append(out, '{')
	for i, m := range members {
		if i > 0 && m.key == members[i-1].key {
			return nil, fmt.Errorf("%w: duplicate key %q", ErrInvalidJSON, m.key)
		}
		if i > 0 {
			out = append(out, ',')
		}
		out = appendString(out, m.key)
		out = append(out, ':')
		if out, err = appendValue(out, m.value); err != nil {
			return nil, err
		}
	}
	return append(out, '}'), nil
}

const hex = "0123456789abcdef"

func appendString(out []byte, s string) []byte {
	out = append(out, '"')
	for i := 0; i < len(s); {
		c := s[i]
		if c >= 0x20 && c != '"' && c != '\\' {
			if c < utf8.RuneSelf {
				out = append(out, c)
				i++
				continue
			}
			r, size := utf8.DecodeRuneInString(s[i:])
			if r == utf8.RuneError && size == 1 {
				out = append(out, `�`...)
			} else {
				out = append(out, s[i:i+size]...)
			}
			i += size
			continue
		}
		switch c {
		case '"':
			out = append(out, '\\', '"')
		case '\\':
			out = append(out, '\\', '\\')
		case '\b':
			out = append(out, '\\', 'b')
		case '\f':
			out = append(out, '\\', 'f')
		case '\n':
			out = append(out, '\\', 'n')
		case '\r':
			out = append(out, '\\', 'r')
		case '\t':
			out = append(out, '\\', 't')
		default:
			out = append(out, '\\', 'u', '0', '0', hex[c>>4], hex[c&0xf])
		}
		i++
	}
	return append(out, '"')
}
