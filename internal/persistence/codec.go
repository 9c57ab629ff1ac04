package persistence

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// Textual encodings stored in generic TEXT columns.
//
//	map:   {k1=v1, k2=v2}
//	list:  [v1, v2]
//	array: [v1, , v3]   (positional; empty slots are kept)
//
// Decoders are tolerant of empty or absent input.

// EncodeMap renders m as {k1=v1, k2=v2} with keys in sorted order.
func EncodeMap(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range slices.Sorted(maps.Keys(m)) {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(m[k])
	}
	b.WriteByte('}')
	return b.String()
}

// DecodeMap parses the {k1=v1, k2=v2} encoding.
// Keys and values are trimmed; a key with no "=" maps to "".
func DecodeMap(s string) map[string]string {
	out := make(map[string]string)
	body := strings.TrimSpace(s)
	body = strings.TrimPrefix(body, "{")
	body = strings.TrimSuffix(body, "}")
	if strings.TrimSpace(body) == "" {
		return out
	}
	for _, pair := range strings.Split(body, ",") {
		k, v, _ := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}

// EncodeList renders values as [v1, v2].
func EncodeList(values []string) string {
	return "[" + strings.Join(values, ", ") + "]"
}

// DecodeList parses the [v1, v2] encoding. Elements are trimmed and empty
// elements are dropped; the result is never nil.
func DecodeList(s string) []string {
	out := []string{}
	body, ok := listBody(s)
	if !ok {
		return out
	}
	for _, part := range strings.Split(body, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// DecodeArray parses the positional [v1, , v3] encoding. Elements are trimmed
// and empty slots are kept. Absent or empty input returns nil.
func DecodeArray(s string) []string {
	body, ok := listBody(s)
	if !ok {
		return nil
	}
	parts := strings.Split(body, ",")
	out := make([]string, len(parts))
	for i, part := range parts {
		out[i] = strings.TrimSpace(part)
	}
	return out
}

// EncodeIntList renders values as [1, 2, 3].
func EncodeIntList(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return EncodeList(parts)
}

// DecodeIntList parses [1, 2, 3]. A non-numeric element is an error.
func DecodeIntList(s string) ([]int, error) {
	parts := DecodeList(s)
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("decoding int list %q: %w", s, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// listBody strips the brackets. ok is false for empty input or an empty list.
func listBody(s string) (string, bool) {
	body := strings.TrimSpace(s)
	body = strings.TrimPrefix(body, "[")
	body = strings.TrimSuffix(body, "]")
	if strings.TrimSpace(body) == "" {
		return "", false
	}
	return body, true
}
