package core

import "strings"

// The wire protocol names fields in lower_snake form while the SDK
// surface uses lowerCamel. ToWireKeys and FromWireKeys walk arbitrary
// decoded JSON trees and rename keys in place of a reflection-based
// mapping layer. Values are never transformed, only mapping keys.

// ToWireKeys returns a copy of v with every mapping key converted from
// lowerCamel to lower_snake, recursively. Keys already in wire form are
// left unchanged.
func ToWireKeys(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[ToSnakeCase(k)] = ToWireKeys(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = ToWireKeys(val)
		}
		return out
	default:
		return v
	}
}

// FromWireKeys is the inverse of ToWireKeys: lower_snake keys become
// lowerCamel, recursively.
func FromWireKeys(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[ToCamelCase(k)] = FromWireKeys(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = FromWireKeys(val)
		}
		return out
	default:
		return v
	}
}

// ToSnakeCase converts a lowerCamel identifier to lower_snake. Every
// uppercase letter is treated as a word boundary. Identifiers without
// uppercase letters come back unchanged, so wire-form input is a no-op.
func ToSnakeCase(s string) string {
	if !strings.ContainsFunc(s, isUpper) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 4)
	for _, r := range s {
		if isUpper(r) {
			b.WriteByte('_')
			b.WriteRune(r - 'A' + 'a')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ToCamelCase converts a lower_snake identifier to lowerCamel. Only an
// underscore directly followed by a lowercase letter marks a boundary;
// leading underscores and digit segments (for example "retry_5") are
// preserved so wire-form round-trips stay exact.
func ToCamelCase(s string) string {
	if !strings.Contains(s, "_") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r == '_' && i > 0 && i+1 < len(runes) && isLower(runes[i+1]) {
			b.WriteRune(runes[i+1] - 'a' + 'A')
			i++
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isUpper(r rune) bool { return r >= 'A' && r <= 'Z' }
func isLower(r rune) bool { return r >= 'a' && r <= 'z' }
