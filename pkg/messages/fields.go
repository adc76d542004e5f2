package messages

import (
	"fmt"
	"strconv"
	"strings"
)

// Decoded bus entries carry loosely typed values: the codec JSON-parses each
// field, so a numeric-looking id arrives as float64 and a JSON list as []any.
// These helpers coerce decoded fields back to the types workers need.

// StringField returns the field as a string, coercing decoded scalars.
func StringField(fields map[string]any, key string) string {
	switch v := fields[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// BoolField interprets the field as a boolean. Accepts native bools and the
// usual string spellings ("true", "1", "yes", case-insensitive).
func BoolField(fields map[string]any, key string) bool {
	switch v := fields[key].(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(v) {
		case "true", "1", "yes":
			return true
		}
	case float64:
		return v != 0
	}
	return false
}

// FloatField returns the field as a float64 and whether it was present and
// numeric (or a parseable numeric string).
func FloatField(fields map[string]any, key string) (float64, bool) {
	switch v := fields[key].(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// IntField returns the field as an int and whether it was present and integral.
func IntField(fields map[string]any, key string) (int, bool) {
	f, ok := FloatField(fields, key)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// StringSliceField returns the field as a list of strings. Decoded JSON
// arrays arrive as []any; single strings are returned as a one-element list.
func StringSliceField(fields map[string]any, key string) []string {
	switch v := fields[key].(type) {
	case nil:
		return nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			} else {
				out = append(out, fmt.Sprintf("%v", item))
			}
		}
		return out
	case []string:
		return v
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}

// HasField reports whether the key is present with a non-nil value.
func HasField(fields map[string]any, key string) bool {
	v, ok := fields[key]
	return ok && v != nil
}
