package bus

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// EncodeFields flattens typed fields into the string map stored on a stream
// entry. Scalars use their canonical text form; lists, maps and structs are
// JSON-encoded; nil becomes the empty string.
func EncodeFields(fields map[string]any) (map[string]string, error) {
	encoded := make(map[string]string, len(fields))
	for key, value := range fields {
		switch v := value.(type) {
		case nil:
			encoded[key] = ""
		case string:
			encoded[key] = v
		case bool:
			encoded[key] = strconv.FormatBool(v)
		case float64:
			encoded[key] = strconv.FormatFloat(v, 'f', -1, 64)
		case float32:
			encoded[key] = strconv.FormatFloat(float64(v), 'f', -1, 32)
		case int:
			encoded[key] = strconv.Itoa(v)
		case int64:
			encoded[key] = strconv.FormatInt(v, 10)
		default:
			data, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("encode field %s: %w", key, err)
			}
			encoded[key] = string(data)
		}
	}
	return encoded, nil
}

// DecodeFields reverses EncodeFields. Each value that parses as JSON becomes
// a typed value (numbers decode as float64); anything else stays a string.
func DecodeFields(raw map[string]string) map[string]any {
	fields := make(map[string]any, len(raw))
	for key, value := range raw {
		var typed any
		if err := json.Unmarshal([]byte(value), &typed); err != nil {
			fields[key] = value
			continue
		}
		fields[key] = typed
	}
	return fields
}
