package tracker

import "fmt"

// toInt coerces a decoded bencode value (int64, or absent) into an int64,
// returning 0 for a missing key.
func toInt(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("expected int64, got %T", v)
	}
}

// toString coerces a decoded bencode value (string, or absent) into a
// string, returning "" for a missing key.
func toString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("expected string, got %T", v)
	}
}
