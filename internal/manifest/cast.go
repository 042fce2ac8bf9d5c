package manifest

import "fmt"

// toString coerces a decoded bencode value (string, since the decoder never
// produces []byte) into a Go string.
func toString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	default:
		return "", fmt.Errorf("not a string")
	}
}

func toBytes(v any) ([]byte, error) {
	switch t := v.(type) {
	case string:
		return []byte(t), nil
	case []byte:
		return t, nil
	default:
		return nil, fmt.Errorf("not a byte string")
	}
}

func toInt(v any) (int64, error) {
	i, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("not an int")
	}
	return i, nil
}

func toStringSlice(v any) ([]string, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("not a list")
	}

	out := make([]string, 0, len(list))
	for i, e := range list {
		s, err := toString(e)
		if err != nil {
			return nil, fmt.Errorf("elem %d: %w", i, err)
		}
		out = append(out, s)
	}

	return out, nil
}
