package bencode

import (
	"reflect"
	"testing"
)

func TestUnmarshal_Primitives(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want any
	}{
		{"string", "4:spam", "spam"},
		{"empty-string", "0:", ""},
		{"int-positive", "i42e", int64(42)},
		{"int-negative", "i-7e", int64(-7)},
		{"int-zero", "i0e", int64(0)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Unmarshal([]byte(tc.in))
			if err != nil {
				t.Fatalf("Unmarshal(%q) error: %v", tc.in, err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("Unmarshal(%q) = %#v, want %#v", tc.in, got, tc.want)
			}
		})
	}
}

func TestUnmarshal_Collections(t *testing.T) {
	got, err := Unmarshal([]byte("li1e4:spami2ee"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []any{int64(1), "spam", int64(2)}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}

	got, err = Unmarshal([]byte("d1:ai1e1:bi2ee"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantDict := map[string]any{"a": int64(1), "b": int64(2)}
	if !reflect.DeepEqual(got, wantDict) {
		t.Fatalf("got %#v, want %#v", got, wantDict)
	}
}

func TestUnmarshal_RoundTripsEncoder(t *testing.T) {
	in := map[string]any{
		"announce": "http://tracker",
		"info": map[string]any{
			"length": int64(1024),
			"name":   "ubuntu.iso",
			"pieces": "abcdef",
		},
	}

	b, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	got, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if !reflect.DeepEqual(got, in) {
		t.Fatalf("round trip mismatch:\ngot  %#v\nwant %#v", got, in)
	}
}

func TestUnmarshal_Malformed(t *testing.T) {
	tests := []string{
		"",
		"i-0e",
		"i01e",
		"5:ab",
		"d1:ai1e",
		"di1ei2ee",
		"i42e garbage",
	}

	for _, in := range tests {
		t.Run(in, func(t *testing.T) {
			if _, err := Unmarshal([]byte(in)); err == nil {
				t.Fatalf("Unmarshal(%q) expected error, got nil", in)
			}
		})
	}
}

func TestUnmarshal_DepthLimit(t *testing.T) {
	d := NewDecoder(nil)
	d.maxDepth = 2

	var nested []byte
	for i := 0; i < 5; i++ {
		nested = append([]byte("l"), nested...)
		nested = append(nested, 'e')
	}

	dd := NewDecoder(nested)
	dd.maxDepth = 2
	if _, err := dd.Decode(); err == nil {
		t.Fatal("expected depth-limit error")
	}
}
