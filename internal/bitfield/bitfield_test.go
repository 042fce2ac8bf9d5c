package bitfield_test

import (
	"testing"

	"github.com/kvnl/torrentcore/internal/bitfield"
)

// 13 pieces, owned {0,3,12} -> 0x90 0x08, MSB-first,
// trailing bits zero. Parse+re-emit must yield the identical bytes.
func TestBitfieldRoundTrip(t *testing.T) {
	bf := bitfield.New(13)
	bf.Set(0)
	bf.Set(3)
	bf.Set(12)

	want := []byte{0x90, 0x08}
	if got := bf.Bytes(); !bytesEqual(got, want) {
		t.Fatalf("Bytes() = % x, want % x", got, want)
	}

	parsed := bitfield.FromBytes(want)
	if !parsed.Equals(bf) {
		t.Fatalf("round trip mismatch: %v != %v", parsed, bf)
	}
	if got := parsed.Bytes(); !bytesEqual(got, want) {
		t.Fatalf("re-serialized = % x, want % x", got, want)
	}
}

func TestBitfieldHasOutOfRange(t *testing.T) {
	bf := bitfield.New(4)
	if bf.Has(-1) || bf.Has(100) {
		t.Fatal("out-of-range Has must report false")
	}
}

func TestBitfieldSetClear(t *testing.T) {
	bf := bitfield.New(8)

	if !bf.Set(2) {
		t.Fatal("Set on unset bit should report change")
	}
	if bf.Set(2) {
		t.Fatal("Set on already-set bit should report no change")
	}
	if !bf.Has(2) {
		t.Fatal("expected bit 2 set")
	}

	if !bf.Clear(2) {
		t.Fatal("Clear on set bit should report change")
	}
	if bf.Has(2) {
		t.Fatal("expected bit 2 cleared")
	}
}

func TestBitfieldCountAny(t *testing.T) {
	bf := bitfield.New(16)
	if bf.Any() {
		t.Fatal("fresh bitfield should be empty")
	}

	bf.Set(1)
	bf.Set(15)
	if bf.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", bf.Count())
	}
	if !bf.Any() {
		t.Fatal("expected Any() true after Set")
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
