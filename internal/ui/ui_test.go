package ui

import "testing"

func TestRenderPieceGrid(t *testing.T) {
	got := renderPieceGrid(2, 4)
	want := "##.."
	if got != want {
		t.Fatalf("renderPieceGrid(2, 4) = %q, want %q", got, want)
	}
}

func TestRenderPieceGrid_ZeroTotal(t *testing.T) {
	if got := renderPieceGrid(0, 0); got != "" {
		t.Fatalf("renderPieceGrid(0, 0) = %q, want empty", got)
	}
}

func TestFormatBytes(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{500, "500 B"},
		{1536, "1.5 KiB"},
		{1 << 20, "1.0 MiB"},
	}
	for _, c := range cases {
		if got := formatBytes(c.in); got != c.want {
			t.Errorf("formatBytes(%d) = %q, want %q", c.in, got, c.want)
		}
	}
}
