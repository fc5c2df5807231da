package chunk

import "testing"

func TestCount(t *testing.T) {
	tests := []struct {
		size int64
		want int
	}{
		{0, 0},
		{1, 1},
		{Size, 1},
		{Size + 1, 2},
		{300000, 3},
	}
	for _, tt := range tests {
		if got := Count(tt.size); got != tt.want {
			t.Errorf("Count(%d) = %d, want %d", tt.size, got, tt.want)
		}
	}
}

func TestLen(t *testing.T) {
	const size = 300000
	if got := Len(0, size); got != Size {
		t.Fatalf("Len(0) = %d", got)
	}
	if got := Len(2, size); got != size-2*Size {
		t.Fatalf("Len(2) = %d", got)
	}
	if got := Len(3, size); got != 0 {
		t.Fatalf("Len(3) = %d", got)
	}
}

func TestWordRange(t *testing.T) {
	start, end := WordRange(1)
	if start != Size/4 || end != 2*Size/4 {
		t.Fatalf("WordRange(1) = %d,%d", start, end)
	}
}
