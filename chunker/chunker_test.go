package chunker

import (
	"strings"
	"testing"

	"diagraph/internal/derrors"
)

// TestSplitBoundary checks that a 1100-rune input with size=500,
// overlap=100 produces windows at [0,500), [400,900), [800,1100) with
// ids small_0, small_1, small_2.
func TestSplitBoundary(t *testing.T) {
	text := strings.Repeat("a", 1100)
	c := New(Config{SmallSize: 500, SmallOverlap: 100, BigSize: 1500, BigOverlap: 200})

	_, small, err := c.Split(text, "doc1")
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(small) != 3 {
		t.Fatalf("expected 3 small chunks, got %d", len(small))
	}

	wantIDs := []string{"small_0", "small_1", "small_2"}
	wantLens := []int{500, 500, 300}
	for i, ch := range small {
		if ch.ID != wantIDs[i] {
			t.Errorf("chunk %d: id = %q, want %q", i, ch.ID, wantIDs[i])
		}
		if len(ch.Text) != wantLens[i] {
			t.Errorf("chunk %d: len = %d, want %d", i, len(ch.Text), wantLens[i])
		}
	}
	// Last window must reach exactly the end of text, no truncation.
	if small[2].Text != text[800:1100] {
		t.Errorf("chunk 2 text mismatch")
	}
}

func TestSplitEmptyInput(t *testing.T) {
	c := New(Config{})
	_, _, err := c.Split("", "doc1")
	if err == nil {
		t.Fatal("expected error for empty input")
	}
	var derr *derrors.Error
	if !asDerror(err, &derr) {
		t.Fatalf("expected *derrors.Error, got %T", err)
	}
	if derr.Kind != derrors.InputInvalid {
		t.Errorf("Kind = %v, want InputInvalid", derr.Kind)
	}
}

func TestSplitOrdering(t *testing.T) {
	text := strings.Repeat("x", 3000)
	c := New(Config{})
	big, small, err := c.Split(text, "doc1")
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	for i := 1; i < len(big); i++ {
		if big[i-1].ID >= big[i].ID && len(big[i-1].ID) == len(big[i].ID) {
			t.Errorf("big chunks not in byte order at %d", i)
		}
	}
	if len(small) == 0 {
		t.Fatal("expected small chunks")
	}
}

func TestDefaultsApplied(t *testing.T) {
	c := New(Config{})
	if c.cfg.BigSize != 1500 || c.cfg.BigOverlap != 200 {
		t.Errorf("big defaults wrong: %+v", c.cfg)
	}
	if c.cfg.SmallSize != 500 || c.cfg.SmallOverlap != 100 {
		t.Errorf("small defaults wrong: %+v", c.cfg)
	}
}

func asDerror(err error, target **derrors.Error) bool {
	de, ok := err.(*derrors.Error)
	if ok {
		*target = de
	}
	return ok
}
