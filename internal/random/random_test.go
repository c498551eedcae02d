package random

import "testing"

func TestHexLengthAndUniqueness(t *testing.T) {
	source := NewSource()

	first, err := source.Hex(16)
	if err != nil {
		t.Fatalf("Hex returned error: %v", err)
	}
	if len(first) != 32 {
		t.Fatalf("expected 32 hex characters, got %d", len(first))
	}

	second, err := source.Hex(16)
	if err != nil {
		t.Fatalf("Hex returned error: %v", err)
	}
	if first == second {
		t.Fatal("expected distinct values from consecutive calls")
	}
}

func TestHexRejectsNonPositiveLength(t *testing.T) {
	source := NewSource()
	if _, err := source.Hex(0); err == nil {
		t.Fatal("expected error for zero length")
	}
	if _, err := source.Hex(-4); err == nil {
		t.Fatal("expected error for negative length")
	}
}
