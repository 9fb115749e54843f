package ledgererr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKind_WrappedSentinel(t *testing.T) {
	err := fmt.Errorf("%w: escrow abc is Released", ErrInvalidState)
	if got := Kind(err); got != "InvalidState" {
		t.Errorf("expected InvalidState, got %q", got)
	}
	if !errors.Is(err, ErrInvalidState) {
		t.Error("wrapped error should match sentinel")
	}
}

func TestKind_DoubleWrapped(t *testing.T) {
	inner := fmt.Errorf("%w: amountIn is zero", ErrInvalidAmount)
	outer := fmt.Errorf("swap pool p1: %w", inner)
	if got := Kind(outer); got != "InvalidAmount" {
		t.Errorf("expected InvalidAmount, got %q", got)
	}
}

func TestKind_Unknown(t *testing.T) {
	if got := Kind(errors.New("boom")); got != "" {
		t.Errorf("expected empty kind for foreign error, got %q", got)
	}
	if got := Kind(nil); got != "" {
		t.Errorf("expected empty kind for nil, got %q", got)
	}
}

func TestKind_AllSentinelsNamed(t *testing.T) {
	seen := make(map[string]bool)
	for _, k := range kinds {
		name := Kind(k.err)
		if name == "" {
			t.Errorf("sentinel %v has no kind name", k.err)
		}
		if seen[name] {
			t.Errorf("duplicate kind name %q", name)
		}
		seen[name] = true
	}
}
