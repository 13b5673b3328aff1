package pipeline

import (
	"fmt"
	"testing"
)

func TestMemoMarkIfNew(t *testing.T) {
	t.Parallel()

	m := newMemo()
	if !m.MarkIfNew("order:o1") {
		t.Error("first mark should report new")
	}
	if m.MarkIfNew("order:o1") {
		t.Error("second mark should report seen")
	}
	if !m.Seen("order:o1") {
		t.Error("Seen should report the key")
	}
}

func TestMemoTrimKeepsRecent(t *testing.T) {
	t.Parallel()

	m := newMemo()
	for i := 0; i < memoCapacity; i++ {
		m.MarkIfNew(fmt.Sprintf("order:o%03d", i))
	}

	if m.Len() != memoTrimTo {
		t.Fatalf("memo should trim to %d at capacity, got %d", memoTrimTo, m.Len())
	}

	// The oldest keys are gone; printing them again is the backend claim's
	// problem, not ours.
	if m.Seen("order:o000") {
		t.Error("oldest key should be evicted")
	}
	// The newest survive.
	if !m.Seen(fmt.Sprintf("order:o%03d", memoCapacity-1)) {
		t.Error("newest key should survive the trim")
	}
	if m.MarkIfNew(fmt.Sprintf("order:o%03d", memoCapacity-1)) {
		t.Error("surviving key should still dedupe")
	}
}
