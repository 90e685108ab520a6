package gc

import (
	"testing"

	vmbridge "github.com/hostbridge/vm-bridge"
)

func TestTracker_RootsCounted(t *testing.T) {
	col := NewTracker()
	ref := col.Alloc(32)

	col.AddRoot(ref)
	col.AddRoot(ref)
	if got := col.Stats().Roots; got != 2 {
		t.Fatalf("Roots = %d, want 2", got)
	}

	col.RemoveRoot(ref)
	if !col.Rooted(ref) {
		t.Fatal("ref should still be rooted after one removal")
	}
	col.RemoveRoot(ref)
	if col.Rooted(ref) {
		t.Fatal("ref should be unrooted after balanced removals")
	}
}

func TestTracker_CollectSkipsRooted(t *testing.T) {
	col := NewTracker()
	kept := col.Alloc(64)
	dropped := col.Alloc(64)
	col.AddRoot(kept)

	col.Collect(map[vmbridge.Ref]uint64{kept: 64, dropped: 64})

	stats := col.Stats()
	if stats.LiveObjects != 1 {
		t.Fatalf("LiveObjects = %d, want 1", stats.LiveObjects)
	}
	if stats.HeapBytes != 64 {
		t.Fatalf("HeapBytes = %d, want 64", stats.HeapBytes)
	}
}

func TestTracker_RejectsZeroOrigin(t *testing.T) {
	col := NewTracker()
	if err := col.RegisterThread(0); err == nil {
		t.Fatal("zero origin must be rejected")
	}
}

func TestTracker_UnbalancedUnregister(t *testing.T) {
	col := NewTracker()
	if err := col.UnregisterThread(); err == nil {
		t.Fatal("unregister without register must fail")
	}
}
