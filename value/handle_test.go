package value

import (
	"testing"

	vmbridge "github.com/hostbridge/vm-bridge"
	"github.com/hostbridge/vm-bridge/errors"
	"github.com/hostbridge/vm-bridge/gc"
)

func TestHandle_RootedLifecycle(t *testing.T) {
	col := gc.NewTracker()
	ref := col.Alloc(48)

	h := NewRooted(col, ref, vmbridge.KindObject)
	if !h.Rooted() {
		t.Fatal("construction handle should be rooted")
	}
	if !col.Rooted(ref) {
		t.Fatal("collector should hold a root")
	}

	if err := h.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if col.Rooted(ref) {
		t.Fatal("release must remove the root")
	}
	if h.Rooted() {
		t.Fatal("released handle reports rooted")
	}
}

func TestHandle_DoubleRelease(t *testing.T) {
	col := gc.NewTracker()
	h := NewRooted(col, col.Alloc(16), vmbridge.KindInt)

	if err := h.Release(); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	err := h.Release()
	if !errors.IsKind(err, errors.KindReleased) {
		t.Fatalf("second Release = %v, want released error", err)
	}
	// The root must not be removed twice.
	if col.Stats().Roots != 0 {
		t.Fatalf("roots = %d, want 0", col.Stats().Roots)
	}
}

func TestHandle_PromoteUnrooted(t *testing.T) {
	col := gc.NewTracker()
	ref := col.Alloc(16)
	h := NewUnrooted(col, ref, vmbridge.KindInt)

	if h.Rooted() {
		t.Fatal("boxed value should start unrooted")
	}
	if err := h.Root(); err != nil {
		t.Fatalf("Root: %v", err)
	}
	if !col.Rooted(ref) {
		t.Fatal("promotion should add a collector root")
	}
	if err := h.Root(); err == nil {
		t.Fatal("double root should fail")
	}
	if err := h.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if col.Rooted(ref) {
		t.Fatal("release after promotion should remove the root")
	}
}

func TestHandle_RootAfterRelease(t *testing.T) {
	col := gc.NewTracker()
	h := NewUnrooted(col, col.Alloc(16), vmbridge.KindInt)
	_ = h.Release()
	if err := h.Root(); !errors.IsKind(err, errors.KindReleased) {
		t.Fatalf("Root after release = %v, want released error", err)
	}
}

func TestTable_CloseReleasesLeaks(t *testing.T) {
	col := gc.NewTracker()
	tbl := NewTable()

	leaked := tbl.Track(NewRooted(col, col.Alloc(48), vmbridge.KindObject))
	released := tbl.Track(NewRooted(col, col.Alloc(48), vmbridge.KindObject))
	_ = released.Release()
	tbl.Forget(released)
	tbl.Track(NewUnrooted(col, col.Alloc(16), vmbridge.KindInt))

	if tbl.Len() != 2 {
		t.Fatalf("Len = %d, want 2", tbl.Len())
	}

	if got := tbl.Close(); got != 1 {
		t.Fatalf("Close leaked = %d, want 1", got)
	}
	if col.Stats().Roots != 0 {
		t.Fatalf("roots = %d after close, want 0", col.Stats().Roots)
	}
	if !leaked.Released() {
		t.Fatal("leaked handle should be released by Close")
	}
}
