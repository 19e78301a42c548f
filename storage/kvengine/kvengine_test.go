package kvengine

import (
	"context"
	"path/filepath"
	"testing"
)

func testOptions() Options {
	return Options{
		BlockSizeBytes:         4096,
		CacheSizeMiB:           1,
		OpenFilesCacheCapacity: 10,
		Compression:            false,
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(filepath.Join(dir, "db"), testOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	ctx := context.Background()
	if err := e.Put(ctx, []byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	var got string
	ok, err := e.Get([]byte("k1"), func(v []byte) bool {
		got = string(v)
		return true
	})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || got != "v1" {
		t.Fatalf("Get = (%v, %q), want (true, v1)", ok, got)
	}
}

func TestGetMissingKeyReturnsFalse(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(filepath.Join(dir, "db"), testOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	ok, err := e.Get([]byte("nope"), func([]byte) bool { return true })
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatalf("Get on missing key returned true")
	}
}

func TestLoaderRejectionMeansMiss(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(filepath.Join(dir, "db"), testOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	ctx := context.Background()
	if err := e.Put(ctx, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	ok, err := e.Get([]byte("k"), func([]byte) bool { return false })
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatalf("Get with rejecting loader returned true")
	}
}

func TestHasReflectsPresence(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(filepath.Join(dir, "db"), testOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	ctx := context.Background()
	if has, _ := e.Has([]byte("k")); has {
		t.Fatalf("Has reported present before Put")
	}
	if err := e.Put(ctx, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if has, err := e.Has([]byte("k")); err != nil || !has {
		t.Fatalf("Has = (%v, %v), want (true, nil)", has, err)
	}
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(filepath.Join(dir, "db"), testOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	ctx := context.Background()
	_ = e.Put(ctx, []byte("k"), []byte("v"))
	if err := e.Remove(ctx, []byte("k")); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if has, _ := e.Has([]byte("k")); has {
		t.Fatalf("key still present after Remove")
	}
}

func TestRemoveIfUnderSnapshot(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(filepath.Join(dir, "db"), testOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	ctx := context.Background()
	_ = e.Put(ctx, []byte("a"), []byte("1"))
	_ = e.Put(ctx, []byte("b"), []byte("2"))
	_ = e.Put(ctx, []byte("c"), []byte("3"))

	snap, err := e.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	defer snap.Release()

	// Mutate after the snapshot was taken; the sweep below must still see
	// the pre-mutation view.
	_ = e.Put(ctx, []byte("d"), []byte("4"))

	removed, err := e.RemoveIf(ctx, snap, func(k, v []byte) bool {
		return string(k) == "b"
	})
	if err != nil {
		t.Fatalf("RemoveIf: %v", err)
	}
	if removed != 1 {
		t.Fatalf("RemoveIf removed %d entries, want 1", removed)
	}
	if has, _ := e.Has([]byte("b")); has {
		t.Fatalf("key b still present after RemoveIf")
	}
	if has, _ := e.Has([]byte("d")); !has {
		t.Fatalf("key d, written after the snapshot, should not have been touched")
	}
}

func TestSizeCountsEntries(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(filepath.Join(dir, "db"), testOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		if err := e.Put(ctx, []byte(k), []byte("v")); err != nil {
			t.Fatalf("Put(%s): %v", k, err)
		}
	}

	n, err := e.Size(true)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if n != 3 {
		t.Fatalf("Size(true) = %d, want 3", n)
	}
}

func TestCompactDoesNotError(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(filepath.Join(dir, "db"), testOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	_ = e.Put(context.Background(), []byte("k"), []byte("v"))
	if err := e.Compact(); err != nil {
		t.Fatalf("Compact: %v", err)
	}
}

func TestReopenPersistsData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db")

	e, err := Open(path, testOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := e.Put(context.Background(), []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e2, err := Open(path, testOptions())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close()

	var got string
	ok, err := e2.Get([]byte("k"), func(v []byte) bool {
		got = string(v)
		return true
	})
	if err != nil || !ok || got != "v" {
		t.Fatalf("Get after reopen = (%v, %q, %v), want (true, v, nil)", ok, got, err)
	}
}

func TestRepairScheduledRoundTrip(t *testing.T) {
	dir := t.TempDir()
	if RepairScheduled(dir) {
		t.Fatalf("RepairScheduled should be false before scheduling")
	}
	if err := ScheduleRepair(dir); err != nil {
		t.Fatalf("ScheduleRepair: %v", err)
	}
	if !RepairScheduled(dir) {
		t.Fatalf("RepairScheduled should be true after scheduling")
	}
}
