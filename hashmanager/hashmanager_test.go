package hashmanager

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/airdcpp/hashstore/config"
	"github.com/airdcpp/hashstore/events"
	"github.com/airdcpp/hashstore/hasher"
	"github.com/airdcpp/hashstore/internal/deviceid"
	"github.com/airdcpp/hashstore/store"
	"github.com/airdcpp/hashstore/storeerr"
	"github.com/airdcpp/hashstore/tigertree"
)

type fakeShareOracle struct{}

func (fakeShareOracle) IsPathShared(string) bool { return true }

type fakeQueueOracle struct{}

func (fakeQueueOracle) IsQueued(store.RootValue) bool { return false }

func openTestManager(t *testing.T, opts ...config.Option) (*Manager, *store.Store) {
	t.Helper()
	cfg := config.Resolve(opts...)
	st, err := store.Open(t.TempDir(), cfg, 0, fakeShareOracle{}, fakeQueueOracle{})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	bus := events.NewBus(1, time.Hour)
	t.Cleanup(bus.Close)

	return New(st, bus, cfg), st
}

// place mimics Manager.HashFile but with a caller-supplied device, so
// placement-policy tests don't depend on the real filesystem's device IDs.
func (m *Manager) place(pathLower string, dev deviceid.ID, size int64) *hasher.Worker {
	m.mu.Lock()
	w := m.placeFileLocked(pathLower, dev, size)
	m.mu.Unlock()
	if w != nil {
		w.HashFile(pathLower, pathLower, size, dev)
	}
	return w
}

func (m *Manager) workerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.workers)
}

func TestColdPathUsesTheOnlyEmptyWorker(t *testing.T) {
	m, _ := openTestManager(t, config.WithMaxHashingThreads(4), config.WithHashersPerVolume(1))

	if w := m.place("/a/foo.bin", deviceid.ID(1), 1000); w == nil {
		t.Fatalf("cold path should have placed the file")
	}
	if n := m.workerCount(); n != 1 {
		t.Fatalf("cold path should not have created an extra worker, got %d workers", n)
	}
}

func TestOneHasherPerVolumeCreatesOneWorkerPerDevice(t *testing.T) {
	m, _ := openTestManager(t, config.WithMaxHashingThreads(2), config.WithHashersPerVolume(1))
	// Paused workers keep their queued items, so placement sees each device.
	m.PauseHashing()

	m.place("/a/1.bin", deviceid.ID(1), 1000)
	m.place("/b/1.bin", deviceid.ID(2), 1000)
	if n := m.workerCount(); n != 2 {
		t.Fatalf("expected 2 workers after 2 distinct devices, got %d", n)
	}

	// A further file on device 1 must reuse the worker already holding it.
	m.place("/a/2.bin", deviceid.ID(1), 1000)
	if n := m.workerCount(); n != 2 {
		t.Fatalf("repeat device should not create a new worker, got %d workers", n)
	}

	// A third, new device with |W| >= maxHashingThreads must fall back to
	// minLoaded instead of creating a third worker.
	m.place("/c/1.bin", deviceid.ID(3), 1000)
	if n := m.workerCount(); n != 2 {
		t.Fatalf("new device over maxHashingThreads should reuse minLoaded, got %d workers", n)
	}
}

func TestPerVolumeCapZeroAllowsManyWorkersPerDevice(t *testing.T) {
	m, _ := openTestManager(t, config.WithMaxHashingThreads(10), config.WithHashersPerVolume(0))
	// Paused workers keep their queued items, so placement sees each device.
	m.PauseHashing()

	// Large files (over the small-file threshold) on the same device each
	// get their own worker until maxHashingThreads is hit, since cap==0
	// never triggers the volume-cap branch and the files aren't small.
	m.place("/a/1.bin", deviceid.ID(1), 50<<20)
	m.place("/a/2.bin", deviceid.ID(1), 50<<20)

	if n := m.workerCount(); n != 2 {
		t.Fatalf("expected 2 workers for 2 large files on an uncapped volume, got %d", n)
	}
}

func TestDuplicatePathOnSameVolumeIsSkipped(t *testing.T) {
	m, _ := openTestManager(t, config.WithMaxHashingThreads(10), config.WithHashersPerVolume(0))
	// Paused workers keep their queued items, so placement sees each device.
	m.PauseHashing()

	m.place("/a/1.bin", deviceid.ID(1), 1000)

	m.mu.Lock()
	w := m.placeFileLocked("/a/1.bin", deviceid.ID(1), 1000)
	m.mu.Unlock()
	if w != nil {
		t.Fatalf("re-placing an already-queued path on the same volume should return nil (skip)")
	}
}

func TestStopHashingAffectsAllWorkers(t *testing.T) {
	m, _ := openTestManager(t, config.WithMaxHashingThreads(4), config.WithHashersPerVolume(1))

	m.place("/a/1.bin", deviceid.ID(1), 1000)
	m.place("/b/1.bin", deviceid.ID(2), 1000)

	m.StopHashing("/a/")

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.workers {
		if w.HasFile("/a/1.bin") {
			t.Fatalf("StopHashing should have dropped the file under /a/")
		}
	}
}

func TestPauseResumeDepthCounting(t *testing.T) {
	m, _ := openTestManager(t)

	unpause1 := m.Pauser()
	unpause2 := m.Pauser()

	if !m.Stats().Paused {
		t.Fatalf("Stats().Paused = false after two overlapping pauses")
	}

	unpause1()
	if !m.Stats().Paused {
		t.Fatalf("Stats().Paused = false after only one of two pauses was released")
	}

	unpause2()
	if m.Stats().Paused {
		t.Fatalf("Stats().Paused = true after both pauses were released")
	}
}

func TestShutdownWaitsForWorkerPoolToEmpty(t *testing.T) {
	m, _ := openTestManager(t, config.WithMaxHashingThreads(4), config.WithHashersPerVolume(1))
	m.place("/a/1.bin", deviceid.ID(1), 1000)
	m.place("/b/1.bin", deviceid.ID(2), 1000)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if n := m.workerCount(); n != 0 {
		t.Fatalf("worker pool should be empty after Shutdown, has %d", n)
	}
}

func TestGetFileTTHHashesAndReusesStoredRecord(t *testing.T) {
	m, st := openTestManager(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "foo.bin")
	data := make([]byte, 200000)
	for i := range data {
		data[i] = byte(i * 3)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	ctx := context.Background()
	root, err := m.GetFileTTH(ctx, path, true, nil)
	if err != nil {
		t.Fatalf("GetFileTTH: %v", err)
	}

	pathLower := strings.ToLower(path)
	hf, ok, err := st.GetFileInfo(pathLower)
	if err != nil {
		t.Fatalf("GetFileInfo: %v", err)
	}
	if !ok || hf.Root != root {
		t.Fatalf("GetFileTTH with alsoStore should have written a FileIndex record with the computed root")
	}

	// Overwrite the file with different content of the same length, then
	// restore its original mtime. GetFileTTH must now return the stale
	// cached root rather than re-read the (changed) bytes, since it only
	// consults size and mtime.
	origMtime, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if err := os.WriteFile(path, bytes.Repeat([]byte{0xff}, len(data)), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.Chtimes(path, origMtime.ModTime(), origMtime.ModTime()); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	root2, err := m.GetFileTTH(ctx, path, true, nil)
	if err != nil {
		t.Fatalf("GetFileTTH (cached): %v", err)
	}
	if root2 != root {
		t.Fatalf("GetFileTTH re-hashed a file whose mtime/size still matched the stored record")
	}
}

func TestImportFileDegenerateSmallFile(t *testing.T) {
	m, st := openTestManager(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "tiny.bin")
	if err := os.WriteFile(path, []byte("tiny file content"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	var root tigertree.RootValue
	root[0] = 0x42

	ctx := context.Background()
	if err := m.ImportFile(ctx, path, root, tigertree.MinBlockSize, nil); err != nil {
		t.Fatalf("ImportFile: %v", err)
	}

	pathLower := strings.ToLower(path)
	hf, ok, err := st.GetFileInfo(pathLower)
	if err != nil {
		t.Fatalf("GetFileInfo: %v", err)
	}
	if !ok || hf.Root != root {
		t.Fatalf("ImportFile should have recorded the supplied root for a degenerate small file")
	}
	if has, err := st.HasTree(root); err != nil || !has {
		t.Fatalf("ImportFile should have materialized a single-leaf tree for the degenerate case")
	}
}

func TestImportFileRequiresExistingTreeForLargeFile(t *testing.T) {
	m, _ := openTestManager(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "large.bin")
	data := make([]byte, tigertree.MinBlockSize+1)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	var root tigertree.RootValue
	root[0] = 0x99

	ctx := context.Background()
	if err := m.ImportFile(ctx, path, root, tigertree.MinBlockSize, []tigertree.RootValue{root}); err == nil {
		t.Fatalf("ImportFile should reject a root with no existing tree data for a file over the minimum block size")
	}
}

func TestGetFileTTHRejectsNegativeMtime(t *testing.T) {
	m, _ := openTestManager(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "old.bin")
	if err := os.WriteFile(path, []byte("some data"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	preEpoch := time.Unix(-3600, 0)
	if err := os.Chtimes(path, preEpoch, preEpoch); err != nil {
		t.Skipf("platform does not support pre-epoch mtimes: %v", err)
	}

	ctx := context.Background()
	if _, err := m.GetFileTTH(ctx, path, false, nil); !errors.Is(err, storeerr.FileError) {
		t.Fatalf("GetFileTTH error = %v, want wrapping storeerr.FileError", err)
	}
}

func TestImportFileRejectsNegativeMtime(t *testing.T) {
	m, _ := openTestManager(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "old.bin")
	if err := os.WriteFile(path, []byte("tiny file content"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	preEpoch := time.Unix(-3600, 0)
	if err := os.Chtimes(path, preEpoch, preEpoch); err != nil {
		t.Skipf("platform does not support pre-epoch mtimes: %v", err)
	}

	var root tigertree.RootValue
	root[0] = 0x42

	ctx := context.Background()
	if err := m.ImportFile(ctx, path, root, tigertree.MinBlockSize, nil); !errors.Is(err, storeerr.FileError) {
		t.Fatalf("ImportFile error = %v, want wrapping storeerr.FileError", err)
	}
}
