// Package hashmanager owns the pool of hasher workers: it decides which
// worker a newly discovered file is placed on, tracks devices and queue
// depth per worker, and aggregates their progress for callers. It is the
// single entry point callers use instead of reaching into hasher.Worker
// directly.
package hashmanager

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/airdcpp/hashstore/config"
	"github.com/airdcpp/hashstore/events"
	"github.com/airdcpp/hashstore/hasher"
	"github.com/airdcpp/hashstore/internal/deviceid"
	"github.com/airdcpp/hashstore/internal/filereader"
	"github.com/airdcpp/hashstore/storage/backup"
	"github.com/airdcpp/hashstore/store"
	"github.com/airdcpp/hashstore/storeerr"
	"github.com/airdcpp/hashstore/tigertree"
)

// smallFileThreshold and minLoadedBytesThreshold tune the per-volume-cap
// placement branch: a small file is nudged onto an already-busy worker
// instead of spinning up a new one, as long as that worker isn't already
// sitting on a large backlog.
const (
	smallFileThreshold      = 10 << 20
	minLoadedBytesThreshold = 200 << 20
)

// Manager owns the worker list and implements the placement policy that
// decides which worker a newly queued file lands on.
type Manager struct {
	store *store.Store
	bus   *events.Bus
	cfg   *config.Options

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	workers      map[int]*hasher.Worker
	pauseDepth   int
	shuttingDown bool

	backupMu     sync.RWMutex
	backupTarget backup.Target
}

// New starts the manager's permanent worker (ID 0, running immediately) and
// returns a Manager ready to place files.
func New(st *store.Store, bus *events.Bus, cfg *config.Options) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:   st,
		bus:     bus,
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		workers: make(map[int]*hasher.Worker),
	}
	m.startWorkerLocked(hasher.New(0, false, st, bus, cfg, m.removeWorker))
	return m
}

func (m *Manager) startWorkerLocked(w *hasher.Worker) {
	m.workers[w.ID] = w
	go func() {
		w.Run(m.ctx)
		m.removeWorker(w)
	}()
}

func (m *Manager) removeWorker(w *hasher.Worker) {
	m.mu.Lock()
	delete(m.workers, w.ID)
	m.mu.Unlock()
}

// HashFile resolves the device backing path and places it on a worker
// according to the configured policy, creating a new worker if the policy
// calls for one. A file already queued on the worker that would receive it
// is silently skipped rather than re-queued.
func (m *Manager) HashFile(path string, size int64) {
	pathLower := strings.ToLower(path)
	dev, _ := deviceid.Resolve(path)

	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return
	}
	w := m.placeFileLocked(pathLower, dev, size)
	m.mu.Unlock()

	if w == nil {
		return
	}
	w.HashFile(path, pathLower, size, dev)
}

// placeFileLocked implements the placement policy. The caller must hold
// m.mu for writing. It returns nil when the file is a cross-worker
// duplicate that should simply be dropped.
func (m *Manager) placeFileLocked(pathLower string, dev deviceid.ID, size int64) *hasher.Worker {
	if len(m.workers) == 1 {
		only := m.onlyWorkerLocked()
		if !only.HasDevices() {
			return only
		}
	}

	if m.cfg.HashersPerVolume == 1 {
		for _, w := range m.workers {
			if w.HasDevice(dev) {
				return w
			}
		}
		if len(m.workers) >= m.cfg.MaxHashingThreads {
			return m.minLoadedLocked(m.allWorkersLocked())
		}
		return m.newWorkerLocked()
	}

	var volW []*hasher.Worker
	for _, w := range m.workers {
		if w.HasDevice(dev) {
			volW = append(volW, w)
		}
	}
	for _, w := range volW {
		if w.HasFile(pathLower) {
			return nil
		}
	}

	volCap := m.cfg.HashersPerVolume
	small := size < smallFileThreshold
	overThreads := len(m.workers) >= m.cfg.MaxHashingThreads
	overVolCap := volCap > 0 && len(volW) >= volCap
	smallOnLoadedVol := small && len(volW) > 0 && m.minLoadedLocked(volW).BytesLeft() <= minLoadedBytesThreshold

	if overThreads || overVolCap || smallOnLoadedVol {
		if len(volW) > 0 {
			return m.minLoadedLocked(volW)
		}
		return m.minLoadedLocked(m.allWorkersLocked())
	}
	return m.newWorkerLocked()
}

func (m *Manager) onlyWorkerLocked() *hasher.Worker {
	for _, w := range m.workers {
		return w
	}
	return nil
}

func (m *Manager) allWorkersLocked() []*hasher.Worker {
	out := make([]*hasher.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, w)
	}
	return out
}

func (m *Manager) minLoadedLocked(set []*hasher.Worker) *hasher.Worker {
	var best *hasher.Worker
	var bestBytes int64
	for _, w := range set {
		b := w.BytesLeft()
		if best == nil || b < bestBytes {
			best, bestBytes = w, b
		}
	}
	return best
}

// newWorkerLocked creates and starts an auxiliary worker with the smallest
// unused non-negative ID, paused according to the manager's current pause
// depth so it doesn't immediately race ahead of a paused pool.
func (m *Manager) newWorkerLocked() *hasher.Worker {
	id := 0
	for {
		if _, used := m.workers[id]; !used {
			break
		}
		id++
	}
	w := hasher.New(id, m.pauseDepth > 0, m.store, m.bus, m.cfg, m.removeWorker)
	m.startWorkerLocked(w)
	return w
}

// StopHashing drops every queued item under baseDir (matched case-
// insensitively) across every worker. A file currently being hashed is not
// interrupted.
func (m *Manager) StopHashing(baseDir string) {
	baseDirLower := strings.ToLower(baseDir)
	m.mu.RLock()
	workers := m.allWorkersLocked()
	m.mu.RUnlock()
	for _, w := range workers {
		w.StopHashing(baseDirLower)
	}
}

// PauseHashing increments the pause depth, pausing every worker on the
// 0->1 transition.
func (m *Manager) PauseHashing() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pauseDepth++
	if m.pauseDepth == 1 {
		for _, w := range m.workers {
			w.Pause()
		}
	}
}

// ResumeHashing decrements the pause depth (or clears it if forced),
// resuming every worker on the transition back to 0.
func (m *Manager) ResumeHashing(forced bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if forced {
		m.pauseDepth = 0
	} else if m.pauseDepth > 0 {
		m.pauseDepth--
	}
	if m.pauseDepth == 0 {
		for _, w := range m.workers {
			w.Resume()
		}
	}
}

// Pauser pauses hashing and returns a function that undoes exactly this
// pause when called, allowing overlapping RAII-style suspension scopes.
func (m *Manager) Pauser() func() {
	m.PauseHashing()
	var once sync.Once
	return func() {
		once.Do(func() { m.ResumeHashing(false) })
	}
}

// Stats is the aggregated snapshot returned by Manager.Stats.
type Stats struct {
	BytesLeft      int64
	FilesLeft      int
	Speed          int64
	CurrentFiles   []string
	HashersRunning int
	Paused         bool
}

// Stats sums every worker's progress under a read lock.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{Paused: len(m.workers) > 0}
	for _, w := range m.workers {
		ws := w.Stats()
		s.BytesLeft += ws.BytesLeft
		s.FilesLeft += ws.FilesLeft
		s.Speed += ws.Speed
		if ws.CurrentFile != "" {
			s.HashersRunning++
			s.CurrentFiles = append(s.CurrentFiles, ws.CurrentFile)
		}
		if !ws.Paused {
			s.Paused = false
		}
	}
	return s
}

// Shutdown asks every worker to drop its queue and exit, then busy-waits
// until the worker pool is empty, matching the original's deliberate choice
// of polling over a condition variable since shutdown is rare and not
// latency-critical.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shuttingDown = true
	workers := m.allWorkersLocked()
	m.mu.Unlock()

	for _, w := range workers {
		w.Shutdown()
	}

	for {
		m.mu.RLock()
		empty := len(m.workers) == 0
		m.mu.RUnlock()
		if empty {
			m.cancel()
			return nil
		}
		select {
		case <-ctx.Done():
			m.cancel()
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// SetBackupTarget configures (or, passed nil, disables) mirroring the store's
// engine directories to an external object store after every successful
// maintenance pass. Off by default.
func (m *Manager) SetBackupTarget(t backup.Target) {
	m.backupMu.Lock()
	m.backupTarget = t
	m.backupMu.Unlock()
}

// StartMaintenance runs one HashStore.Optimize pass on a background
// goroutine and publishes a MaintenanceFinished event with its report. If a
// backup target is configured, a successful pass is followed by a snapshot
// mirror of both engine directories.
func (m *Manager) StartMaintenance(verify bool) {
	m.bus.Publish(events.Event{Kind: events.MaintenanceStarted})
	go func() {
		report, err := m.store.Optimize(m.ctx, verify)
		if err != nil {
			klog.Warningf("hashmanager: optimize: %v", err)
			return
		}
		m.bus.Publish(events.Event{Kind: events.MaintenanceFinished, Report: report})

		m.backupMu.RLock()
		target := m.backupTarget
		m.backupMu.RUnlock()
		if target == nil {
			return
		}
		if err := backup.Snapshot(m.ctx, target, m.store); err != nil {
			klog.Warningf("hashmanager: backup snapshot: %v", err)
		}
	}()
}

// GetFileTTH returns the Tiger tree root for path, reusing the stored
// record when its mtime and size still match the file on disk and
// re-hashing synchronously otherwise. progress, if non-nil, is called at
// most once per second while hashing with bytes hashed so far and the total
// size, and once more with (size, size) when hashing completes.
func (m *Manager) GetFileTTH(ctx context.Context, path string, alsoStore bool, progress func(done, total int64)) (tigertree.RootValue, error) {
	pathLower := strings.ToLower(path)
	info, err := os.Stat(path)
	if err != nil {
		return tigertree.RootValue{}, fmt.Errorf("hashmanager: stat %s: %w", path, err)
	}
	size := info.Size()
	if info.ModTime().Unix() < 0 {
		return tigertree.RootValue{}, fmt.Errorf("hashmanager: %w: negative mtime for %s", storeerr.FileError, path)
	}
	mtime := uint64(info.ModTime().Unix())

	if hf, ok, err := m.store.GetFileInfo(pathLower); err == nil && ok && hf.Size == size && hf.Mtime == mtime {
		return hf.Root, nil
	}

	blockSize := tigertree.CalcBlockSize(size, 10)
	tree := tigertree.New(blockSize)

	var done int64
	lastReport := time.Now()
	_, readErr := filereader.Read(ctx, path, 0, filereader.Async, func(chunk []byte) bool {
		tree.Update(chunk)
		done += int64(len(chunk))
		if progress != nil && time.Since(lastReport) >= time.Second {
			progress(done, size)
			lastReport = time.Now()
		}
		return ctx.Err() == nil
	})
	if readErr != nil {
		return tigertree.RootValue{}, fmt.Errorf("hashmanager: read %s: %w", path, readErr)
	}
	if ctx.Err() != nil {
		return tigertree.RootValue{}, ctx.Err()
	}

	tree.Finalize()
	if progress != nil {
		progress(size, size)
	}
	root := tree.GetRoot()

	if alsoStore {
		hf := store.HashedFile{Root: root, Mtime: mtime, Size: size}
		if err := m.store.AddHashedFile(ctx, pathLower, tree, hf); err != nil {
			return root, fmt.Errorf("hashmanager: store %s: %w", path, err)
		}
	}
	return root, nil
}

// ImportFile records a file whose root and leaf sequence are already known
// (e.g. learned from a remote peer), without re-hashing its content. For a
// file under the minimum block size, the degenerate single-leaf tree is
// materialized from root alone. Otherwise the tree identified by root must
// already be present in the store; ImportFile only appends the FileIndex
// record in that case, leaving the existing tree data untouched.
func (m *Manager) ImportFile(ctx context.Context, path string, root tigertree.RootValue, blockSize int64, leaves []tigertree.RootValue) error {
	pathLower := strings.ToLower(path)
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("hashmanager: stat %s: %w", path, err)
	}
	size := info.Size()
	if info.ModTime().Unix() < 0 {
		return fmt.Errorf("hashmanager: %w: negative mtime for %s", storeerr.FileError, path)
	}
	mtime := uint64(info.ModTime().Unix())
	hf := store.HashedFile{Root: root, Mtime: mtime, Size: size}

	if size < tigertree.MinBlockSize {
		tree, err := tigertree.From(size, tigertree.MinBlockSize, root, nil)
		if err != nil {
			return fmt.Errorf("hashmanager: import %s: %w", path, err)
		}
		return m.store.AddHashedFile(ctx, pathLower, tree, hf)
	}

	if len(leaves) > 0 {
		tree, err := tigertree.From(size, blockSize, root, leaves)
		if err != nil {
			return fmt.Errorf("hashmanager: import %s: %w", path, err)
		}
		if tree.GetRoot() != root {
			return fmt.Errorf("hashmanager: import %s: leaves do not combine to the supplied root", path)
		}
	}

	has, err := m.store.HasTree(root)
	if err != nil {
		return fmt.Errorf("hashmanager: import %s: check tree: %w", path, err)
	}
	if !has {
		return fmt.Errorf("hashmanager: import %s: no existing tree data for root %s", path, root)
	}
	return m.store.AddFile(ctx, pathLower, hf)
}
