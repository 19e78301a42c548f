// Package hasher implements a single hashing worker: an ordered queue of
// pending files, fed by a hash manager and drained by one run loop that
// builds a Tiger tree (and optional CRC-32 check) for each file in turn.
package hasher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"
	"k8s.io/klog/v2"

	"github.com/airdcpp/hashstore/config"
	"github.com/airdcpp/hashstore/events"
	"github.com/airdcpp/hashstore/internal/crc32filter"
	"github.com/airdcpp/hashstore/internal/deviceid"
	"github.com/airdcpp/hashstore/internal/filereader"
	"github.com/airdcpp/hashstore/sfv"
	"github.com/airdcpp/hashstore/store"
	"github.com/airdcpp/hashstore/storeerr"
	"github.com/airdcpp/hashstore/tigertree"
)

// WorkItem is one file queued for hashing.
type WorkItem struct {
	Path      string
	PathLower string
	Size      int64
	DeviceID  deviceid.ID
}

// Stats is a point-in-time snapshot of a worker's progress.
type Stats struct {
	CurrentFile string
	BytesLeft   int64
	FilesLeft   int
	Speed       int64
	FilesAdded  int64
	BytesAdded  int64
	Paused      bool
	Running     bool
}

// speedWindow is the number of recent chunk-speed samples averaged into
// Stats.Speed.
const speedWindow = 16

// Worker owns a sorted deque of pending files for one logical hashing
// thread. ID 0 is the manager's permanent worker; any other ID is auxiliary
// and removes itself from the manager once its queue drains.
type Worker struct {
	ID int

	store *store.Store
	bus   *events.Bus
	cfg   *config.Options

	onEmptyRemove func(*Worker)

	sem chan struct{}

	mu           sync.Mutex
	queue        []WorkItem
	devices      map[deviceid.ID]int
	paused       bool
	stopping     bool
	shuttingDown bool
	running      bool
	currentFile  string

	totalBytesLeft  int64
	totalBytesAdded int64
	totalFilesAdded int64
	lastSpeed       int64
	speed           *movingaverage.MovingAverage

	totalSizeHashed  int64
	totalHashTime    time.Duration
	totalDirsHashed  int
	totalFilesHashed int

	dirSizeHashed  int64
	dirHashTime    time.Duration
	dirFilesHashed int
	initialDir     string

	sfv *sfv.DirReader
}

// New returns a worker in the given pause state. onEmptyRemove, if non-nil,
// is called once when an auxiliary (ID != 0) worker's queue drains for good,
// so the manager can forget it.
func New(id int, paused bool, st *store.Store, bus *events.Bus, cfg *config.Options, onEmptyRemove func(*Worker)) *Worker {
	return &Worker{
		ID:            id,
		store:         st,
		bus:           bus,
		cfg:           cfg,
		onEmptyRemove: onEmptyRemove,
		sem:           make(chan struct{}, 1),
		devices:       make(map[deviceid.ID]int),
		paused:        paused,
		speed:         movingaverage.New(speedWindow),
	}
}

func (w *Worker) signal() {
	select {
	case w.sem <- struct{}{}:
	default:
	}
}

// HashFile enqueues path for hashing, deduplicating on pathLower. It reports
// whether the item was newly added.
func (w *Worker) HashFile(path, pathLower string, size int64, dev deviceid.ID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	idx := sort.Search(len(w.queue), func(i int) bool { return w.queue[i].PathLower >= pathLower })
	if idx < len(w.queue) && w.queue[idx].PathLower == pathLower {
		return false
	}

	item := WorkItem{Path: path, PathLower: pathLower, Size: size, DeviceID: dev}
	w.queue = append(w.queue, WorkItem{})
	copy(w.queue[idx+1:], w.queue[idx:])
	w.queue[idx] = item

	w.devices[dev]++
	w.totalBytesLeft += size
	w.totalBytesAdded += size
	w.totalFilesAdded++
	w.signal()
	return true
}

// StopHashing drops every queued item whose path starts with baseDirLower
// (case-insensitive compare is the caller's responsibility: pass both sides
// already lowered), decrementing device counts accordingly. The file
// currently being hashed, if any, is not interrupted.
func (w *Worker) StopHashing(baseDirLower string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	kept := w.queue[:0]
	for _, item := range w.queue {
		if strings.HasPrefix(item.PathLower, baseDirLower) {
			w.totalBytesLeft -= item.Size
			w.removeDeviceLocked(item.DeviceID)
			continue
		}
		kept = append(kept, item)
	}
	w.queue = kept
}

func (w *Worker) removeDeviceLocked(id deviceid.ID) {
	if n, ok := w.devices[id]; ok {
		if n <= 1 {
			delete(w.devices, id)
		} else {
			w.devices[id] = n - 1
		}
	}
}

// Clear empties the queue and device set and resets accumulated stats.
func (w *Worker) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.queue = nil
	w.devices = make(map[deviceid.ID]int)
	w.clearStatsLocked()
}

func (w *Worker) clearStatsLocked() {
	w.totalBytesLeft = 0
	w.totalBytesAdded = 0
	w.totalFilesAdded = 0
	w.totalHashTime = 0
	w.totalSizeHashed = 0
	w.totalDirsHashed = 0
	w.totalFilesHashed = 0
	w.lastSpeed = 0
}

// Stop clears the queue and asks the run loop to reset at its next wakeup.
func (w *Worker) Stop() {
	w.Clear()
	w.mu.Lock()
	w.stopping = true
	w.mu.Unlock()
	w.signal()
}

// Shutdown asks the worker to drop its queue and exit for good, unparking it
// if currently paused.
func (w *Worker) Shutdown() {
	w.mu.Lock()
	w.shuttingDown = true
	w.mu.Unlock()
	w.Stop()
	w.Resume()
}

// Pause requests that the worker suspend between files. It returns whether
// the worker was already paused.
func (w *Worker) Pause() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	was := w.paused
	w.paused = true
	return was
}

// Resume un-pauses the worker.
func (w *Worker) Resume() {
	w.mu.Lock()
	w.paused = false
	w.mu.Unlock()
	w.signal()
}

func (w *Worker) IsPaused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paused
}

func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// HasFile reports whether pathLower is currently queued.
func (w *Worker) HasFile(pathLower string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	idx := sort.Search(len(w.queue), func(i int) bool { return w.queue[i].PathLower >= pathLower })
	return idx < len(w.queue) && w.queue[idx].PathLower == pathLower
}

func (w *Worker) HasDevice(id deviceid.ID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.devices[id]
	return ok
}

func (w *Worker) HasDevices() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.devices) > 0
}

// BytesLeft returns the total size still queued, less the bytes already
// hashed of the file currently being hashed.
func (w *Worker) BytesLeft() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.totalBytesLeft
}

// GetTimeLeft estimates remaining time from the last observed speed.
func (w *Worker) GetTimeLeft() time.Duration {
	w.mu.Lock()
	bytesLeft, speed := w.totalBytesLeft, w.lastSpeed
	w.mu.Unlock()
	if speed <= 0 {
		return 0
	}
	return time.Duration(bytesLeft/speed) * time.Second
}

// Stats returns a snapshot of the worker's current progress.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Stats{
		CurrentFile: w.currentFile,
		BytesLeft:   w.totalBytesLeft,
		FilesLeft:   len(w.queue),
		FilesAdded:  w.totalFilesAdded,
		BytesAdded:  w.totalBytesAdded,
		Paused:      w.paused,
		Running:     w.running,
	}
	if w.running {
		s.FilesLeft++
		s.Speed = w.lastSpeed
	}
	return s
}

func (w *Worker) popFrontLocked() (WorkItem, bool) {
	if len(w.queue) == 0 {
		return WorkItem{}, false
	}
	item := w.queue[0]
	w.queue = w.queue[1:]
	return item, true
}

// Run drains the queue until ctx is cancelled or, for an auxiliary worker,
// the queue empties for good.
func (w *Worker) Run(ctx context.Context) {
	var prevDir string
	for {
		w.mu.Lock()
		for !w.paused && !w.stopping && len(w.queue) == 0 {
			w.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-w.sem:
			}
			w.mu.Lock()
		}

		if w.paused {
			w.running = false
			w.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-w.sem:
			}
			continue
		}

		if w.stopping {
			if w.shuttingDown {
				w.mu.Unlock()
				return
			}
			w.stopping = false
		}

		item, ok := w.popFrontLocked()
		w.mu.Unlock()

		if !ok {
			w.onQueueDrained()
			if w.ID != 0 {
				if w.onEmptyRemove != nil {
					w.onEmptyRemove(w)
				}
				return
			}
			continue
		}

		w.running = true
		dir := filepath.Dir(item.Path)
		dirChanged := prevDir == "" || !strings.EqualFold(dir, prevDir)
		w.processItem(ctx, item, dirChanged)
		prevDir = dir

		w.mu.Lock()
		w.removeDeviceLocked(item.DeviceID)
		empty := len(w.queue) == 0
		w.mu.Unlock()

		if empty {
			w.onQueueDrained()
			if w.ID != 0 {
				if w.onEmptyRemove != nil {
					w.onEmptyRemove(w)
				}
				return
			}
		} else {
			w.mu.Lock()
			nextDir := filepath.Dir(w.queue[0].Path)
			w.mu.Unlock()
			if !strings.EqualFold(nextDir, dir) {
				w.emitDirectoryHashed()
			}
		}
	}
}

func (w *Worker) processItem(ctx context.Context, item WorkItem, dirChanged bool) {
	w.mu.Lock()
	w.currentFile = item.Path
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.currentFile = ""
		w.mu.Unlock()
	}()

	if dirChanged {
		r, err := sfv.LoadPath(filepath.Dir(item.Path))
		if err != nil {
			klog.Warningf("hasher[%d]: sfv load for %s: %v", w.ID, item.Path, err)
		}
		w.sfv = r
	}

	info, err := os.Stat(item.Path)
	if err != nil {
		w.failFile(item, fmt.Errorf("stat: %w", err))
		return
	}
	size := info.Size()
	mtime := info.ModTime()
	if mtime.Unix() < 0 {
		w.failFile(item, fmt.Errorf("%w: negative mtime for %s", storeerr.FileError, item.Path))
		return
	}

	w.mu.Lock()
	w.totalBytesLeft += size - item.Size
	w.mu.Unlock()

	blockSize := tigertree.CalcBlockSize(size, 10)
	tree := tigertree.New(blockSize)

	var expectedCRC uint32
	var haveCRC bool
	if w.sfv != nil {
		nameLower := strings.ToLower(filepath.Base(item.Path))
		expectedCRC, haveCRC = w.sfv.HasFile(nameLower)
	}
	crcFilter := crc32filter.New()

	start := time.Now()
	lastRead := start
	var sizeLeft = size
	stopped := false

	_, readErr := filereader.Read(ctx, item.Path, 0, filereader.Async, func(chunk []byte) bool {
		if max := w.cfg.MaxHashSpeedMiBps; max > 0 {
			now := time.Now()
			minTime := time.Duration(len(chunk)) * time.Second / time.Duration(max*1024*1024)
			if lastRead.Add(minTime).After(now) {
				time.Sleep(lastRead.Add(minTime).Sub(now))
			}
			lastRead = lastRead.Add(minTime)
		} else {
			lastRead = time.Now()
		}

		tree.Update(chunk)
		if haveCRC {
			crcFilter.Write(chunk)
		}

		sizeLeft -= int64(len(chunk))
		w.mu.Lock()
		if w.totalBytesLeft > 0 {
			w.totalBytesLeft -= int64(len(chunk))
		}
		w.mu.Unlock()

		elapsed := time.Since(start)
		if elapsed > 0 {
			w.speed.Add(float64((size - sizeLeft) * int64(time.Second) / int64(elapsed)))
			w.mu.Lock()
			w.lastSpeed = int64(w.speed.Avg())
			w.mu.Unlock()
		}

		w.mu.Lock()
		stop := w.stopping
		w.mu.Unlock()
		stopped = stop
		return !stop
	})

	if readErr != nil {
		w.failFile(item, readErr)
		return
	}

	tree.Finalize()
	failed := (haveCRC && !crcFilter.Matches(expectedCRC)) || stopped
	elapsed := time.Since(start)

	if stopped {
		return
	}

	if failed {
		klog.Warningf("hasher[%d]: CRC mismatch for %s", w.ID, item.Path)
		w.publish(events.Event{Kind: events.FileFailed, PathLower: item.PathLower, FileSize: size})
		return
	}

	hf := store.HashedFile{Root: tree.GetRoot(), Mtime: uint64(mtime.Unix()), Size: size}
	if err := w.store.AddHashedFile(ctx, item.PathLower, tree, hf); err != nil {
		klog.Warningf("hasher[%d]: store %s: %v", w.ID, item.Path, err)
		w.publish(events.Event{Kind: events.FileFailed, PathLower: item.PathLower, FileSize: size})
		return
	}

	w.mu.Lock()
	w.totalSizeHashed += size
	w.totalHashTime += elapsed
	w.totalFilesHashed++
	w.dirSizeHashed += size
	w.dirHashTime += elapsed
	w.dirFilesHashed++
	if w.initialDir == "" {
		w.initialDir = filepath.Dir(item.Path)
	}
	w.mu.Unlock()

	if w.cfg.LogHashing {
		klog.Infof("hasher[%d]: hashed %s (%d bytes) in %v: %s", w.ID, item.Path, size, elapsed, hf.Root)
	}

	w.publish(events.Event{Kind: events.FileHashed, PathLower: item.PathLower, Root: hf.Root, FileSize: size})
}

func (w *Worker) failFile(item WorkItem, err error) {
	klog.Warningf("hasher[%d]: %s: %v", w.ID, item.Path, err)
	w.mu.Lock()
	if w.totalBytesLeft >= item.Size {
		w.totalBytesLeft -= item.Size
	}
	w.mu.Unlock()
	w.publish(events.Event{Kind: events.FileFailed, PathLower: item.PathLower, FileSize: item.Size})
}

func (w *Worker) emitDirectoryHashed() {
	w.mu.Lock()
	dir := w.initialDir
	files := w.dirFilesHashed
	sizeHashed := w.dirSizeHashed
	hashTime := w.dirHashTime
	w.totalDirsHashed++
	w.dirFilesHashed = 0
	w.dirSizeHashed = 0
	w.dirHashTime = 0
	w.initialDir = ""
	w.mu.Unlock()

	if files == 0 {
		return
	}
	w.publish(events.Event{
		Kind:          events.DirectoryHashed,
		Directory:     dir,
		DirFiles:      files,
		DirSizeHashed: sizeHashed,
		DirDuration:   hashTime,
	})
}

func (w *Worker) onQueueDrained() {
	w.mu.Lock()
	w.running = false
	totalFiles := w.totalFilesHashed
	totalSize := w.totalSizeHashed
	totalTime := w.totalHashTime
	hadWork := totalFiles > 0 || w.dirFilesHashed > 0
	w.mu.Unlock()

	if hadWork {
		w.emitDirectoryHashed()
	}

	w.publish(events.Event{
		Kind:            events.HasherFinished,
		TotalFiles:      totalFiles,
		TotalSizeHashed: totalSize,
		TotalDuration:   totalTime,
	})

	w.mu.Lock()
	w.clearStatsLocked()
	w.mu.Unlock()
}

func (w *Worker) publish(e events.Event) {
	if w.bus != nil {
		w.bus.Publish(e)
	}
}
