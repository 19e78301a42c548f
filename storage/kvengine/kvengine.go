// Package kvengine wraps an ordered, on-disk, LevelDB-compatible key-value
// engine (github.com/syndtr/goleveldb) with the durability, retry, and
// repair contract the hash store depends on: synchronous writes retried on
// transient I/O failure, corruption reported rather than propagated, and a
// snapshot-scoped RemoveIf for maintenance sweeps.
package kvengine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	goerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
	"k8s.io/klog/v2"

	"github.com/airdcpp/hashstore/storeerr"
)

const (
	repairFlagName = "REPAIR"
	maxRetries     = 10
	retryDelay     = 50 * time.Millisecond
	dirPerm        = 0o755
)

// Options configures how an Engine's underlying database is opened. The two
// stores in this module (FileIndex, HashData) use distinct values tuned for
// their access pattern.
type Options struct {
	// BlockSizeBytes is the on-disk block size.
	BlockSizeBytes int
	// CacheSizeMiB sizes the block cache.
	CacheSizeMiB int
	// OpenFilesCacheCapacity bounds the number of open file descriptors
	// the engine keeps cached.
	OpenFilesCacheCapacity int
	// Compression enables Snappy compression for stored values.
	Compression bool
}

func (o Options) toLevelDB() *opt.Options {
	blockSize := o.BlockSizeBytes
	if blockSize <= 0 {
		blockSize = opt.DefaultBlockSize
	}
	lo := &opt.Options{
		BlockSize:              blockSize,
		BlockCacheCapacity:     o.CacheSizeMiB * 1024 * 1024,
		OpenFilesCacheCapacity: o.OpenFilesCacheCapacity,
		Filter:                 filter.NewBloomFilter(10),
	}
	if o.Compression {
		lo.Compression = opt.SnappyCompression
	} else {
		lo.Compression = opt.NoCompression
	}
	return lo
}

// Engine is a durable, ordered KV store opened at a directory path.
type Engine struct {
	db   *leveldb.DB
	path string

	sizeMu    sync.Mutex
	sizeValid bool
	size      int
}

// Open opens (creating if necessary) the database rooted at path. A sibling
// REPAIR file forces a repair pass before opening; a corrupted database
// triggers one auto-repair-then-retry before giving up with AbortOnOpen.
func Open(path string, opts Options) (*Engine, error) {
	if err := os.MkdirAll(path, dirPerm); err != nil {
		return nil, storeerr.WithHint(fmt.Errorf("%w: mkdir %s: %v", storeerr.AbortOnOpen, path, err))
	}

	lo := opts.toLevelDB()
	flag := filepath.Join(path, repairFlagName)

	if _, err := os.Stat(flag); err == nil {
		klog.Warningf("kvengine: repair flag present at %s, repairing before open", path)
		db, rerr := leveldb.RecoverFile(path, lo)
		if rerr != nil {
			return nil, storeerr.WithHint(fmt.Errorf("%w: repair %s: %v", storeerr.AbortOnOpen, path, rerr))
		}
		_ = os.Remove(flag)
		return &Engine{db: db, path: path}, nil
	}

	db, err := leveldb.OpenFile(path, lo)
	if err == nil {
		return &Engine{db: db, path: path}, nil
	}

	if goerrors.IsCorrupted(err) {
		klog.Warningf("kvengine: %s reported corrupt on open, repairing: %v", path, err)
		db, rerr := leveldb.RecoverFile(path, lo)
		if rerr != nil {
			return nil, storeerr.WithHint(fmt.Errorf("%w: repair %s after corruption: %v", storeerr.AbortOnOpen, path, rerr))
		}
		return &Engine{db: db, path: path}, nil
	}

	// A failure that isn't plain corruption (most commonly the manifest
	// lock already being held) usually means another process has the
	// database open.
	return nil, storeerr.WithHint(fmt.Errorf("%w: open %s: %v (is another instance already running?)", storeerr.IOError, path, err))
}

// Close releases the underlying database handle.
func (e *Engine) Close() error {
	return e.db.Close()
}

// Path returns the directory this engine was opened against.
func (e *Engine) Path() string { return e.path }

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if goerrors.IsCorrupted(err) {
		return false
	}
	return true
}

// Put durably writes key/value, retrying transient I/O failures up to
// maxRetries times at retryDelay spacing before surfacing a StorageError.
func (e *Engine) Put(ctx context.Context, key, value []byte) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := e.db.Put(key, value, nil)
		if err == nil {
			e.invalidateSize()
			return nil
		}
		lastErr = err
		if !isTransient(err) {
			return storeerr.WithHint(fmt.Errorf("%w: put: %v", storeerr.StorageError, err))
		}
		klog.V(2).Infof("kvengine: put retry %d/%d after transient error: %v", attempt+1, maxRetries, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay):
		}
	}
	return storeerr.WithHint(fmt.Errorf("%w: put retries exhausted: %v", storeerr.StorageError, lastErr))
}

// Remove durably deletes key, with the same retry policy as Put.
func (e *Engine) Remove(ctx context.Context, key []byte) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := e.db.Delete(key, nil)
		if err == nil {
			e.invalidateSize()
			return nil
		}
		lastErr = err
		if !isTransient(err) {
			return storeerr.WithHint(fmt.Errorf("%w: remove: %v", storeerr.StorageError, err))
		}
		klog.V(2).Infof("kvengine: remove retry %d/%d after transient error: %v", attempt+1, maxRetries, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay):
		}
	}
	return storeerr.WithHint(fmt.Errorf("%w: remove retries exhausted: %v", storeerr.StorageError, lastErr))
}

// Get looks up key and, on a hit, invokes loader with the raw value. It
// returns true iff the key was present and loader accepted the value.
// NotFound is swallowed (returns false, nil); corruption is logged and
// swallowed the same way, since a value that failed to decode is
// indistinguishable from absent to the caller.
func (e *Engine) Get(key []byte, loader func([]byte) bool) (bool, error) {
	v, err := e.db.Get(key, nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return false, nil
		}
		if goerrors.IsCorrupted(err) {
			klog.Warningf("kvengine: corrupted record for key %x: %v", key, err)
			return false, nil
		}
		return false, storeerr.WithHint(fmt.Errorf("%w: get: %v", storeerr.StorageError, err))
	}
	if !loader(v) {
		return false, nil
	}
	return true, nil
}

// Has reports whether key is present, without populating the read cache the
// way a Get would.
func (e *Engine) Has(key []byte) (bool, error) {
	ok, err := e.db.Has(key, nil)
	if err != nil {
		return false, storeerr.WithHint(fmt.Errorf("%w: has: %v", storeerr.StorageError, err))
	}
	return ok, nil
}

// Snapshot is an opaque handle pinning a consistent view of the database
// across subsequent RemoveIf calls. Release must be called when done.
type Snapshot struct {
	snap *leveldb.Snapshot
}

// Snapshot returns a new consistent view of the database.
func (e *Engine) Snapshot() (*Snapshot, error) {
	snap, err := e.db.GetSnapshot()
	if err != nil {
		return nil, storeerr.WithHint(fmt.Errorf("%w: snapshot: %v", storeerr.StorageError, err))
	}
	return &Snapshot{snap: snap}, nil
}

// Release drops the snapshot.
func (s *Snapshot) Release() {
	s.snap.Release()
}

// RemoveIf iterates every entry visible in snap, calling predicate(k, v) for
// each; matching keys are staged into a batch applied atomically once
// iteration completes. Checksum verification is disabled during iteration so
// that a single corrupt record can be observed and deleted instead of
// aborting the whole sweep.
func (e *Engine) RemoveIf(ctx context.Context, snap *Snapshot, predicate func(key, value []byte) bool) (int, error) {
	iter := snap.snap.NewIterator(nil, &opt.ReadOptions{Strict: 0})
	defer iter.Release()

	batch := new(leveldb.Batch)
	matched := 0
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return matched, err
		}
		if predicate(iter.Key(), iter.Value()) {
			batch.Delete(append([]byte(nil), iter.Key()...))
			matched++
		}
	}
	if err := iter.Error(); err != nil {
		klog.Warningf("kvengine: iteration error during remove_if (tolerated): %v", err)
	}
	if batch.Len() == 0 {
		return 0, nil
	}
	if err := e.db.Write(batch, nil); err != nil {
		return 0, storeerr.WithHint(fmt.Errorf("%w: remove_if batch apply: %v", storeerr.StorageError, err))
	}
	e.invalidateSize()
	return matched, nil
}

// Compact rewrites on-disk data to reclaim space left by tombstones.
func (e *Engine) Compact() error {
	if err := e.db.CompactRange(util.Range{}); err != nil {
		return storeerr.WithHint(fmt.Errorf("%w: compact: %v", storeerr.StorageError, err))
	}
	return nil
}

// Size returns the approximate entry count. It is cached between calls;
// passing thorough re-iterates the whole keyspace and refreshes the cache.
func (e *Engine) Size(thorough bool) (int, error) {
	e.sizeMu.Lock()
	if !thorough && e.sizeValid {
		n := e.size
		e.sizeMu.Unlock()
		return n, nil
	}
	e.sizeMu.Unlock()

	iter := e.db.NewIterator(nil, nil)
	defer iter.Release()
	n := 0
	for iter.Next() {
		n++
	}
	if err := iter.Error(); err != nil {
		return 0, storeerr.WithHint(fmt.Errorf("%w: size: %v", storeerr.StorageError, err))
	}

	e.sizeMu.Lock()
	e.size = n
	e.sizeValid = true
	e.sizeMu.Unlock()
	return n, nil
}

func (e *Engine) invalidateSize() {
	e.sizeMu.Lock()
	e.sizeValid = false
	e.sizeMu.Unlock()
}

// ScheduleRepair drops a REPAIR flag file next to the database so the next
// Open call repairs before use, matching the original engine's deferred
// repair scheduling (onScheduleRepair/isRepairScheduled).
func ScheduleRepair(path string) error {
	flag := filepath.Join(path, repairFlagName)
	f, err := os.OpenFile(flag, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return storeerr.WithHint(fmt.Errorf("%w: schedule repair %s: %v", storeerr.StorageError, path, err))
	}
	return f.Close()
}

// RepairScheduled reports whether a REPAIR flag file is present for path.
func RepairScheduled(path string) bool {
	_, err := os.Stat(filepath.Join(path, repairFlagName))
	return err == nil
}
