// Package store implements the hash store: two independent durable KV
// engines, FileIndex (lowercased real path -> HashedFile) and HashData
// (Tiger-tree root -> serialized TigerTree), their binary record layout,
// and the maintenance sweep that keeps them consistent with the live
// share and queue state.
package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/airdcpp/hashstore/config"
	"github.com/airdcpp/hashstore/storage/kvengine"
	"github.com/airdcpp/hashstore/storeerr"
	"github.com/airdcpp/hashstore/tigertree"
)

const currentVersion = 1

// RootValue aliases the tree package's content address type for callers
// that only need the store's vocabulary.
type RootValue = tigertree.RootValue

// HashedFile is the denormalized pointer a FileIndex entry stores: which
// root a real path currently hashes to, and the mtime/size it was observed
// at when that root was computed.
type HashedFile struct {
	Root  RootValue
	Mtime uint64
	Size  int64
}

// RootInfoKind selects which prefix field GetRootInfo reads.
type RootInfoKind int

const (
	FileSizeKind RootInfoKind = iota
	BlockSizeKind
)

// ShareOracle answers whether a path is still part of the live share, used
// by the maintenance sweep to decide whether a FileIndex entry is orphaned.
type ShareOracle interface {
	IsPathShared(pathLower string) bool
}

// QueueOracle answers whether a root is still referenced by a pending
// queue item, used by the maintenance sweep to avoid deleting a tree a
// download is mid-verification against.
type QueueOracle interface {
	IsQueued(root RootValue) bool
}

// Report summarizes one maintenance sweep.
type Report struct {
	ValidFiles    int
	RemovedFiles  int
	RemovedTrees  int
	FailedTrees   int
	BytesToRehash int64
}

// compactionTracker holds the running deletion counts the original tracked
// through process-wide settings counters; here it is just a field on Store.
type compactionTracker struct {
	mu                       sync.Mutex
	removedFilesSinceCompact int
	removedTreesSinceCompact int
}

const compactionThreshold = 0.05

func (c *compactionTracker) recordFileRemovals(n int) {
	if n == 0 {
		return
	}
	c.mu.Lock()
	c.removedFilesSinceCompact += n
	c.mu.Unlock()
}

func (c *compactionTracker) recordTreeRemovals(n int) {
	if n == 0 {
		return
	}
	c.mu.Lock()
	c.removedTreesSinceCompact += n
	c.mu.Unlock()
}

func (c *compactionTracker) maybeCompactFiles(e *kvengine.Engine) error {
	c.mu.Lock()
	removed := c.removedFilesSinceCompact
	c.mu.Unlock()
	if removed == 0 {
		return nil
	}
	live, err := e.Size(false)
	if err != nil {
		return err
	}
	if float64(removed) <= compactionThreshold*float64(live+removed) {
		return nil
	}
	if err := e.Compact(); err != nil {
		return err
	}
	c.mu.Lock()
	c.removedFilesSinceCompact = 0
	c.mu.Unlock()
	return nil
}

func (c *compactionTracker) maybeCompactTrees(e *kvengine.Engine) error {
	c.mu.Lock()
	removed := c.removedTreesSinceCompact
	c.mu.Unlock()
	if removed == 0 {
		return nil
	}
	live, err := e.Size(false)
	if err != nil {
		return err
	}
	if float64(removed) <= compactionThreshold*float64(live+removed) {
		return nil
	}
	if err := e.Compact(); err != nil {
		return err
	}
	c.mu.Lock()
	c.removedTreesSinceCompact = 0
	c.mu.Unlock()
	return nil
}

// Store owns the FileIndex and HashData engines.
type Store struct {
	fileDB *kvengine.Engine
	hashDB *kvengine.Engine

	opts        *config.Options
	shareOracle ShareOracle
	queueOracle QueueOracle

	compaction compactionTracker

	orphanMu    sync.Mutex
	orphanSince map[RootValue]time.Time
}

// Open opens (creating if necessary) the FileIndex and HashData databases
// under baseDir, each tuned for its access pattern: FileIndex gets the
// larger block size, more open files, and compression (path strings
// compress well and the access pattern is scan-heavy during a refresh);
// HashData gets a filesystem-block-aligned size, few open files, and no
// compression (content hashes do not compress and lookups are random
// point reads). fsBlockSize is the host filesystem's block size, used as
// HashData's floor; pass 0 if unknown.
func Open(baseDir string, opts *config.Options, fsBlockSize int64, shareOracle ShareOracle, queueOracle QueueOracle) (*Store, error) {
	fileDB, err := kvengine.Open(filepath.Join(baseDir, "FileIndex"), kvengine.Options{
		BlockSizeBytes:         65536,
		CacheSizeMiB:           opts.DBCacheSizeMiB,
		OpenFilesCacheCapacity: 50,
		Compression:            true,
	})
	if err != nil {
		return nil, fmt.Errorf("store: open FileIndex: %w", err)
	}

	hashBlockSize := int64(16384)
	if fsBlockSize > hashBlockSize {
		hashBlockSize = fsBlockSize
	}
	hashDB, err := kvengine.Open(filepath.Join(baseDir, "HashData"), kvengine.Options{
		BlockSizeBytes:         int(hashBlockSize),
		CacheSizeMiB:           opts.DBCacheSizeMiB,
		OpenFilesCacheCapacity: 20,
		Compression:            false,
	})
	if err != nil {
		_ = fileDB.Close()
		return nil, fmt.Errorf("store: open HashData: %w", err)
	}

	return &Store{
		fileDB:      fileDB,
		hashDB:      hashDB,
		opts:        opts,
		shareOracle: shareOracle,
		queueOracle: queueOracle,
	}, nil
}

// EngineDirs returns the on-disk directories backing FileIndex and HashData,
// in that order, for callers (e.g. storage/backup) that mirror the raw
// engine files rather than going through the store's read/write API.
func (s *Store) EngineDirs() (fileIndexDir, hashDataDir string) {
	return s.fileDB.Path(), s.hashDB.Path()
}

// Close releases both underlying engines.
func (s *Store) Close() error {
	fileErr := s.fileDB.Close()
	hashErr := s.hashDB.Close()
	if fileErr != nil {
		return fileErr
	}
	return hashErr
}

func encodeHashedFile(h HashedFile) []byte {
	buf := make([]byte, 41)
	buf[0] = currentVersion
	binary.LittleEndian.PutUint64(buf[1:9], h.Mtime)
	copy(buf[9:33], h.Root[:])
	binary.LittleEndian.PutUint64(buf[33:41], uint64(h.Size))
	return buf
}

func decodeHashedFile(v []byte) (HashedFile, bool) {
	if len(v) < 41 {
		return HashedFile{}, false
	}
	if v[0] > currentVersion {
		return HashedFile{}, false
	}
	var hf HashedFile
	hf.Mtime = binary.LittleEndian.Uint64(v[1:9])
	copy(hf.Root[:], v[9:33])
	hf.Size = int64(binary.LittleEndian.Uint64(v[33:41]))
	return hf, true
}

func encodeTree(tree *tigertree.TigerTree) []byte {
	leaves := tree.GetLeaves()
	n := len(leaves)
	if n == 1 {
		// Single-leaf degenerate tree: convention is zero leaf bytes,
		// since the root already equals the only leaf.
		n = 0
	}
	buf := make([]byte, 17+24*n)
	buf[0] = currentVersion
	binary.LittleEndian.PutUint64(buf[1:9], uint64(tree.GetFileSize()))
	binary.LittleEndian.PutUint64(buf[9:17], uint64(tree.GetBlockSize()))
	for i := 0; i < n; i++ {
		copy(buf[17+i*24:17+(i+1)*24], leaves[i][:])
	}
	return buf
}

// decodeTree deserializes a HashData value and verifies the reconstructed
// Merkle combination matches root. A mismatch or malformed record is
// reported as corruption to the caller (ok=false), never as an error.
func decodeTree(root RootValue, v []byte) (*tigertree.TigerTree, bool) {
	if len(v) < 17 {
		return nil, false
	}
	if v[0] > currentVersion {
		return nil, false
	}
	fileSize := int64(binary.LittleEndian.Uint64(v[1:9]))
	blockSize := int64(binary.LittleEndian.Uint64(v[9:17]))
	rest := v[17:]
	if len(rest)%24 != 0 {
		return nil, false
	}
	n := len(rest) / 24
	leaves := make([]RootValue, n)
	for i := 0; i < n; i++ {
		copy(leaves[i][:], rest[i*24:(i+1)*24])
	}
	tree, err := tigertree.From(fileSize, blockSize, root, leaves)
	if err != nil {
		return nil, false
	}
	if tree.GetRoot() != root {
		return nil, false
	}
	return tree, true
}

// AddHashedFile writes tree first, then fileRecord, matching the ordering
// rule that a crash between the two writes must leave an orphan tree
// (recoverable by the maintenance sweep) rather than a file record pointing
// at a tree that was never persisted.
func (s *Store) AddHashedFile(ctx context.Context, pathLower string, tree *tigertree.TigerTree, file HashedFile) error {
	root := tree.GetRoot()
	if err := s.hashDB.Put(ctx, root[:], encodeTree(tree)); err != nil {
		return err
	}
	if err := s.fileDB.Put(ctx, []byte(pathLower), encodeHashedFile(file)); err != nil {
		return err
	}
	return nil
}

// AddFile writes only a FileIndex record, for callers that already know the
// tree is present (e.g. import of a previously-seen root).
func (s *Store) AddFile(ctx context.Context, pathLower string, file HashedFile) error {
	return s.fileDB.Put(ctx, []byte(pathLower), encodeHashedFile(file))
}

// RemoveFile deletes a FileIndex entry. It has no effect on HashData; orphan
// tree cleanup is the maintenance sweep's job.
func (s *Store) RemoveFile(ctx context.Context, pathLower string) error {
	return s.fileDB.Remove(ctx, []byte(pathLower))
}

// RenameFile moves a FileIndex entry from oldPathLower to newPathLower,
// keeping the same root but updating mtime to newMtime. newSize must match
// the size already on record for oldPathLower, otherwise the rename is
// refused: a size change means the content changed and the file must be
// re-hashed under its new path rather than have its old root carried over.
// Stat'ing newPath is the caller's responsibility (the hasher/manager layer
// owns filesystem access); the store only validates the size it is given.
// This is two writes and is intentionally not atomic: a crash mid-rename
// leaves the old record removed and the new one absent, which the next
// refresh scan reconstructs by re-hashing.
func (s *Store) RenameFile(ctx context.Context, oldPathLower, newPathLower string, newMtime uint64, newSize int64) error {
	old, ok, err := s.GetFileInfo(oldPathLower)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: rename source %q is not indexed", storeerr.StorageError, oldPathLower)
	}
	if old.Size != newSize {
		return fmt.Errorf("%w: rename %q -> %q: size changed from %d to %d", storeerr.StorageError, oldPathLower, newPathLower, old.Size, newSize)
	}
	if err := s.RemoveFile(ctx, oldPathLower); err != nil {
		return err
	}
	return s.AddFile(ctx, newPathLower, HashedFile{Root: old.Root, Mtime: newMtime, Size: newSize})
}

// GetFileInfo looks up pathLower. ok is false if there is no record, or the
// stored record's version is newer than this code understands.
func (s *Store) GetFileInfo(pathLower string) (HashedFile, bool, error) {
	var result HashedFile
	ok, err := s.fileDB.Get([]byte(pathLower), func(v []byte) bool {
		hf, valid := decodeHashedFile(v)
		if !valid {
			return false
		}
		result = hf
		return true
	})
	if err != nil {
		return HashedFile{}, false, err
	}
	return result, ok, nil
}

// CheckTTH reports whether pathLower's stored record matches expectedMtime
// and expectedSize, i.e. whether the file is already hashed and current.
func (s *Store) CheckTTH(pathLower string, expectedMtime uint64, expectedSize int64) bool {
	hf, ok, err := s.GetFileInfo(pathLower)
	if err != nil || !ok {
		return false
	}
	return hf.Mtime == expectedMtime && hf.Size == expectedSize
}

// GetTree loads the tree stored for root, recomputing its internal Merkle
// combination and comparing it to root. A mismatch is logged as corruption
// and reported as not-found (ok=false), so callers retry or invalidate
// rather than trust a tampered or truncated record.
func (s *Store) GetTree(root RootValue) (*tigertree.TigerTree, bool, error) {
	var tree *tigertree.TigerTree
	ok, err := s.hashDB.Get(root[:], func(v []byte) bool {
		t, valid := decodeTree(root, v)
		if !valid {
			klog.Warningf("store: corrupted tree record for root %s", root)
			return false
		}
		tree = t
		return true
	})
	if err != nil {
		return nil, false, err
	}
	return tree, ok, nil
}

// HasTree reports whether a valid tree is stored for root.
func (s *Store) HasTree(root RootValue) (bool, error) {
	_, ok, err := s.GetTree(root)
	return ok, err
}

// AddTree writes a tree record directly, for callers importing a
// known root+leaves pair rather than hashing from disk.
func (s *Store) AddTree(ctx context.Context, tree *tigertree.TigerTree) error {
	root := tree.GetRoot()
	return s.hashDB.Put(ctx, root[:], encodeTree(tree))
}

// GetRootInfo reads a single prefix field of the record for root without
// deserializing leaves, rejecting a record whose version is too new.
func (s *Store) GetRootInfo(root RootValue, kind RootInfoKind) (int64, bool) {
	var result int64
	ok, _ := s.hashDB.Get(root[:], func(v []byte) bool {
		if len(v) < 17 || v[0] > currentVersion {
			return false
		}
		switch kind {
		case FileSizeKind:
			result = int64(binary.LittleEndian.Uint64(v[1:9]))
		case BlockSizeKind:
			result = int64(binary.LittleEndian.Uint64(v[9:17]))
		}
		return true
	})
	return result, ok
}

// Stats reports the approximate entry count of both engines.
type Stats struct {
	FileCount int
	TreeCount int
}

// Stats returns the current (or, if thorough, freshly recounted) entry
// counts of both engines.
func (s *Store) Stats(thorough bool) (Stats, error) {
	fc, err := s.fileDB.Size(thorough)
	if err != nil {
		return Stats{}, err
	}
	tc, err := s.hashDB.Size(thorough)
	if err != nil {
		return Stats{}, err
	}
	return Stats{FileCount: fc, TreeCount: tc}, nil
}

// ScheduleRepair marks both engines for repair on next open.
func (s *Store) ScheduleRepair() error {
	if err := kvengine.ScheduleRepair(s.fileDB.Path()); err != nil {
		return err
	}
	return kvengine.ScheduleRepair(s.hashDB.Path())
}

// RepairScheduled reports whether either engine is marked for repair.
func (s *Store) RepairScheduled() bool {
	return kvengine.RepairScheduled(s.fileDB.Path()) || kvengine.RepairScheduled(s.hashDB.Path())
}

// orphanExpired reports whether root has been observed unreferenced for at
// least opts.RetentionWindow, recording the first observation if this is the
// first time it is seen orphaned. A zero RetentionWindow always expires
// immediately, matching the original's single-pass sweep.
func (s *Store) orphanExpired(root RootValue) bool {
	if s.opts.RetentionWindow <= 0 {
		return true
	}
	s.orphanMu.Lock()
	defer s.orphanMu.Unlock()
	if s.orphanSince == nil {
		s.orphanSince = make(map[RootValue]time.Time)
	}
	first, seen := s.orphanSince[root]
	if !seen {
		s.orphanSince[root] = time.Now()
		return false
	}
	return time.Since(first) >= s.opts.RetentionWindow
}

// clearOrphan drops root's grace-period bookkeeping once it is no longer
// orphaned, either because it was just deleted or because a live file
// started referencing it again.
func (s *Store) clearOrphan(root RootValue) {
	if s.orphanSince == nil {
		return
	}
	s.orphanMu.Lock()
	delete(s.orphanSince, root)
	s.orphanMu.Unlock()
}

// Optimize runs the four-step maintenance sweep: prune FileIndex entries
// for paths no longer shared, prune HashData entries with no live
// reference, prune FileIndex entries that pointed at a tree that turned out
// missing or corrupt, then compact either engine if deletions since the
// last compaction exceed the threshold. Any storage error aborts the sweep
// without applying the in-flight phase's batch, leaving both databases
// consistent for a retry.
func (s *Store) Optimize(ctx context.Context, verify bool) (Report, error) {
	var report Report

	fileSnap, err := s.fileDB.Snapshot()
	if err != nil {
		return report, err
	}
	defer fileSnap.Release()

	hashSnap, err := s.hashDB.Snapshot()
	if err != nil {
		return report, err
	}
	defer hashSnap.Release()

	usedRoots := make(map[RootValue]struct{})

	removedFiles, err := s.fileDB.RemoveIf(ctx, fileSnap, func(k, v []byte) bool {
		pathLower := string(k)
		if s.shareOracle.IsPathShared(pathLower) {
			if hf, ok := decodeHashedFile(v); ok {
				usedRoots[hf.Root] = struct{}{}
			}
			report.ValidFiles++
			return false
		}
		return true
	})
	if err != nil {
		return report, fmt.Errorf("store: optimize: sweep FileIndex: %w", err)
	}
	report.RemovedFiles += removedFiles

	removedTrees, err := s.hashDB.RemoveIf(ctx, hashSnap, func(k, v []byte) bool {
		var root RootValue
		copy(root[:], k)

		_, inUse := usedRoots[root]
		if !inUse && !s.queueOracle.IsQueued(root) {
			if !s.orphanExpired(root) {
				return false
			}
			s.clearOrphan(root)
			return true
		}
		s.clearOrphan(root)
		if verify {
			if _, valid := decodeTree(root, v); !valid {
				// Leave root in usedRoots: the follow-up FileIndex sweep
				// below treats it as an orphan and tallies its fileSize
				// into BytesToRehash.
				report.FailedTrees++
				return true
			}
		}
		delete(usedRoots, root)
		return false
	})
	if err != nil {
		return report, fmt.Errorf("store: optimize: sweep HashData: %w", err)
	}
	report.RemovedTrees += removedTrees

	if len(usedRoots) > 0 {
		orphanSnap, err := s.fileDB.Snapshot()
		if err != nil {
			return report, err
		}
		defer orphanSnap.Release()

		removedOrphans, err := s.fileDB.RemoveIf(ctx, orphanSnap, func(k, v []byte) bool {
			hf, ok := decodeHashedFile(v)
			if !ok {
				return false
			}
			if _, orphaned := usedRoots[hf.Root]; orphaned {
				report.BytesToRehash += hf.Size
				return true
			}
			return false
		})
		if err != nil {
			return report, fmt.Errorf("store: optimize: sweep orphaned file entries: %w", err)
		}
		report.RemovedFiles += removedOrphans
	}

	s.compaction.recordFileRemovals(report.RemovedFiles)
	s.compaction.recordTreeRemovals(report.RemovedTrees)

	if err := s.compaction.maybeCompactFiles(s.fileDB); err != nil {
		return report, fmt.Errorf("store: optimize: compact FileIndex: %w", err)
	}
	if err := s.compaction.maybeCompactTrees(s.hashDB); err != nil {
		return report, fmt.Errorf("store: optimize: compact HashData: %w", err)
	}

	return report, nil
}
