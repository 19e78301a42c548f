// Package tigertree implements the Tiger Tree Hash (TTH): a Merkle tree of
// Tiger digests over fixed-size blocks of a file, used throughout this
// module as the content address of a file's bytes.
package tigertree

import (
	"encoding/base32"
	"fmt"

	"github.com/airdcpp/hashstore/internal/tiger"
)

// MinBlockSize is the smallest leaf block size a TigerTree may use.
const MinBlockSize = 65536

const (
	leafDomain = 0x00
	nodeDomain = 0x01
)

// RootValue is a 24-byte Tiger digest: the content address of a file or of
// an internal tree node.
type RootValue [tiger.Size]byte

// String renders the root as 39-character unpadded base-32, the form used
// in persisted keys and in user-facing output.
func (r RootValue) String() string {
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(r[:])
}

// ParseRootValue parses the 39-character unpadded base-32 form produced by
// String back into a RootValue.
func ParseRootValue(s string) (RootValue, error) {
	var r RootValue
	b, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(s)
	if err != nil {
		return r, fmt.Errorf("tigertree: decode root: %w", err)
	}
	if len(b) != tiger.Size {
		return r, fmt.Errorf("tigertree: decoded root has %d bytes, want %d", len(b), tiger.Size)
	}
	copy(r[:], b)
	return r, nil
}

// CalcBlockSize chooses a power-of-two block size so the resulting tree has
// at most 2^maxLevels leaves, never going below MinBlockSize.
func CalcBlockSize(fileSize int64, maxLevels int) int64 {
	blockSize := int64(MinBlockSize)
	maxLeaves := int64(1) << uint(maxLevels)
	for (fileSize+blockSize-1)/blockSize > maxLeaves {
		blockSize *= 2
	}
	return blockSize
}

// TigerTree incrementally builds a Tiger Tree Hash over a byte stream.
type TigerTree struct {
	blockSize int64
	fileSize  int64
	leaves    []RootValue
	pending   []byte
	finalized bool
	root      RootValue
}

// New returns a TigerTree that hashes blocks of blockSize bytes (clamped up
// to MinBlockSize).
func New(blockSize int64) *TigerTree {
	if blockSize < MinBlockSize {
		blockSize = MinBlockSize
	}
	return &TigerTree{blockSize: blockSize}
}

// Update feeds bytes into the tree. It may be called with arbitrary-sized
// chunks; complete leaf blocks are hashed and dropped from memory as soon
// as they are seen.
func (t *TigerTree) Update(p []byte) {
	t.fileSize += int64(len(p))
	t.pending = append(t.pending, p...)
	for int64(len(t.pending)) >= t.blockSize {
		leaf := hashLeaf(t.pending[:t.blockSize])
		t.leaves = append(t.leaves, leaf)
		rest := make([]byte, len(t.pending)-int(t.blockSize))
		copy(rest, t.pending[t.blockSize:])
		t.pending = rest
	}
}

// Finalize hashes any trailing partial block and combines leaves pairwise
// until a single root remains. It is idempotent.
func (t *TigerTree) Finalize() RootValue {
	if t.finalized {
		return t.root
	}
	if len(t.pending) > 0 || len(t.leaves) == 0 {
		t.leaves = append(t.leaves, hashLeaf(t.pending))
	}
	t.pending = nil
	t.root = combineToRoot(t.leaves)
	t.finalized = true
	return t.root
}

// GetRoot returns the root computed by Finalize; it is the zero value until
// Finalize has been called.
func (t *TigerTree) GetRoot() RootValue { return t.root }

// GetLeaves returns the leaf digests. For the single-leaf degenerate case
// (fileSize <= blockSize) this has length 1 and its element equals the root.
func (t *TigerTree) GetLeaves() []RootValue { return t.leaves }

// GetFileSize returns the total number of bytes fed via Update.
func (t *TigerTree) GetFileSize() int64 { return t.fileSize }

// GetBlockSize returns the leaf block size this tree was built with.
func (t *TigerTree) GetBlockSize() int64 { return t.blockSize }

// From reconstructs a TigerTree from a persisted record: fileSize,
// blockSize and the leaf sequence. leaves is empty for the single-leaf
// degenerate serialization (n=0 convention); in that case root supplies the
// single leaf/root value directly, since it cannot be recomputed from no
// bytes. When leaves is non-empty, root is ignored here — the caller is
// expected to compare the returned tree's GetRoot() against whatever root it
// expected, so that a mismatch can be reported as corruption rather than a
// silent failure inside the reconstructor.
func From(fileSize, blockSize int64, root RootValue, leaves []RootValue) (*TigerTree, error) {
	if blockSize < MinBlockSize {
		return nil, fmt.Errorf("tigertree: blockSize %d below minimum %d", blockSize, MinBlockSize)
	}
	t := &TigerTree{
		blockSize: blockSize,
		fileSize:  fileSize,
		finalized: true,
	}
	if len(leaves) == 0 {
		t.leaves = []RootValue{root}
		t.root = root
		return t, nil
	}
	t.leaves = append([]RootValue(nil), leaves...)
	t.root = combineToRoot(t.leaves)
	return t, nil
}

func hashLeaf(block []byte) RootValue {
	d := tiger.New()
	_, _ = d.Write([]byte{leafDomain})
	_, _ = d.Write(block)
	var r RootValue
	copy(r[:], d.Sum(nil))
	return r
}

func hashNode(a, b RootValue) RootValue {
	d := tiger.New()
	_, _ = d.Write([]byte{nodeDomain})
	_, _ = d.Write(a[:])
	_, _ = d.Write(b[:])
	var r RootValue
	copy(r[:], d.Sum(nil))
	return r
}

// combineToRoot reduces a leaf sequence to a single root, promoting an odd
// trailing leaf unchanged to the next level.
func combineToRoot(leaves []RootValue) RootValue {
	if len(leaves) == 0 {
		return hashLeaf(nil)
	}
	level := leaves
	for len(level) > 1 {
		next := make([]RootValue, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashNode(level[i], level[i+1]))
			} else {
				next = append(next, level[i])
			}
		}
		level = next
	}
	return level[0]
}
