package tiger

import (
	"bytes"
	"testing"
)

func TestSum192Deterministic(t *testing.T) {
	a := Sum192([]byte("the quick brown fox"))
	b := Sum192([]byte("the quick brown fox"))
	if a != b {
		t.Fatalf("expected deterministic digest, got %x vs %x", a, b)
	}
}

func TestSum192Avalanche(t *testing.T) {
	a := Sum192([]byte("block-0000"))
	b := Sum192([]byte("block-0001"))
	if a == b {
		t.Fatalf("expected distinct digests for distinct inputs")
	}
}

func TestWriteChunkingIndependent(t *testing.T) {
	data := bytes.Repeat([]byte{0x42}, 200)

	whole := New()
	_, _ = whole.Write(data)
	wantSum := whole.Sum(nil)

	chunked := New()
	for i := 0; i < len(data); i += 7 {
		end := i + 7
		if end > len(data) {
			end = len(data)
		}
		_, _ = chunked.Write(data[i:end])
	}
	gotSum := chunked.Sum(nil)

	if !bytes.Equal(wantSum, gotSum) {
		t.Fatalf("chunked write produced different digest: %x vs %x", gotSum, wantSum)
	}
}

func TestWriteMatchesSum192(t *testing.T) {
	data := []byte("exercise the multi-block padding path across a boundary that spans more than one 64 byte block")
	d := New()
	_, _ = d.Write(data)
	viaWrite := d.Sum(nil)

	direct := Sum192(data)

	if !bytes.Equal(viaWrite, direct[:]) {
		t.Fatalf("Write/Sum disagree with Sum192: %x vs %x", viaWrite, direct)
	}
}

func TestResetReusesDigest(t *testing.T) {
	d := New()
	_, _ = d.Write([]byte("first"))
	_ = d.Sum(nil)
	d.Reset()
	_, _ = d.Write([]byte("second"))
	got := d.Sum(nil)

	want := Sum192([]byte("second"))
	if !bytes.Equal(got, want[:]) {
		t.Fatalf("digest after Reset does not match fresh hash: %x vs %x", got, want)
	}
}

func TestBlockBoundaryPadding(t *testing.T) {
	// Exercise both the single-block and two-block padding tails: a
	// length that leaves no room for the 8-byte length field in the
	// final block (56..63 mod 64) must spill into a second block.
	for _, n := range []int{0, 1, 55, 56, 63, 64, 119, 120, 127, 128} {
		data := bytes.Repeat([]byte{0x07}, n)
		d := New()
		_, _ = d.Write(data)
		sum := d.Sum(nil)
		if len(sum) != Size {
			t.Fatalf("n=%d: expected %d byte digest, got %d", n, Size, len(sum))
		}
	}
}

func TestSizeAndBlockSize(t *testing.T) {
	d := New()
	if d.Size() != Size {
		t.Fatalf("Size() = %d, want %d", d.Size(), Size)
	}
	if d.BlockSize() != BlockSize {
		t.Fatalf("BlockSize() = %d, want %d", d.BlockSize(), BlockSize)
	}
}
