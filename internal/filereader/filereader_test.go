package filereader

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func readAll(t *testing.T, path string, blockSize int, strategy Strategy) []byte {
	t.Helper()
	var got []byte
	n, err := Read(context.Background(), path, blockSize, strategy, func(chunk []byte) bool {
		got = append(got, chunk...)
		return true
	})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if int(n) != len(got) {
		t.Fatalf("Read returned n=%d, callback saw %d bytes", n, len(got))
	}
	return got
}

func TestSyncReadMatchesContent(t *testing.T) {
	data := bytes.Repeat([]byte{0x42}, 10000)
	path := writeTempFile(t, data)

	got := readAll(t, path, 777, Sync)
	if !bytes.Equal(got, data) {
		t.Fatalf("sync read mismatch: got %d bytes, want %d", len(got), len(data))
	}
}

func TestAsyncReadMatchesContent(t *testing.T) {
	data := make([]byte, 200000)
	for i := range data {
		data[i] = byte(i)
	}
	path := writeTempFile(t, data)

	got := readAll(t, path, 4096, Async)
	if !bytes.Equal(got, data) {
		t.Fatalf("async read mismatch: got %d bytes, want %d", len(got), len(data))
	}
}

func TestAsyncAndSyncAgree(t *testing.T) {
	data := bytes.Repeat([]byte{0x07, 0x08, 0x09}, 50000)
	path := writeTempFile(t, data)

	sync := readAll(t, path, 1000, Sync)
	async := readAll(t, path, 1000, Async)
	if !bytes.Equal(sync, async) {
		t.Fatalf("sync and async reads disagree")
	}
}

func TestEmptyFile(t *testing.T) {
	path := writeTempFile(t, nil)

	calls := 0
	n, err := Read(context.Background(), path, 4096, Sync, func(chunk []byte) bool {
		calls++
		return true
	})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 0 || calls != 0 {
		t.Fatalf("Read(empty) = (%d, calls=%d), want (0, 0)", n, calls)
	}
}

func TestCallbackStopsEarly(t *testing.T) {
	data := bytes.Repeat([]byte{0x01}, 10000)
	path := writeTempFile(t, data)

	seen := 0
	n, err := Read(context.Background(), path, 1000, Sync, func(chunk []byte) bool {
		seen++
		return seen < 2
	})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if seen != 2 {
		t.Fatalf("callback invoked %d times, want 2", seen)
	}
	if n != 2000 {
		t.Fatalf("Read returned n=%d, want 2000", n)
	}
}

func TestCallbackStopsEarlyAsync(t *testing.T) {
	data := bytes.Repeat([]byte{0x01}, 10000)
	path := writeTempFile(t, data)

	seen := 0
	n, err := Read(context.Background(), path, 1000, Async, func(chunk []byte) bool {
		seen++
		return seen < 2
	})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if seen != 2 {
		t.Fatalf("callback invoked %d times, want 2", seen)
	}
	if n != 2000 {
		t.Fatalf("Read returned n=%d, want 2000", n)
	}
}

func TestMissingFileErrors(t *testing.T) {
	_, err := Read(context.Background(), filepath.Join(t.TempDir(), "nope"), 4096, Sync, func([]byte) bool { return true })
	if err == nil {
		t.Fatalf("expected an error for a missing file")
	}
}

func TestContextCancellation(t *testing.T) {
	data := bytes.Repeat([]byte{0x01}, 100000)
	path := writeTempFile(t, data)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Read(ctx, path, 1000, Sync, func([]byte) bool { return true })
	if err == nil {
		t.Fatalf("expected a context error")
	}
}
