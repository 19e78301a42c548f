// Package sfv parses per-directory checksum manifest files (*.sfv) and
// checks real file content against the CRC-32 values they record.
package sfv

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/airdcpp/hashstore/internal/crc32filter"
	"github.com/airdcpp/hashstore/internal/filereader"
)

// maxFileSize caps how large a single .sfv file may be before it is
// rejected as not a proper manifest.
const maxFileSize = 1 << 20

// DirReader holds the parsed name(lowercase)->CRC32 mapping for every *.sfv
// file found in one directory.
type DirReader struct {
	dir     string
	content map[string]uint32
	failed  []string
}

// LoadPath scans dir for *.sfv files and parses each. A file that is missing,
// too large, or contains no valid lines is recorded in Failed() and skipped;
// it is not an error to call LoadPath on a directory with no .sfv files at
// all, since "no CRC expected" is a legal outcome for every name.
func LoadPath(dir string) (*DirReader, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.sfv"))
	if err != nil {
		return nil, fmt.Errorf("sfv: glob %s: %w", dir, err)
	}

	r := &DirReader{dir: dir, content: make(map[string]uint32)}
	for _, path := range matches {
		if err := r.loadFile(path); err != nil {
			r.failed = append(r.failed, path)
		}
	}
	return r, nil
}

func (r *DirReader) loadFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() > maxFileSize {
		return fmt.Errorf("sfv: %s too large (%d bytes)", path, info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	hasValidLines := false
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		if r.parseLine(scanner.Text()) {
			hasValidLines = true
		}
	}
	if !hasValidLines {
		return fmt.Errorf("sfv: %s has no valid lines", path)
	}
	return nil
}

// parseLine parses one line of the form "name ... XXXXXXXX" where XXXXXXXX
// is an 8-hex-digit CRC-32. Comment lines (leading ';') and lines naming a
// sub-path (containing '\\') are skipped. Reports whether the line was
// recognized as belonging to a (possibly skipped) SFV entry, matching the
// original's hasValidLines bookkeeping: a sub-path line still counts as
// "the file parsed", it just isn't added to content.
func (r *DirReader) parseLine(line string) bool {
	if strings.HasPrefix(line, ";") {
		return false
	}
	if strings.ContainsRune(line, '\\') {
		return true
	}

	pos := strings.LastIndex(line, " ")
	if pos < 0 {
		return false
	}
	crcText := strings.TrimSpace(line[pos+1:])
	if len(crcText) != 8 {
		return false
	}
	crcBytes, err := hex.DecodeString(crcText)
	if err != nil || len(crcBytes) != 4 {
		return false
	}
	crc := uint32(crcBytes[0])<<24 | uint32(crcBytes[1])<<16 | uint32(crcBytes[2])<<8 | uint32(crcBytes[3])

	name := strings.TrimSpace(line[:pos])
	if len(name) >= 2 && strings.HasPrefix(name, `"`) && strings.HasSuffix(name, `"`) {
		name = name[1 : len(name)-1]
	}
	name = strings.ToLower(name)
	if name == "" {
		return false
	}

	r.content[name] = crc
	return true
}

// HasFile reports the expected CRC-32 for nameLower, if this directory's SFV
// manifests recorded one.
func (r *DirReader) HasFile(nameLower string) (uint32, bool) {
	crc, ok := r.content[nameLower]
	return crc, ok
}

// Failed lists the .sfv files that could not be parsed (too large, unreadable,
// or containing no valid lines).
func (r *DirReader) Failed() []string {
	return append([]string(nil), r.failed...)
}

// IsCrcValid streams nameLower (resolved against the directory this reader
// was loaded from) through a CRC-32 filter and compares it against the
// manifest value. A name with no recorded CRC is considered valid, matching
// "missing or empty SFV content simply means no CRC expected".
func (r *DirReader) IsCrcValid(ctx context.Context, nameLower string) (bool, error) {
	expected, ok := r.content[nameLower]
	if !ok {
		return true, nil
	}

	filter := crc32filter.New()
	_, err := filereader.Read(ctx, filepath.Join(r.dir, nameLower), 0, filereader.Async, func(chunk []byte) bool {
		filter.Write(chunk)
		return true
	})
	if err != nil {
		return false, fmt.Errorf("sfv: checksum %s: %w", nameLower, err)
	}
	return filter.Matches(expected), nil
}
