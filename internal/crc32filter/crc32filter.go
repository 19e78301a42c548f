// Package crc32filter wraps the standard library's IEEE CRC-32 as a small
// streaming filter used alongside the Tiger-tree hasher when a file carries
// an expected checksum from an SFV manifest.
package crc32filter

import "hash/crc32"

// Filter accumulates an IEEE CRC-32 over bytes fed via Write.
type Filter struct {
	h hash32
}

type hash32 interface {
	Write(p []byte) (int, error)
	Sum32() uint32
	Reset()
}

// New returns a fresh Filter.
func New() *Filter {
	return &Filter{h: crc32.NewIEEE()}
}

// Write feeds p into the running checksum. It never returns an error.
func (f *Filter) Write(p []byte) (int, error) {
	return f.h.Write(p)
}

// Sum32 returns the checksum of the bytes written so far.
func (f *Filter) Sum32() uint32 {
	return f.h.Sum32()
}

// Reset clears the filter back to its initial state.
func (f *Filter) Reset() {
	f.h.Reset()
}

// Matches reports whether the accumulated checksum equals expected.
func (f *Filter) Matches(expected uint32) bool {
	return f.h.Sum32() == expected
}
