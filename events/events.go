// Package events defines the notifications the hasher and hash manager emit,
// and a small batched bus that coalesces bursts of them (many small files
// finishing within milliseconds of each other) into fewer dispatches to
// subscribers.
package events

import (
	"time"

	"github.com/airdcpp/hashstore/store"
	"github.com/airdcpp/hashstore/tigertree"
)

// Kind identifies which event a Event carries.
type Kind int

const (
	FileHashed Kind = iota
	FileFailed
	DirectoryHashed
	HasherFinished
	MaintenanceStarted
	MaintenanceFinished
)

// Event is the single notification type pushed through the bus; only the
// fields relevant to Kind are populated.
type Event struct {
	Kind Kind

	// FileHashed / FileFailed
	PathLower string
	Root      tigertree.RootValue
	FileSize  int64

	// DirectoryHashed
	Directory     string
	DirFiles      int
	DirSizeHashed int64
	DirDuration   time.Duration

	// HasherFinished
	TotalFiles      int
	TotalSizeHashed int64
	TotalDuration   time.Duration

	// MaintenanceFinished
	Report store.Report
}

// Listener receives a batch of events flushed from the bus.
type Listener func(batch []Event)
