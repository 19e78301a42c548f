// Package config provides the functional-options surface for the hash
// store and hash manager: a zero-value-safe Options struct, defaults applied by Resolve, and small With* constructors that
// return an Option closure.
package config

import "time"

// Options holds the tunables recognized by the hash store and hash
// manager.
type Options struct {
	// MaxHashingThreads upper-bounds the number of concurrent hasher
	// workers.
	MaxHashingThreads int

	// HashersPerVolume caps workers per device; 0 means unlimited.
	HashersPerVolume int

	// MaxHashSpeedMiBps rate-limits each worker's throughput; 0 means
	// unlimited.
	MaxHashSpeedMiBps int

	// DBCacheSizeMiB sizes the LRU block cache passed to each KV engine.
	DBCacheSizeMiB int

	// LogHashing, when true, logs a line for every successfully hashed
	// file in addition to failures.
	LogHashing bool

	// RetentionWindow bounds how long a HashData record that is not
	// reachable from any live FileIndex entry is kept before the next
	// optimize() pass is allowed to prune it. Zero disables the grace
	// period and prunes orphans immediately, matching the original's
	// single-pass sweep.
	RetentionWindow time.Duration
}

// Option mutates an Options value during resolution.
type Option func(*Options)

// Resolve applies defaults and then opts, in order, to produce a usable
// Options value.
func Resolve(opts ...Option) *Options {
	o := &Options{
		MaxHashingThreads: 1,
		HashersPerVolume:  1,
		MaxHashSpeedMiBps: 0,
		DBCacheSizeMiB:    16,
		LogHashing:        true,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.MaxHashingThreads < 1 {
		o.MaxHashingThreads = 1
	}
	if o.HashersPerVolume < 0 {
		o.HashersPerVolume = 0
	}
	if o.MaxHashSpeedMiBps < 0 {
		o.MaxHashSpeedMiBps = 0
	}
	if o.DBCacheSizeMiB < 1 {
		o.DBCacheSizeMiB = 1
	}
	return o
}

// WithMaxHashingThreads sets the upper bound on worker count.
func WithMaxHashingThreads(n int) Option {
	return func(o *Options) { o.MaxHashingThreads = n }
}

// WithHashersPerVolume caps workers per device; 0 means unlimited, 1 means
// one worker per device.
func WithHashersPerVolume(n int) Option {
	return func(o *Options) { o.HashersPerVolume = n }
}

// WithMaxHashSpeedMiBps rate-limits worker throughput; 0 means unlimited.
func WithMaxHashSpeedMiBps(n int) Option {
	return func(o *Options) { o.MaxHashSpeedMiBps = n }
}

// WithDBCacheSizeMiB sizes the LRU block cache passed to each KV engine.
func WithDBCacheSizeMiB(n int) Option {
	return func(o *Options) { o.DBCacheSizeMiB = n }
}

// WithLogHashing toggles per-file success logging.
func WithLogHashing(log bool) Option {
	return func(o *Options) { o.LogHashing = log }
}

// WithRetentionWindow sets the grace period orphaned HashData records are
// kept before being eligible for pruning.
func WithRetentionWindow(d time.Duration) Option {
	return func(o *Options) { o.RetentionWindow = d }
}
