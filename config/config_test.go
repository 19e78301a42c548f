package config

import "testing"

func TestResolveDefaults(t *testing.T) {
	o := Resolve()
	if o.MaxHashingThreads != 1 {
		t.Errorf("MaxHashingThreads = %d, want 1", o.MaxHashingThreads)
	}
	if !o.LogHashing {
		t.Errorf("LogHashing = false, want true by default")
	}
	if o.DBCacheSizeMiB != 16 {
		t.Errorf("DBCacheSizeMiB = %d, want 16", o.DBCacheSizeMiB)
	}
}

func TestResolveAppliesOptions(t *testing.T) {
	o := Resolve(
		WithMaxHashingThreads(4),
		WithHashersPerVolume(2),
		WithMaxHashSpeedMiBps(50),
		WithDBCacheSizeMiB(64),
		WithLogHashing(false),
	)
	if o.MaxHashingThreads != 4 {
		t.Errorf("MaxHashingThreads = %d, want 4", o.MaxHashingThreads)
	}
	if o.HashersPerVolume != 2 {
		t.Errorf("HashersPerVolume = %d, want 2", o.HashersPerVolume)
	}
	if o.MaxHashSpeedMiBps != 50 {
		t.Errorf("MaxHashSpeedMiBps = %d, want 50", o.MaxHashSpeedMiBps)
	}
	if o.DBCacheSizeMiB != 64 {
		t.Errorf("DBCacheSizeMiB = %d, want 64", o.DBCacheSizeMiB)
	}
	if o.LogHashing {
		t.Errorf("LogHashing = true, want false")
	}
}

func TestResolveClampsInvalidValues(t *testing.T) {
	o := Resolve(
		WithMaxHashingThreads(0),
		WithHashersPerVolume(-5),
		WithMaxHashSpeedMiBps(-1),
		WithDBCacheSizeMiB(-1),
	)
	if o.MaxHashingThreads != 1 {
		t.Errorf("MaxHashingThreads = %d, want clamped to 1", o.MaxHashingThreads)
	}
	if o.HashersPerVolume != 0 {
		t.Errorf("HashersPerVolume = %d, want clamped to 0", o.HashersPerVolume)
	}
	if o.MaxHashSpeedMiBps != 0 {
		t.Errorf("MaxHashSpeedMiBps = %d, want clamped to 0", o.MaxHashSpeedMiBps)
	}
	if o.DBCacheSizeMiB != 1 {
		t.Errorf("DBCacheSizeMiB = %d, want clamped to 1", o.DBCacheSizeMiB)
	}
}
