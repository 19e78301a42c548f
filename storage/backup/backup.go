// Package backup mirrors a point-in-time copy of the hash store's on-disk
// engine directories (FileIndex, HashData) to an external object store, for
// disaster recovery. It is optional and off by default: nothing in this
// module calls into it unless a caller explicitly configures a Target and
// wires it into the hash manager's maintenance cycle.
package backup

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"k8s.io/klog/v2"

	"github.com/airdcpp/hashstore/store"
)

// Target uploads a single named object, replacing any prior object with the
// same key.
type Target interface {
	PutObject(ctx context.Context, key string, r *os.File, size int64) error
}

// Mirror walks dir and uploads every regular file under it to target,
// keyed by label/<path relative to dir>.
func Mirror(ctx context.Context, target Target, label, dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return fmt.Errorf("backup: relativize %s: %w", p, err)
		}

		f, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("backup: open %s: %w", p, err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return fmt.Errorf("backup: stat %s: %w", p, err)
		}

		key := path.Join(label, filepath.ToSlash(rel))
		if err := target.PutObject(ctx, key, f, info.Size()); err != nil {
			return fmt.Errorf("backup: upload %s: %w", key, err)
		}
		klog.V(1).Infof("backup: uploaded %s (%d bytes)", key, info.Size())
		return nil
	})
}

// Snapshot mirrors both of st's engine directories to target. It is meant
// to run immediately after a successful Store.Optimize pass, so the
// snapshot reflects a store already free of orphaned trees and stale
// entries.
func Snapshot(ctx context.Context, target Target, st *store.Store) error {
	fileIndexDir, hashDataDir := st.EngineDirs()
	if err := Mirror(ctx, target, "FileIndex", fileIndexDir); err != nil {
		return fmt.Errorf("backup: snapshot FileIndex: %w", err)
	}
	if err := Mirror(ctx, target, "HashData", hashDataDir); err != nil {
		return fmt.Errorf("backup: snapshot HashData: %w", err)
	}
	return nil
}
