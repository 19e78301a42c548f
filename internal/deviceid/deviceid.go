// Package deviceid resolves the storage device backing a path, used by the
// hasher placement policy to group files on the same physical volume onto
// the same worker.
package deviceid

// ID identifies a storage device. Two paths on the same device return the
// same ID; the value has no meaning beyond equality comparison.
type ID int64

// Resolve returns the device ID backing path. If the underlying stat call
// fails, it returns ID(0), false rather than an error, since an unresolvable
// device degrades the placement policy to "treat as its own volume" instead
// of aborting the hash.
func Resolve(path string) (ID, bool) {
	return resolve(path)
}
