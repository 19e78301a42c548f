//go:build windows

package deviceid

import (
	"path/filepath"
	"syscall"
)

func resolve(path string) (ID, bool) {
	root := filepath.VolumeName(filepath.Dir(path)) + `\`
	rootPtr, err := syscall.UTF16PtrFromString(root)
	if err != nil {
		return 0, false
	}

	var serial uint32
	if err := syscall.GetVolumeInformation(rootPtr, nil, 0, &serial, nil, nil, nil, 0); err != nil {
		return 0, false
	}
	return ID(serial), true
}
