//go:build linux || darwin || freebsd || openbsd || netbsd

package deviceid

import "syscall"

func resolve(path string) (ID, bool) {
	var st syscall.Stat_t
	if err := syscall.Stat(path, &st); err != nil {
		return 0, false
	}
	return ID(st.Dev), true
}
