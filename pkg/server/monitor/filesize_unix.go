//go:build !windows

package monitor

import "golang.org/x/sys/unix"

// allocatedSize returns the bytes allocated to path from its stat blocks.
func allocatedSize(path string) (int64, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, err
	}
	return int64(st.Blocks) * 512, nil
}
