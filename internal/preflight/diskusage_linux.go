//go:build linux

package preflight

import "syscall"

// diskUsage returns (free bytes, total bytes) for the filesystem containing
// path.
func diskUsage(path string) (free, total uint64, err error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, 0, err
	}
	return stat.Bavail * uint64(stat.Bsize), stat.Blocks * uint64(stat.Bsize), nil
}
