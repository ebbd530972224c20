//go:build !windows

package accounting

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// volumeStats returns the capacity and used bytes of the volume holding path.
func volumeStats(path string) (total, used uint64, err error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	// Bsize is int64 on linux but uint32 on darwin.
	bsize := uint64(stat.Bsize) //nolint:unconvert
	total = uint64(stat.Blocks) * bsize
	used = total - uint64(stat.Bfree)*bsize
	return total, used, nil
}
