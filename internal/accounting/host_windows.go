//go:build windows

package accounting

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// volumeStats returns the capacity and used bytes of the volume holding path.
func volumeStats(path string) (total, used uint64, err error) {
	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, 0, fmt.Errorf("utf16 path: %w", err)
	}
	var freeAvailable, totalBytes, totalFree uint64
	if err := windows.GetDiskFreeSpaceEx(pathPtr, &freeAvailable, &totalBytes, &totalFree); err != nil {
		return 0, 0, fmt.Errorf("GetDiskFreeSpaceEx %s: %w", path, err)
	}
	return totalBytes, totalBytes - totalFree, nil
}
