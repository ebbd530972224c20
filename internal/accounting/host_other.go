//go:build !linux

package accounting

func memoryStats() (used, total uint64, err error) {
	return 0, 0, errUnsupported
}

func readCPUTimes() (cpuTimes, error) {
	return cpuTimes{}, errUnsupported
}
