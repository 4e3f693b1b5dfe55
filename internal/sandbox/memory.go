package sandbox

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"
)

const (
	defaultMemoryLimit = 1 << 30
	memoryConsidered   = 10 << 30
	memoryReserved     = 200 << 20
	memoryFloor        = 64 << 20
)

// MemoryLimit returns the address space limit for decoder processes. A
// positive configured value is used as is, a negative one disables the
// limit (returned as 0), and zero derives the limit from available memory.
func MemoryLimit(configured int64) uint64 {
	switch {
	case configured > 0:
		return uint64(configured)
	case configured < 0:
		return 0
	}

	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return defaultMemoryLimit
	}
	defer f.Close()

	available, ok := memAvailable(f)
	if !ok {
		return defaultMemoryLimit
	}
	return calculateMemoryLimit(available)
}

// memAvailable extracts MemAvailable in bytes from /proc/meminfo content
func memAvailable(r io.Reader) (uint64, bool) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, false
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, false
		}
		if kb > (1<<64-1)/1024 {
			return 1<<64 - 1, true
		}
		return kb * 1024, true
	}
	return 0, false
}

// calculateMemoryLimit keeps 200 MiB free, considers at most 10 GiB and
// grants 80% of the rest, never less than 64 MiB
func calculateMemoryLimit(available uint64) uint64 {
	considered := min(available, memoryConsidered)
	if considered <= memoryReserved {
		return memoryFloor
	}
	return max(uint64(float64(considered-memoryReserved)*0.8), memoryFloor)
}
