//go:build linux

package hostdl

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// moduleRange walks /proc/self/maps and returns the lowest start address and
// total extent of every mapping backed by path.
func moduleRange(path string) (uint64, uint64, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}

	raw, err := os.ReadFile("/proc/self/maps")
	if err != nil {
		return 0, 0, fmt.Errorf("read /proc/self/maps: %w", err)
	}

	var low, high uint64
	found := false
	for _, line := range strings.Split(string(raw), "\n") {
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) < 6 {
			continue
		}
		mapped := strings.TrimSuffix(strings.Join(fields[5:], " "), " (deleted)")
		if mapped != abs {
			continue
		}
		rangeParts := strings.SplitN(fields[0], "-", 2)
		if len(rangeParts) != 2 {
			continue
		}
		start, startErr := strconv.ParseUint(rangeParts[0], 16, 64)
		end, endErr := strconv.ParseUint(rangeParts[1], 16, 64)
		if startErr != nil || endErr != nil {
			continue
		}
		if !found || start < low {
			low = start
		}
		if end > high {
			high = end
		}
		found = true
	}
	if !found {
		return 0, 0, fmt.Errorf("module %s not present in process map", path)
	}
	return low, high - low, nil
}
