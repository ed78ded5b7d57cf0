package executor

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// userHZ is the kernel's USER_HZ, the unit of utime/stime in /proc/<pid>/stat.
// It is 100 on every mainstream Linux configuration.
const userHZ = 100

// sampleProc reads a process's resident memory and cumulative CPU time from
// procfs. Used when no cgroup is attached to the job.
func sampleProc(pid int) (Usage, error) {
	var usage Usage

	status, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return Usage{}, fmt.Errorf("read proc status: %w", err)
	}

	for _, line := range strings.Split(string(status), "\n") {
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}

		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return Usage{}, fmt.Errorf("parse VmRSS: %w", err)
		}

		usage.MemoryBytes = kb * 1024
		break
	}

	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return Usage{}, fmt.Errorf("read proc stat: %w", err)
	}

	// The comm field is parenthesised and may contain spaces; everything
	// after the closing paren is space-separated. utime and stime are
	// fields 14 and 15 of the full line, i.e. indexes 11 and 12 after ')'.
	_, rest, ok := strings.Cut(string(stat), ") ")
	if !ok {
		return Usage{}, fmt.Errorf("malformed proc stat for pid %d", pid)
	}

	fields := strings.Fields(rest)
	if len(fields) < 13 {
		return Usage{}, fmt.Errorf("malformed proc stat for pid %d", pid)
	}

	utime, err := strconv.ParseInt(fields[11], 10, 64)
	if err != nil {
		return Usage{}, fmt.Errorf("parse utime: %w", err)
	}

	stime, err := strconv.ParseInt(fields[12], 10, 64)
	if err != nil {
		return Usage{}, fmt.Errorf("parse stime: %w", err)
	}

	usage.CPUTime = time.Duration(utime+stime) * time.Second / userHZ

	return usage, nil
}
