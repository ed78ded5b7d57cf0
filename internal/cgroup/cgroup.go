// Package cgroup manages per-job cgroup-v2 directories. A job's process is
// placed in its own cgroup so memory and CPU ceilings are enforced by the
// kernel, and so usage sampling reads accurate per-job numbers instead of
// process-tree estimates.
package cgroup

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultRoot is where cgroup-v2 is mounted on a standard system.
	DefaultRoot = "/sys/fs/cgroup"

	cpuPeriodMicros = 100000
)

// Limits are the kernel-enforced ceilings for one job's cgroup. Zero values
// leave the corresponding controller unrestricted.
type Limits struct {
	// CPUMaxPercent caps CPU time as a percentage of one core, so 200
	// means two full cores.
	CPUMaxPercent int64

	// MemoryMaxBytes caps resident memory. The kernel OOM-kills the
	// process when it is exceeded.
	MemoryMaxBytes int64
}

// Usage is a point-in-time sample of a cgroup's consumption.
type Usage struct {
	// MemoryBytes is current resident memory across the cgroup.
	MemoryBytes int64

	// CPUTime is cumulative CPU time consumed. Callers derive a percentage
	// by differencing consecutive samples.
	CPUTime time.Duration
}

// Cgroup is one job's cgroup directory.
type Cgroup struct {
	name string
	path string
}

// ValidateRoot checks that root looks like a cgroup-v2 mount point.
func ValidateRoot(root string) error {
	if _, err := os.Stat(filepath.Join(root, "cgroup.controllers")); err != nil {
		return fmt.Errorf("cgroup root not valid at %s: %w", root, err)
	}
	return nil
}

// Create makes a cgroup directory for the named job under root and applies
// the given limits. The directory is removed again by Destroy.
func Create(root, name string, limits Limits) (*Cgroup, error) {
	cg := &Cgroup{
		name: name,
		path: filepath.Join(root, "jobengine-"+name),
	}

	if err := os.MkdirAll(cg.path, 0o755); err != nil {
		return nil, fmt.Errorf("make cgroup dir: %w", err)
	}

	if err := cg.applyLimits(limits); err != nil {
		os.RemoveAll(cg.path)
		return nil, err
	}

	return cg, nil
}

// Join moves the process with the given pid into the cgroup.
func (c *Cgroup) Join(pid int) error {
	procs := filepath.Join(c.path, "cgroup.procs")

	if err := os.WriteFile(procs, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return fmt.Errorf("add process to cgroup: %w", err)
	}

	return nil
}

// Sample reads the cgroup's current memory and cumulative CPU consumption.
func (c *Cgroup) Sample() (Usage, error) {
	var usage Usage

	memRaw, err := os.ReadFile(filepath.Join(c.path, "memory.current"))
	if err != nil {
		return Usage{}, fmt.Errorf("read memory.current: %w", err)
	}

	mem, err := strconv.ParseInt(strings.TrimSpace(string(memRaw)), 10, 64)
	if err != nil {
		return Usage{}, fmt.Errorf("parse memory.current: %w", err)
	}
	usage.MemoryBytes = mem

	cpuRaw, err := os.ReadFile(filepath.Join(c.path, "cpu.stat"))
	if err != nil {
		return Usage{}, fmt.Errorf("read cpu.stat: %w", err)
	}

	for _, line := range strings.Split(string(cpuRaw), "\n") {
		key, value, ok := strings.Cut(line, " ")
		if !ok || key != "usage_usec" {
			continue
		}

		usec, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return Usage{}, fmt.Errorf("parse cpu.stat usage_usec: %w", err)
		}

		usage.CPUTime = time.Duration(usec) * time.Microsecond
		break
	}

	return usage, nil
}

// Destroy removes the cgroup directory. The kernel refuses removal while
// member processes are alive, so callers destroy only after reaping.
func (c *Cgroup) Destroy() error {
	if err := os.RemoveAll(c.path); err != nil {
		return fmt.Errorf("remove cgroup: %w", err)
	}

	return nil
}

// Name returns the job name the cgroup was created for.
func (c *Cgroup) Name() string {
	return c.name
}

// Path returns the cgroup directory path.
func (c *Cgroup) Path() string {
	return c.path
}

func (c *Cgroup) applyLimits(limits Limits) error {
	if limits.CPUMaxPercent > 0 {
		quota := (limits.CPUMaxPercent * cpuPeriodMicros) / 100
		value := fmt.Sprintf("%d %d", quota, cpuPeriodMicros)

		if err := os.WriteFile(filepath.Join(c.path, "cpu.max"), []byte(value), 0o644); err != nil {
			return fmt.Errorf("write cpu.max: %w", err)
		}
	}

	if limits.MemoryMaxBytes > 0 {
		value := strconv.FormatInt(limits.MemoryMaxBytes, 10)

		if err := os.WriteFile(filepath.Join(c.path, "memory.max"), []byte(value), 0o644); err != nil {
			return fmt.Errorf("write memory.max: %w", err)
		}
	}

	return nil
}
