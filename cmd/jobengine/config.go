package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

type config struct {
	maxConcurrent int
	queueCapacity int
	timeout       time.Duration
	grace         time.Duration
	tempRoot      string
	cgroupRoot    string
	memLimit      sizeValue
	memBudget     sizeValue
	cpuLimit      int
	debug         bool
}

func (c *config) validate() error {
	if c.maxConcurrent < 1 {
		return errors.New("max-concurrent must be at least 1")
	}

	if c.queueCapacity < 1 {
		return errors.New("queue-capacity must be at least 1")
	}

	if c.timeout < 0 {
		return errors.New("timeout cannot be negative")
	}

	if c.cpuLimit < 0 {
		return errors.New("cpu-limit cannot be negative")
	}

	return nil
}

// sizeValue is a pflag.Value accepting byte sizes with optional binary
// suffixes, e.g. "512M" or "2G".
type sizeValue int64

var _ pflag.Value = (*sizeValue)(nil)

func (s *sizeValue) String() string {
	if *s == 0 {
		return "0"
	}

	return strconv.FormatInt(int64(*s), 10)
}

func (s *sizeValue) Type() string {
	return "size"
}

func (s *sizeValue) Set(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("empty size")
	}

	multiplier := int64(1)
	switch suffix := raw[len(raw)-1]; suffix {
	case 'K', 'k':
		multiplier = 1 << 10
		raw = raw[:len(raw)-1]
	case 'M', 'm':
		multiplier = 1 << 20
		raw = raw[:len(raw)-1]
	case 'G', 'g':
		multiplier = 1 << 30
		raw = raw[:len(raw)-1]
	}

	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("parse size %q: %w", raw, err)
	}

	if n < 0 {
		return errors.New("size cannot be negative")
	}

	*s = sizeValue(n * multiplier)

	return nil
}
