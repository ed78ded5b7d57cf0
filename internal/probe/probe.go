// Package probe extracts stream metadata from media files by invoking
// ffprobe. The engine consumes only the total duration, which the progress
// tracker needs to derive completion percentages.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"time"
)

// Info is the subset of probed metadata the engine cares about.
type Info struct {
	// Duration is the container duration, zero if the input has none
	// (e.g. live streams and raw elementary streams).
	Duration time.Duration

	// Format is the demuxer name reported by the probe.
	Format string

	// BitRate is the overall bitrate in bits per second, zero if unknown.
	BitRate int64

	// Streams counts the media streams in the container.
	Streams int
}

// Prober supplies media metadata for an input path. It is treated as an
// opaque synchronous collaborator, called once per job during dispatch.
type Prober interface {
	Probe(ctx context.Context, path string) (Info, error)
}

// FFProbe probes media files by running the ffprobe binary.
type FFProbe struct {
	binary string
}

// NewFFProbe creates an FFProbe invoking the given binary, or "ffprobe" if
// empty.
func NewFFProbe(binary string) *FFProbe {
	if binary == "" {
		binary = "ffprobe"
	}
	return &FFProbe{binary: binary}
}

// ffprobeOutput mirrors the fields of ffprobe's JSON output that Probe reads.
// Numeric values arrive as strings.
type ffprobeOutput struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
		BitRate    string `json:"bit_rate"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
	} `json:"streams"`
}

// Probe runs ffprobe against path and parses its JSON output. The binary is
// invoked with an argv array, never through a shell.
func (f *FFProbe) Probe(ctx context.Context, path string) (Info, error) {
	cmd := exec.CommandContext(ctx, f.binary,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return Info{}, fmt.Errorf("probe %s: %w: %s", path, err, stderr.String())
		}
		return Info{}, fmt.Errorf("probe %s: %w", path, err)
	}

	var out ffprobeOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return Info{}, fmt.Errorf("parse probe output for %s: %w", path, err)
	}

	info := Info{
		Format:  out.Format.FormatName,
		Streams: len(out.Streams),
	}

	if out.Format.Duration != "" {
		seconds, err := strconv.ParseFloat(out.Format.Duration, 64)
		if err == nil && seconds > 0 {
			info.Duration = time.Duration(seconds * float64(time.Second))
		}
	}

	if out.Format.BitRate != "" {
		if bitrate, err := strconv.ParseInt(out.Format.BitRate, 10, 64); err == nil {
			info.BitRate = bitrate
		}
	}

	return info, nil
}
