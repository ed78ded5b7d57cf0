// Package command assembles and validates media tool invocations. A Builder
// collects typed input/output specs and produces an immutable Command holding
// a plain argv array. Arguments are never joined into a shell string, so there
// is no escaping logic and no injection surface.
package command

import "time"

// RedirectMode declares how a process standard stream is wired at spawn time.
type RedirectMode int

const (
	// RedirectNull discards the stream.
	RedirectNull RedirectMode = iota

	// RedirectInherit attaches the parent's OS handle.
	RedirectInherit

	// RedirectPipe exposes the stream as a pipe for streaming-mode jobs.
	RedirectPipe
)

// InputSpec describes a single input to the media tool.
type InputSpec struct {
	// Path is the input location. "-" or "pipe:0" reads from stdin.
	Path string

	// Format forces a demuxer instead of relying on probing.
	Format string

	// Seek skips to the given offset before decoding.
	Seek time.Duration

	// Duration limits how much of the input is read.
	Duration time.Duration

	// Options are appended verbatim before the input flag.
	Options []string
}

// OutputSpec describes a single output produced by the media tool.
type OutputSpec struct {
	// Path is the output location. "-" or "pipe:1" writes to stdout.
	Path string

	// Preset names a registered preset whose values fill any zero fields
	// before validation. See Presets.
	Preset string

	Format     string
	VideoCodec string
	AudioCodec string

	// VideoBitrate and AudioBitrate are in bits per second.
	VideoBitrate int
	AudioBitrate int

	Width     int
	Height    int
	FrameRate int

	// Options are appended verbatim before the output path.
	Options []string
}

// GlobalOptions apply to the whole invocation rather than one stream.
type GlobalOptions struct {
	// Binary is the executable to invoke. Defaults to "ffmpeg".
	Binary string

	// Overwrite replaces existing output files instead of failing.
	Overwrite bool

	// LogLevel sets the tool's diagnostic verbosity, e.g. "error".
	LogLevel string

	// ExtraArgs are appended verbatim after the built-in global flags.
	ExtraArgs []string
}

// Command is a validated, fully-resolved invocation. It is produced once by
// Builder.Build and never mutated afterwards.
type Command struct {
	Binary string
	Args   []string

	// Stdin and Stdout wiring, derived from the declared input/output paths.
	// The machine-readable progress stream always arrives on stderr.
	Stdin  RedirectMode
	Stdout RedirectMode
}
