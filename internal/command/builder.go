package command

import (
	"strconv"
)

// DefaultBinary is the executable invoked when GlobalOptions.Binary is unset.
const DefaultBinary = "ffmpeg"

// Builder collects input/output specs and assembles a validated Command.
// The zero value is not usable; create one with NewBuilder. Builders are not
// safe for concurrent use and are intended to be used once.
type Builder struct {
	inputs  []InputSpec
	outputs []OutputSpec
	global  GlobalOptions
}

// NewBuilder creates an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// AddInput appends an input spec. Validation happens in Build.
func (b *Builder) AddInput(in InputSpec) *Builder {
	b.inputs = append(b.inputs, in)
	return b
}

// AddOutput appends an output spec. Validation happens in Build.
func (b *Builder) AddOutput(out OutputSpec) *Builder {
	b.outputs = append(b.outputs, out)
	return b
}

// SetGlobalOptions replaces the invocation-wide options.
func (b *Builder) SetGlobalOptions(g GlobalOptions) *Builder {
	b.global = g
	return b
}

// Build validates the collected specs and produces an immutable Command.
// Failures are ValidationError values addressing the offending field, so the
// caller can report precisely what to fix. Build performs no I/O.
func (b *Builder) Build() (Command, error) {
	if len(b.inputs) == 0 {
		return Command{}, newValidationError("inputs", "at least one input is required")
	}

	if len(b.outputs) == 0 {
		return Command{}, newValidationError("outputs", "at least one output is required")
	}

	for i, in := range b.inputs {
		if err := validateInput(i, in); err != nil {
			return Command{}, err
		}
	}

	outputs := make([]OutputSpec, len(b.outputs))
	for i, out := range b.outputs {
		resolved, err := applyPreset(i, out)
		if err != nil {
			return Command{}, err
		}

		if err := validateOutput(i, resolved); err != nil {
			return Command{}, err
		}

		outputs[i] = resolved
	}

	cmd := Command{
		Binary: b.global.Binary,
		Stdin:  RedirectNull,
		Stdout: RedirectNull,
	}
	if cmd.Binary == "" {
		cmd.Binary = DefaultBinary
	}

	cmd.Args = appendGlobalArgs(cmd.Args, b.global)

	for _, in := range b.inputs {
		cmd.Args = appendInputArgs(cmd.Args, in)
		if isStdinPath(in.Path) {
			cmd.Stdin = RedirectPipe
		}
	}

	for _, out := range outputs {
		cmd.Args = appendOutputArgs(cmd.Args, out)
		if isStdoutPath(out.Path) {
			cmd.Stdout = RedirectPipe
		}
	}

	return cmd, nil
}

func appendGlobalArgs(args []string, g GlobalOptions) []string {
	args = append(args, "-hide_banner")

	if g.Overwrite {
		args = append(args, "-y")
	} else {
		args = append(args, "-n")
	}

	logLevel := g.LogLevel
	if logLevel == "" {
		logLevel = "error"
	}
	args = append(args, "-loglevel", logLevel)

	// Machine-readable key=value progress on stderr; -nostats suppresses the
	// human-readable carriage-return status line that would interleave with it.
	args = append(args, "-progress", "pipe:2", "-nostats")

	return append(args, g.ExtraArgs...)
}

func appendInputArgs(args []string, in InputSpec) []string {
	if in.Format != "" {
		args = append(args, "-f", in.Format)
	}

	if in.Seek > 0 {
		args = append(args, "-ss", formatSeconds(in.Seek.Seconds()))
	}

	if in.Duration > 0 {
		args = append(args, "-t", formatSeconds(in.Duration.Seconds()))
	}

	args = append(args, in.Options...)

	return append(args, "-i", in.Path)
}

func appendOutputArgs(args []string, out OutputSpec) []string {
	if out.VideoCodec != "" {
		args = append(args, "-c:v", out.VideoCodec)
	}

	if out.VideoBitrate > 0 {
		args = append(args, "-b:v", strconv.Itoa(out.VideoBitrate))
	}

	if out.Width > 0 {
		args = append(args, "-s", strconv.Itoa(out.Width)+"x"+strconv.Itoa(out.Height))
	}

	if out.FrameRate > 0 {
		args = append(args, "-r", strconv.Itoa(out.FrameRate))
	}

	if out.AudioCodec != "" {
		args = append(args, "-c:a", out.AudioCodec)
	}

	if out.AudioBitrate > 0 {
		args = append(args, "-b:a", strconv.Itoa(out.AudioBitrate))
	}

	if out.Format != "" {
		args = append(args, "-f", out.Format)
	}

	args = append(args, out.Options...)

	return append(args, out.Path)
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', -1, 64)
}

func isStdinPath(path string) bool {
	return path == "-" || path == "pipe:0"
}

func isStdoutPath(path string) bool {
	return path == "-" || path == "pipe:1"
}
