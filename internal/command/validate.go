package command

import "fmt"

// Codec and format identifiers are checked against allow-lists rather than
// passed through to the tool unchecked. "copy" is always permitted.
var (
	allowedVideoCodecs = map[string]bool{
		"libx264":    true,
		"libx265":    true,
		"libvpx-vp9": true,
		"libaom-av1": true,
		"h264_nvenc": true,
		"hevc_nvenc": true,
		"mpeg2video": true,
		"mjpeg":      true,
		"copy":       true,
	}

	allowedAudioCodecs = map[string]bool{
		"aac":        true,
		"libopus":    true,
		"libmp3lame": true,
		"libvorbis":  true,
		"flac":       true,
		"pcm_s16le":  true,
		"copy":       true,
	}

	allowedFormats = map[string]bool{
		"mp4":      true,
		"mov":      true,
		"matroska": true,
		"webm":     true,
		"mpegts":   true,
		"hls":      true,
		"wav":      true,
		"mp3":      true,
		"flac":     true,
		"ogg":      true,
		"null":     true,
	}

	// Codec families whose encoders reject odd frame dimensions.
	evenDimensionCodecs = map[string]bool{
		"libx264":    true,
		"libx265":    true,
		"libvpx-vp9": true,
		"libaom-av1": true,
		"h264_nvenc": true,
		"hevc_nvenc": true,
	}
)

func validateInput(i int, in InputSpec) error {
	field := func(name string) string { return fmt.Sprintf("input[%d].%s", i, name) }

	// NOTE: Input file existence is deliberately not checked here. That keeps
	// Build pure and synchronous; a missing file surfaces as a spawn-time or
	// exit-code failure instead.
	if in.Path == "" {
		return newValidationError(field("path"), "path is required")
	}

	if in.Seek < 0 {
		return newValidationError(field("seek"), "must not be negative")
	}

	if in.Duration < 0 {
		return newValidationError(field("duration"), "must not be negative")
	}

	if in.Format != "" && !allowedFormats[in.Format] {
		return newValidationError(field("format"), "unsupported format %q", in.Format)
	}

	return nil
}

func validateOutput(i int, out OutputSpec) error {
	field := func(name string) string { return fmt.Sprintf("output[%d].%s", i, name) }

	if out.Path == "" {
		return newValidationError(field("path"), "path is required")
	}

	if out.Format != "" && !allowedFormats[out.Format] {
		return newValidationError(field("format"), "unsupported format %q", out.Format)
	}

	if out.VideoCodec != "" && !allowedVideoCodecs[out.VideoCodec] {
		return newValidationError(field("videoCodec"), "unsupported codec %q", out.VideoCodec)
	}

	if out.AudioCodec != "" && !allowedAudioCodecs[out.AudioCodec] {
		return newValidationError(field("audioCodec"), "unsupported codec %q", out.AudioCodec)
	}

	if out.VideoBitrate < 0 {
		return newValidationError(field("videoBitrate"), "must be positive")
	}

	if out.AudioBitrate < 0 {
		return newValidationError(field("audioBitrate"), "must be positive")
	}

	if out.FrameRate < 0 {
		return newValidationError(field("frameRate"), "must be positive")
	}

	if (out.Width < 0 || out.Height < 0) ||
		(out.Width == 0) != (out.Height == 0) {
		return newValidationError(
			field("dimensions"),
			"width and height must both be positive or both unset",
		)
	}

	if out.Width > 0 && evenDimensionCodecs[out.VideoCodec] &&
		(out.Width%2 != 0 || out.Height%2 != 0) {
		return newValidationError(
			field("dimensions"),
			"%s requires even dimensions, got %dx%d",
			out.VideoCodec, out.Width, out.Height,
		)
	}

	return nil
}
