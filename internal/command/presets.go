package command

import "fmt"

// presets maps a preset name to the OutputSpec values it provides. A preset
// only fills fields the caller left at their zero value, so explicit spec
// values always win.
var presets = map[string]OutputSpec{
	"h264-1080p": {
		VideoCodec:   "libx264",
		AudioCodec:   "aac",
		VideoBitrate: 5_000_000,
		AudioBitrate: 128_000,
		Width:        1920,
		Height:       1080,
		Format:       "mp4",
	},
	"h264-720p": {
		VideoCodec:   "libx264",
		AudioCodec:   "aac",
		VideoBitrate: 2_500_000,
		AudioBitrate: 128_000,
		Width:        1280,
		Height:       720,
		Format:       "mp4",
	},
	"h264-480p": {
		VideoCodec:   "libx264",
		AudioCodec:   "aac",
		VideoBitrate: 1_000_000,
		AudioBitrate: 96_000,
		Width:        854,
		Height:       480,
		Format:       "mp4",
	},
	"hevc-1080p": {
		VideoCodec:   "libx265",
		AudioCodec:   "aac",
		VideoBitrate: 3_000_000,
		AudioBitrate: 128_000,
		Width:        1920,
		Height:       1080,
		Format:       "mp4",
	},
	"vp9-1080p": {
		VideoCodec:   "libvpx-vp9",
		AudioCodec:   "libopus",
		VideoBitrate: 2_800_000,
		AudioBitrate: 128_000,
		Width:        1920,
		Height:       1080,
		Format:       "webm",
	},
	"audio-aac": {
		AudioCodec:   "aac",
		AudioBitrate: 192_000,
		Format:       "mp4",
	},
	"audio-opus": {
		AudioCodec:   "libopus",
		AudioBitrate: 128_000,
		Format:       "ogg",
	},
}

// Presets returns the names of all registered presets.
func Presets() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	return names
}

// applyPreset fills zero fields of out from the named preset. An unknown
// preset name is a validation failure.
func applyPreset(i int, out OutputSpec) (OutputSpec, error) {
	if out.Preset == "" {
		return out, nil
	}

	p, ok := presets[out.Preset]
	if !ok {
		return out, newValidationError(
			fmt.Sprintf("output[%d].preset", i),
			"unknown preset %q", out.Preset,
		)
	}

	if out.Format == "" {
		out.Format = p.Format
	}
	if out.VideoCodec == "" {
		out.VideoCodec = p.VideoCodec
	}
	if out.AudioCodec == "" {
		out.AudioCodec = p.AudioCodec
	}
	if out.VideoBitrate == 0 {
		out.VideoBitrate = p.VideoBitrate
	}
	if out.AudioBitrate == 0 {
		out.AudioBitrate = p.AudioBitrate
	}
	if out.Width == 0 && out.Height == 0 {
		out.Width = p.Width
		out.Height = p.Height
	}
	if out.FrameRate == 0 {
		out.FrameRate = p.FrameRate
	}

	return out, nil
}
