// Package planner builds ffmpeg argument lists from a job's media plan. It is
// a pure function of its inputs: no I/O, no process state, so the dispatcher
// and the worker agent can each call it and get the same answer.
package planner

import (
	"fmt"
	"strings"
)

// MediaType classifies the kind of conversion a job performs.
type MediaType string

const (
	MediaAudio MediaType = "audio"
	MediaVideo MediaType = "video"
	MediaImage MediaType = "image"
)

// Options carries the free-form per-job overrides a plan may request.
type Options struct {
	AudioCopy    *bool
	AudioBitrate string
}

// Plan is the immutable description of a single conversion.
type Plan struct {
	SourcePath   string
	RelativePath string
	MediaType    MediaType
	SizeBytes    int64
	OutputPath   string
	Codec        string
	Options      Options
}

// Built is the argv and output metadata produced for a Plan.
type Built struct {
	Args      []string
	OutputExt string
}

// OutputPlaceholder is the sentinel Build emits in place of a real output
// path when the caller doesn't yet know the final destination at plan-build
// time (the dispatcher builds a job's argv before the worker that will run
// it has chosen a local temp file to write to). The worker substitutes its
// own path for this token before exec'ing the transcoder.
const OutputPlaceholder = "__TRANSCODEORC_OUTPUT__"

var videoEncoders = map[string]string{
	"h264": "libx264",
	"h265": "libx265",
	"hevc": "libx265",
	"av1":  "libsvtav1",
	"vp9":  "libvpx-vp9",
}

var videoExtensions = map[string]string{
	"h264": ".mp4",
	"h265": ".mp4",
	"hevc": ".mp4",
	"av1":  ".mkv",
	"vp9":  ".webm",
}

var audioExtensions = map[string]string{
	"flac":   ".flac",
	"alac":   ".m4a",
	"aac":    ".m4a",
	"mp3":    ".mp3",
	"opus":   ".opus",
	"ogg":    ".ogg",
	"vorbis": ".ogg",
}

var imageExtensions = map[string]string{
	"avif":  ".avif",
	"heic":  ".heic",
	"heif":  ".heif",
	"webp":  ".webp",
	"png":   ".png",
	"jpeg":  ".jpg",
	"jpg":   ".jpg",
}

// RequiredEncoders returns the ordered, hardware-first preference list of
// transcoder encoder names that satisfy the requested (mediaType, codec)
// pair. Only video codecs carry hardware variants today.
func RequiredEncoders(mediaType MediaType, codec string) []string {
	codec = strings.ToLower(strings.TrimSpace(codec))
	if mediaType != MediaVideo {
		return []string{codec}
	}
	switch codec {
	case "h264", "":
		return []string{"h264_nvenc", "h264_qsv", "h264_videotoolbox", "h264_vaapi", "libx264", "h264"}
	case "h265", "hevc":
		return []string{"hevc_nvenc", "hevc_qsv", "hevc_videotoolbox", "hevc_vaapi", "libx265", "hevc"}
	case "av1":
		return []string{"av1_nvenc", "av1_qsv", "libsvtav1", "libaom-av1"}
	case "vp9":
		return []string{"libvpx-vp9", "vp9_vaapi", "vp9_qsv"}
	default:
		return []string{codec}
	}
}

// OutputExtension returns the file extension a plan's (mediaType, codec)
// combination produces, matching the choice Build embeds in the argv.
func OutputExtension(mediaType MediaType, codec string) string {
	codec = strings.ToLower(strings.TrimSpace(codec))
	switch mediaType {
	case MediaAudio:
		if ext, ok := audioExtensions[codec]; ok {
			return ext
		}
		return ".m4a"
	case MediaImage:
		if ext, ok := imageExtensions[codec]; ok {
			return ext
		}
		return ".png"
	default:
		if ext, ok := videoExtensions[codec]; ok {
			return ext
		}
		return ".mp4"
	}
}

// Build produces the transcoder argv and output extension for plan. When
// selectedEncoder is non-empty (the dispatcher picked a concrete encoder from
// an agent's advertised set), it overrides the codec's default encoder for
// video plans.
func Build(plan Plan, selectedEncoder string) (Built, error) {
	if strings.TrimSpace(plan.SourcePath) == "" {
		return Built{}, fmt.Errorf("planner: source path is required")
	}
	if strings.TrimSpace(plan.OutputPath) == "" {
		return Built{}, fmt.Errorf("planner: output path is required")
	}
	codec := strings.ToLower(strings.TrimSpace(plan.Codec))
	if codec == "" {
		return Built{}, fmt.Errorf("planner: codec is required")
	}

	args := []string{"-hide_banner", "-nostdin", "-y", "-progress", "pipe:1", "-loglevel", "error", "-i", plan.SourcePath}

	switch plan.MediaType {
	case MediaAudio:
		args = append(args, "-vn")
		args = append(args, audioArgs(codec)...)
	case MediaImage:
		args = append(args, imageArgs(codec)...)
		args = append(args, "-frames:v", "1")
	default:
		args = append(args, "-pix_fmt", "yuv420p")
		crf, preset := qualityFor(codec)
		args = append(args, videoArgs(codec, selectedEncoder, crf, preset)...)
		args = append(args, audioTailArgs(plan.Options)...)
	}

	args = append(args, plan.OutputPath)

	return Built{Args: args, OutputExt: OutputExtension(plan.MediaType, codec)}, nil
}

func audioArgs(codec string) []string {
	switch codec {
	case "flac":
		return []string{"-c:a", "flac"}
	case "alac":
		return []string{"-c:a", "alac"}
	case "mp3":
		return []string{"-c:a", "libmp3lame", "-b:a", "192k"}
	case "opus":
		return []string{"-c:a", "libopus", "-b:a", "160k"}
	case "ogg", "vorbis":
		return []string{"-c:a", "libvorbis", "-q:a", "5"}
	default:
		return []string{"-c:a", "aac", "-b:a", "192k"}
	}
}

func imageArgs(codec string) []string {
	switch codec {
	case "avif":
		return []string{"-c:v", "libaom-av1", "-still-picture", "1", "-b:v", "0", "-crf", "28"}
	case "heic", "heif":
		return []string{"-c:v", "libx265"}
	case "webp":
		return []string{"-c:v", "libwebp", "-q:v", "80"}
	case "jpeg", "jpg":
		return []string{"-c:v", "mjpeg", "-q:v", "2"}
	default:
		return []string{"-c:v", "png"}
	}
}

func qualityFor(codec string) (crf string, preset string) {
	switch codec {
	case "h265", "hevc":
		return "28", "medium"
	case "av1":
		return "32", "6"
	default:
		return "23", "medium"
	}
}

func videoArgs(codec, selectedEncoder, crf, preset string) []string {
	encoder := selectedEncoder
	if encoder == "" {
		encoder = videoEncoders[codec]
		if encoder == "" {
			encoder = "libx264"
		}
	}
	switch {
	case strings.Contains(encoder, "vp9"):
		return []string{"-c:v", encoder, "-b:v", "0", "-crf", crf, "-row-mt", "1"}
	case strings.Contains(encoder, "av1") && selectedEncoder != "":
		return []string{"-c:v", encoder, "-crf", crf}
	default:
		return []string{"-c:v", encoder, "-preset", preset, "-crf", crf}
	}
}

func audioTailArgs(opts Options) []string {
	if opts.AudioCopy != nil && !*opts.AudioCopy {
		bitrate := opts.AudioBitrate
		if bitrate == "" {
			bitrate = "160k"
		}
		return []string{"-c:a", "aac", "-b:a", bitrate}
	}
	return []string{"-c:a", "copy"}
}
