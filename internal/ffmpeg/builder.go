// Package ffmpeg builds transcoder command lines and parses ffmpeg log output.
package ffmpeg

import (
	"strconv"
	"time"
)

// DefaultRTSPTimeout is the socket timeout applied to camera inputs.
const DefaultRTSPTimeout = 5 * time.Second

// Params describes one rendition of a camera source.
type Params struct {
	InputURL    string
	RTSPTimeout time.Duration // 0 = DefaultRTSPTimeout

	// Encoding. Codec "copy" passes the source through and ignores the rest.
	Codec   string
	FPS     int
	Width   int
	Height  int
	Bitrate string // e.g. 2M

	// LogLevel is passed as -loglevel level+<LogLevel> so ParseLogLevel can
	// read it back. Empty means warning.
	LogLevel string
}

// BuildArgs returns the ffmpeg argument vector that reads p.InputURL over
// RTSP/TCP and writes concatenated JPEG images to stdout.
func BuildArgs(p Params) []string {
	timeout := p.RTSPTimeout
	if timeout <= 0 {
		timeout = DefaultRTSPTimeout
	}
	logLevel := p.LogLevel
	if logLevel == "" {
		logLevel = "warning"
	}

	args := []string{
		"-hide_banner",
		"-loglevel", "level+" + logLevel,
		"-rtsp_transport", "tcp",
		"-timeout", strconv.FormatInt(timeout.Microseconds(), 10),
		"-i", p.InputURL,
	}

	codec := p.Codec
	if codec == "" {
		codec = "mjpeg"
	}
	if codec != "copy" {
		if p.FPS > 0 {
			args = append(args, "-r", strconv.Itoa(p.FPS))
		}
		if p.Width > 0 && p.Height > 0 {
			args = append(args, "-vf", "scale="+strconv.Itoa(p.Width)+":"+strconv.Itoa(p.Height))
		}
	}
	args = append(args, "-c:v", codec)
	if codec != "copy" && p.Bitrate != "" {
		args = append(args, "-b:v", p.Bitrate)
	}

	return append(args, "-an", "-f", "image2pipe", "-")
}
