package camera

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/sentinelnvr/sentinel/pkg/types"
)

// FFmpegBuilder is the default CommandBuilder, shelling out to ffprobe
// and ffmpeg the way spec.md §4.E describes. Protocol/codec argument
// assembly beyond the basics is deliberately minimal — a full
// hardware-acceleration matrix is a collaborator's concern (spec.md
// Non-goals).
type FFmpegBuilder struct{}

// ProbeCommand runs ffprobe against the camera's stream URL to confirm
// it's reachable before a decoder is launched.
func (FFmpegBuilder) ProbeCommand(ctx context.Context, cfg types.CameraConfig) *exec.Cmd {
	return exec.CommandContext(ctx, "ffprobe", "-v", "error", "-rtsp_transport", rtspTransport(cfg), streamURL(cfg))
}

// DecodeCommand launches ffmpeg to decode the stream to raw frames on
// stdout in the camera's configured pixel format.
func (FFmpegBuilder) DecodeCommand(ctx context.Context, cfg types.CameraConfig) *exec.Cmd {
	args := []string{"-hide_banner", "-loglevel", "warning"}
	args = append(args, cfg.HWAccelArgs...)
	args = append(args, "-rtsp_transport", rtspTransport(cfg))
	args = append(args, cfg.InputArgs...)
	args = append(args, "-i", streamURL(cfg))
	args = append(args, "-f", "rawvideo", "-pix_fmt", pixFmtArg(cfg), "pipe:1")
	return exec.CommandContext(ctx, "ffmpeg", args...)
}

// FrameSize reports the configured frame dimensions and pixel format.
func (FFmpegBuilder) FrameSize(cfg types.CameraConfig) (int, int, types.PixelFormat) {
	pixFmt := types.PixelFormatYUV420P
	if cfg.PixFmt == string(types.PixelFormatNV12) {
		pixFmt = types.PixelFormatNV12
	}
	return cfg.Width, cfg.Height, pixFmt
}

func rtspTransport(cfg types.CameraConfig) string {
	if cfg.RTSPTransport != "" {
		return cfg.RTSPTransport
	}
	return "tcp"
}

func pixFmtArg(cfg types.CameraConfig) string {
	if cfg.PixFmt != "" {
		return cfg.PixFmt
	}
	return string(types.PixelFormatYUV420P)
}

func streamURL(cfg types.CameraConfig) string {
	proto := cfg.Protocol
	if proto == "" {
		proto = "rtsp"
	}
	if cfg.Username != "" {
		return fmt.Sprintf("%s://%s:%s@%s:%d%s", proto, cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Path)
	}
	return fmt.Sprintf("%s://%s:%d%s", proto, cfg.Host, cfg.Port, cfg.Path)
}
