// Package types holds the data model shared across the camera pipeline:
// cameras, shared frames, detection results, and the event payloads that
// travel over the bus.
package types

import "time"

// CameraConfig is the subset of a camera's YAML configuration the core
// pipeline needs. Transport/codec fields are passed through to the
// ingestor subprocess verbatim; they are not interpreted here.
type CameraConfig struct {
	Identifier string `yaml:"-"`

	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Path     string `yaml:"path"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Protocol string `yaml:"protocol"`

	StreamFormat string `yaml:"stream_format"`
	Width        int    `yaml:"width"`
	Height       int    `yaml:"height"`
	FPS          int    `yaml:"fps"`
	Codec        string `yaml:"codec"`
	AudioCodec   string `yaml:"audio_codec"`
	PixFmt       string `yaml:"pix_fmt"`

	InputArgs    []string `yaml:"input_args"`
	HWAccelArgs  []string `yaml:"hwaccel_args"`
	RTSPTransport string  `yaml:"rtsp_transport"`

	FrameTimeoutSeconds int `yaml:"frame_timeout"`

	RawCommand string `yaml:"raw_command"`
	RecordOnly bool   `yaml:"record_only"`

	Recorder RecorderConfig `yaml:"recorder"`
}

// RecorderConfig configures the lookback/idle-timeout window a Recorder
// uses when it opens and closes an event recording for one camera.
type RecorderConfig struct {
	LookbackSeconds        int      `yaml:"lookback"`
	IdleTimeoutSeconds     int      `yaml:"idle_timeout"`
	HWAccelArgs            []string `yaml:"hwaccel_args"`
	Codec                  string   `yaml:"codec"`
	AudioCodec             string   `yaml:"audio_codec"`
	SegmentDirectory       string   `yaml:"segment_directory"`
	SegmentDurationSeconds int      `yaml:"segment_duration"`
	MotionTriggerRecorder  bool     `yaml:"motion_trigger_recorder"`
	MotionRecorderKeepalive bool    `yaml:"motion_recorder_keepalive"`
	MaxRecorderKeepaliveSeconds int `yaml:"max_recorder_keepalive"`
}

// FrameTimeout is the duration after which a stale decoder is restarted
// by the watchdog (spec.md §4.E), defaulting to 60s per spec.
func (c CameraConfig) FrameTimeout() time.Duration {
	if c.FrameTimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.FrameTimeoutSeconds) * time.Second
}

// Lookback returns the recorder's configured lookback window.
func (r RecorderConfig) Lookback() time.Duration {
	return time.Duration(r.LookbackSeconds) * time.Second
}

// IdleTimeout returns the recorder's configured idle timeout.
func (r RecorderConfig) IdleTimeout() time.Duration {
	return time.Duration(r.IdleTimeoutSeconds) * time.Second
}

// SegmentDuration returns the configured segment duration, defaulting to
// 5s per spec.md's glossary ("Segment: ... ≈5 s").
func (r RecorderConfig) SegmentDuration() time.Duration {
	if r.SegmentDurationSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(r.SegmentDurationSeconds) * time.Second
}

// MaxRecorderKeepalive returns the configured keepalive cap. Zero means
// uncapped, per the Open Question in spec.md §9 (made explicit here via
// the uncapped return rather than an implicit sentinel comparison at call
// sites).
func (r RecorderConfig) MaxRecorderKeepalive() (d time.Duration, uncapped bool) {
	if r.MaxRecorderKeepaliveSeconds <= 0 {
		return 0, true
	}
	return time.Duration(r.MaxRecorderKeepaliveSeconds) * time.Second, false
}

// Camera is the live, resolved state of a configured video source. It is
// created at setup and destroyed on unload, per spec.md §3.
type Camera struct {
	Identifier string
	Config     CameraConfig

	// OutputFPS is max(configured_fps) across enabled scanners, computed
	// once by the serve command when it builds the camera's pipeline.
	OutputFPS int

	ScanOnMotionOnly bool
}

// FailedCamera is the UI-facing placeholder for a camera whose setup
// failed (spec.md §4.D failure semantics / SPEC_FULL.md §12): it carries
// just enough to enumerate and explain the failure, with no live
// instance behind it.
type FailedCamera struct {
	Identifier string
	Error      string
}

// OperationState is the rollup of a camera's current pipeline activity,
// published as a bus event whenever it changes (spec.md §4.G).
type OperationState string

const (
	OperationStateIdle              OperationState = "idle"
	OperationStateScanningMotion    OperationState = "scanning_for_motion"
	OperationStateScanningObjects   OperationState = "scanning_for_objects"
	OperationStateRecording         OperationState = "recording"
	OperationStateErrorScanningFrame OperationState = "error_scanning_frame"
)
