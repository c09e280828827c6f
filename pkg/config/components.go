package config

import (
	"gopkg.in/yaml.v3"

	"github.com/sentinelnvr/sentinel/pkg/types"
)

// ComponentsConfig is the top-level `component name -> settings` mapping
// spec.md §6 describes. Only the fields this core needs are modeled;
// everything else (mqtt, webserver, webhook credentials, ...) is a
// collaborator's concern; unmarshalling ignores those keys, so they are
// neither parsed nor kept here.
type ComponentsConfig struct {
	Cameras       map[string]types.CameraConfig `yaml:"cameras"`
	MotionDetectors map[string]ScannerConfig     `yaml:"motion_detectors"`
	ObjectDetectors map[string]ScannerConfig     `yaml:"object_detectors"`
	StorageTiers    []StorageTierConfig          `yaml:"storage_tiers"`
}

// ScannerConfig models the options common to motion and object
// detectors (spec.md §6).
type ScannerConfig struct {
	FPS              float64       `yaml:"fps"`
	Labels           []LabelConfig `yaml:"labels"`
	ScanOnMotionOnly bool          `yaml:"scan_on_motion_only"`
	MaxFrameAge      float64       `yaml:"max_frame_age"`
	Mask             []MaskConfig  `yaml:"mask"`
	Zones            []ZoneConfig  `yaml:"zones"`

	Cameras []string `yaml:"cameras"`
}

// UnmarshalYAML defaults ScanOnMotionOnly to true (spec.md §6/line 129:
// "scan_on_motion_only=true (default)") when the key is absent from the
// document, while still letting an explicit `scan_on_motion_only: false`
// override it. Decoding into a pre-populated shadow struct only
// overwrites fields the YAML document actually sets, so every other
// field keeps its ordinary zero-value default.
func (s *ScannerConfig) UnmarshalYAML(value *yaml.Node) error {
	type rawScannerConfig ScannerConfig
	defaults := rawScannerConfig{ScanOnMotionOnly: true}
	if err := value.Decode(&defaults); err != nil {
		return err
	}
	*s = ScannerConfig(defaults)
	return nil
}

// LabelConfig is one object-label filter rule.
type LabelConfig struct {
	Label                 string  `yaml:"label"`
	Confidence            float64 `yaml:"confidence"`
	HeightMin             float64 `yaml:"height_min"`
	HeightMax             float64 `yaml:"height_max"`
	WidthMin              float64 `yaml:"width_min"`
	WidthMax              float64 `yaml:"width_max"`
	TriggerEventRecording bool    `yaml:"trigger_event_recording"`
	Store                 bool    `yaml:"store"`
	StoreIntervalSeconds  int     `yaml:"store_interval"`
	RequireMotion         bool    `yaml:"require_motion"`
}

// MaskConfig is one polygon exclusion region (original_source mask.py,
// see SPEC_FULL.md §12).
type MaskConfig struct {
	Coordinates []CoordinateConfig `yaml:"coordinates"`
}

// ZoneConfig is a named region with its own label overrides
// (original_source zones, see SPEC_FULL.md §12).
type ZoneConfig struct {
	Name        string             `yaml:"name"`
	Coordinates []CoordinateConfig `yaml:"coordinates"`
	Labels      []LabelConfig      `yaml:"labels"`
}

// CoordinateConfig is one polygon vertex in pixel coordinates.
type CoordinateConfig struct {
	X int `yaml:"x"`
	Y int `yaml:"y"`
}

// StorageTierConfig describes one ordered storage tier's budget (spec.md
// §4.I / §6). MaxBytes/MinBytes are parsed from human-readable strings
// ("10GB") via docker/go-units at load time, see ParseStorageTiers.
type StorageTierConfig struct {
	Path            string        `yaml:"path"`
	MaxBytesHuman   string        `yaml:"max_size"`
	MinBytesHuman   string        `yaml:"min_size"`
	MaxAgeSeconds   int64         `yaml:"max_age"`
	MinAgeSeconds   int64         `yaml:"min_age"`
	ThrottlePeriod  int64         `yaml:"throttle_period"`
	Events          bool          `yaml:"events"`
	Files           bool          `yaml:"files"`

	MaxBytes int64 `yaml:"-"`
	MinBytes int64 `yaml:"-"`
}
