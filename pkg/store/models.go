// Package store persists recordings, their constituent files, detected
// objects, motion events, and post-processor results — the tables
// spec.md §4.H/§4.I read and write — via GORM over SQLite or Postgres.
package store

import (
	"time"

	"gorm.io/datatypes"
)

// Recording is one event-recording window, opened by the Recorder on a
// trigger and closed once idle_timeout elapses (spec.md §3
// RecordingWindow).
type Recording struct {
	ID               uint `gorm:"primarykey"`
	CameraIdentifier string `gorm:"index"`
	StartTime        time.Time
	EndTime          *time.Time
	Trigger          string
	ClipPath         string

	Files  []File  `gorm:"foreignKey:RecordingID"`
	Objects []Object `gorm:"foreignKey:RecordingID"`
	Motion []Motion  `gorm:"foreignKey:RecordingID"`
}

// File is one on-disk artifact (segment or final clip) tracked for
// storage-tier accounting (spec.md §4.I).
type File struct {
	ID               uint `gorm:"primarykey"`
	RecordingID      *uint `gorm:"index"`
	CameraIdentifier string `gorm:"index"`
	Path             string `gorm:"uniqueIndex"`
	Tier             string
	SizeBytes        int64
	CreatedAt        time.Time

	Meta FileMeta `gorm:"foreignKey:FileID"`
}

// FileMeta carries a file's probed technical metadata, kept separate
// from File so a repeated ffprobe pass can upsert it without touching
// the storage-tier bookkeeping row.
type FileMeta struct {
	ID       uint `gorm:"primarykey"`
	FileID   uint `gorm:"uniqueIndex"`
	Duration float64
	Width    int
	Height   int
	Codec    string
}

// Object is one persisted detection, kept when a LabelConfig's Store
// flag is set (spec.md §4.G).
type Object struct {
	ID          uint `gorm:"primarykey"`
	RecordingID *uint `gorm:"index"`
	CameraIdentifier string
	Label       string
	Confidence  float64
	Box         datatypes.JSON
	Timestamp   time.Time
}

// Motion is one persisted motion-contour snapshot.
type Motion struct {
	ID          uint `gorm:"primarykey"`
	RecordingID *uint `gorm:"index"`
	CameraIdentifier string
	MaxRelArea  float64
	Contours    datatypes.JSON
	Timestamp   time.Time
}

// PostProcessorResult stores an arbitrary post-processor's structured
// output against the recording it ran on (spec.md §12 supplemented
// feature, original_source post_processors).
type PostProcessorResult struct {
	ID          uint `gorm:"primarykey"`
	RecordingID uint `gorm:"index"`
	Processor   string
	Result      datatypes.JSON
	Timestamp   time.Time
}
