// Package recorder implements the Recorder (spec.md §4.H): it opens an
// event recording window with a lookback adjustment, keeps it open
// until EndRecording is called (the NVR pipeline decides when
// idle_timeout has elapsed), and on close selects and concats
// the camera's on-disk segments bracketing the window into one clip.
package recorder

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"

	"github.com/sentinelnvr/sentinel/pkg/bus"
	"github.com/sentinelnvr/sentinel/pkg/store"
	"github.com/sentinelnvr/sentinel/pkg/types"
)

// Segment describes one on-disk recorder segment file.
type Segment struct {
	Path      string
	StartTime time.Time
	Duration  time.Duration
}

// SegmentLister lists a camera's segments on disk, newest-aware but
// unsorted; Recorder sorts by StartTime itself. Probing each segment's
// exact duration via ffprobe is this interface's job so Recorder stays
// free of a hard ffprobe dependency in tests.
type SegmentLister interface {
	ListSegments(cameraIdentifier string) ([]Segment, error)
}

// window is one open recording's bookkeeping.
type window struct {
	recordingID   uint
	start         time.Time
	adjustedStart time.Time
	trigger       types.TriggerType
	lastActivity  time.Time
	cfg           types.RecorderConfig
	cancelIdle    context.CancelFunc
}

// Recorder tracks one open recording window per camera and performs the
// concat-on-close work.
type Recorder struct {
	mu      sync.Mutex
	windows map[string]*window

	cfgs    map[string]types.RecorderConfig
	lister  SegmentLister
	dataBus *bus.DataBus
	store   store.Store

	concatMu sync.Map // cameraIdentifier -> *sync.Mutex, serializes concat jobs per camera

	scheduler gocron.Scheduler
	cleanupMu sync.Mutex
	paused    bool
}

// New constructs a Recorder. cfgs maps camera identifier to its
// recorder configuration.
func New(cfgs map[string]types.RecorderConfig, lister SegmentLister, dataBus *bus.DataBus, st store.Store) (*Recorder, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("recorder: scheduler: %w", err)
	}
	r := &Recorder{
		windows:   make(map[string]*window),
		cfgs:      cfgs,
		lister:    lister,
		dataBus:   dataBus,
		store:     st,
		scheduler: sched,
	}
	return r, nil
}

// StartCleanupSchedule registers the periodic segment-cleanup job at the
// given cadence and starts the scheduler (spec.md §4.H segment
// retention sweep).
func (r *Recorder) StartCleanupSchedule(interval time.Duration, cleanup func()) error {
	_, err := r.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			r.cleanupMu.Lock()
			paused := r.paused
			r.cleanupMu.Unlock()
			if paused {
				return
			}
			cleanup()
		}),
	)
	if err != nil {
		return fmt.Errorf("recorder: cleanup job: %w", err)
	}
	r.scheduler.Start()
	return nil
}

// Shutdown stops the cleanup scheduler.
func (r *Recorder) Shutdown() error {
	return r.scheduler.Shutdown()
}

// PauseCleanup suspends the cleanup schedule's effect (StartRecording
// calls it while a recording and its concat job are in progress, to
// avoid the two racing on the same segments).
func (r *Recorder) PauseCleanup() {
	r.cleanupMu.Lock()
	defer r.cleanupMu.Unlock()
	r.paused = true
}

// ResumeCleanup re-enables the cleanup schedule.
func (r *Recorder) ResumeCleanup() {
	r.cleanupMu.Lock()
	defer r.cleanupMu.Unlock()
	r.paused = false
}

// resumeCleanupIfIdle resumes the cleanup schedule once a concat job
// completes, but only if no other camera started a new recording while
// this one was concatenating (spec.md §4.H).
func (r *Recorder) resumeCleanupIfIdle() {
	r.mu.Lock()
	anyOpen := len(r.windows) > 0
	r.mu.Unlock()
	if !anyOpen {
		r.ResumeCleanup()
	}
}

// IsRecording reports whether cameraIdentifier currently has an open
// recording window.
func (r *Recorder) IsRecording(cameraIdentifier string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.windows[cameraIdentifier]
	return ok
}

// StartRecording opens a new recording window for cameraIdentifier,
// adjusting its start time back by lookback (spec.md §4.H "the clip
// starts lookback seconds before the triggering frame, bounded by what
// segments actually exist on disk").
func (r *Recorder) StartRecording(cameraIdentifier string, trigger types.TriggerType, lookback time.Duration) {
	r.mu.Lock()
	if _, already := r.windows[cameraIdentifier]; already {
		r.windows[cameraIdentifier].lastActivity = time.Now()
		r.mu.Unlock()
		return
	}

	now := time.Now()
	cfg := r.cfgs[cameraIdentifier]
	w := &window{
		start:         now,
		adjustedStart: now.Add(-lookback),
		trigger:       trigger,
		lastActivity:  now,
		cfg:           cfg,
	}
	r.windows[cameraIdentifier] = w
	r.mu.Unlock()

	// A recording is now open: suspend the segment-cleanup sweep so it
	// never races the concat job over the same files (spec.md §4.H /
	// §5 "Concat pauses cleanup for the duration of the job").
	r.PauseCleanup()

	rec := store.Recording{
		CameraIdentifier: cameraIdentifier,
		StartTime:        w.adjustedStart,
		Trigger:          string(trigger),
	}
	if r.store != nil {
		if id, err := r.store.CreateRecording(rec); err == nil {
			r.mu.Lock()
			w.recordingID = id
			r.mu.Unlock()
		} else {
			log.Error().Err(err).Str("camera", cameraIdentifier).Msg("recorder: failed to persist recording start")
		}
	}

	r.dataBus.Publish(fmt.Sprintf("recording_start/%s", cameraIdentifier), types.RecordingStartedEvent{
		CameraIdentifier: cameraIdentifier,
		RecordingID:      w.recordingID,
		StartTime:        w.start,
		AdjustedStart:    w.adjustedStart,
		Trigger:          trigger,
	})
}

// Touch records the current time as an open window's last activity.
// The Recorder does not close windows on inactivity; only EndRecording
// closes them.
func (r *Recorder) Touch(cameraIdentifier string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.windows[cameraIdentifier]; ok {
		w.lastActivity = time.Now()
	}
}

// EndRecording closes cameraIdentifier's open window and kicks off the
// concat job asynchronously, serialized per camera so two concats for
// the same camera never run concurrently (spec.md §4.H).
func (r *Recorder) EndRecording(cameraIdentifier string) {
	r.mu.Lock()
	w, ok := r.windows[cameraIdentifier]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.windows, cameraIdentifier)
	r.mu.Unlock()

	endTime := time.Now()

	go r.concat(cameraIdentifier, w, endTime)
}

func (r *Recorder) cameraLock(cameraIdentifier string) *sync.Mutex {
	v, _ := r.concatMu.LoadOrStore(cameraIdentifier, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (r *Recorder) concat(cameraIdentifier string, w *window, endTime time.Time) {
	lock := r.cameraLock(cameraIdentifier)
	lock.Lock()
	defer lock.Unlock()
	defer r.resumeCleanupIfIdle()

	segments, err := r.lister.ListSegments(cameraIdentifier)
	if err != nil {
		log.Error().Err(err).Str("camera", cameraIdentifier).Msg("recorder: failed to list segments for concat")
		return
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].StartTime.Before(segments[j].StartTime) })

	bracket := bracketSegments(segments, w.adjustedStart, endTime)
	if len(bracket) == 0 {
		log.Warn().Str("camera", cameraIdentifier).Msg("recorder: no segments found covering recording window")
		return
	}

	outputPath := filepath.Join(w.cfg.SegmentDirectory, fmt.Sprintf("%s-%d.mp4", cameraIdentifier, w.start.Unix()))

	err = retry.Do(func() error {
		return runConcat(bracket, w.adjustedStart, endTime, outputPath, w.cfg)
	}, retry.Attempts(3), retry.Delay(time.Second))

	if err != nil {
		log.Error().Err(err).Str("camera", cameraIdentifier).Msg("recorder: concat failed")
		return
	}

	if r.store != nil {
		if err := r.store.FinalizeRecording(w.recordingID, endTime, outputPath); err != nil {
			log.Error().Err(err).Msg("recorder: failed to persist recording end")
		}
	}

	r.dataBus.Publish(fmt.Sprintf("recording_end/%s", cameraIdentifier), types.RecordingEndedEvent{
		CameraIdentifier: cameraIdentifier,
		RecordingID:      w.recordingID,
		EndTime:          endTime,
		ClipPath:         outputPath,
	})
}

// bracketSegments selects every segment whose [StartTime, StartTime+Duration)
// interval overlaps [start, end), per spec.md §4.H / §8 scenario 4
// ("partial endpoints": the first and last selected segment may only
// partially overlap the window and are trimmed via inpoint/outpoint).
func bracketSegments(segments []Segment, start, end time.Time) []Segment {
	var out []Segment
	for _, s := range segments {
		segEnd := s.StartTime.Add(s.Duration)
		if !segEnd.After(start) || !s.StartTime.Before(end) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// runConcat builds an ffmpeg concat-demuxer invocation trimming the
// first/last segment to the window via inpoint/outpoint (spec.md §4.H).
// The concat script itself is assembled here; invocation is shelled out
// so this package never links ffmpeg directly.
func runConcat(segments []Segment, start, end time.Time, outputPath string, cfg types.RecorderConfig) error {
	script := buildConcatScript(segments, start, end)
	cmd := exec.Command("ffmpeg", "-y", "-f", "concat", "-safe", "0", "-protocol_whitelist", "file,pipe",
		"-i", "pipe:0", "-c", "copy", outputPath)
	cmd.Stdin = strings.NewReader(script)
	return cmd.Run()
}

func buildConcatScript(segments []Segment, start, end time.Time) string {
	script := ""
	for i, s := range segments {
		script += fmt.Sprintf("file 'file:%s'\n", s.Path)
		segEnd := s.StartTime.Add(s.Duration)
		if i == 0 && s.StartTime.Before(start) {
			script += fmt.Sprintf("inpoint %.3f\n", start.Sub(s.StartTime).Seconds())
		}
		if i == len(segments)-1 && segEnd.After(end) {
			script += fmt.Sprintf("outpoint %.3f\n", end.Sub(s.StartTime).Seconds())
		}
	}
	return script
}
