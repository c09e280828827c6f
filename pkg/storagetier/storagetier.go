// Package storagetier implements the Storage Tier Worker (spec.md
// §4.I): on a schedule it checks each configured tier's size/age
// budget, and when a tier is over budget moves or deletes its oldest
// files to make room, throttled per camera so a burst of evictions
// doesn't hammer the filesystem.
package storagetier

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"

	"github.com/sentinelnvr/sentinel/pkg/config"
	"github.com/sentinelnvr/sentinel/pkg/store"
)

// eventFileFloorMultiplier is how many segment durations an
// event-associated file must outlive before it is eligible for
// eviction, regardless of the tier's own min_age (spec.md §4.I.3 "only
// allow file-move when file.orig_ctime <= now - 5x segment_duration").
const eventFileFloorMultiplier = 5

// minAgeFloorMultiplier is the minimum number of segment durations any
// plain (non-event-associated) file must outlive before it is eligible
// for eviction, regardless of the tier's own min_age (spec.md §8
// boundary: "Files newer than max(min_age, 2x segment_duration) are
// never selected for move").
const minAgeFloorMultiplier = 2

// Worker drives the periodic check_tier pass across every configured
// tier.
type Worker struct {
	tiers           []config.StorageTierConfig
	st              store.Store
	segmentDuration time.Duration

	mu      sync.Mutex
	lastRun map[string]time.Time // camera identifier -> last eviction time, for throttle_period

	scheduler gocron.Scheduler
}

// New constructs a Worker for the given tier budgets (lowest-priority
// tier first, per spec.md §6 ordering).
func New(tiers []config.StorageTierConfig, st store.Store, segmentDuration time.Duration) (*Worker, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("storagetier: scheduler: %w", err)
	}
	return &Worker{
		tiers:           tiers,
		st:              st,
		segmentDuration: segmentDuration,
		lastRun:         make(map[string]time.Time),
		scheduler:       sched,
	}, nil
}

// Start registers the periodic check_tier job and starts the scheduler.
func (w *Worker) Start(interval time.Duration) error {
	_, err := w.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			w.CheckTiers()
		}),
	)
	if err != nil {
		return fmt.Errorf("storagetier: check_tier job: %w", err)
	}
	w.scheduler.Start()
	return nil
}

// Stop shuts the scheduler down.
func (w *Worker) Stop() error {
	return w.scheduler.Shutdown()
}

// CheckTiers runs one check_tier pass over every configured tier in
// order, moving or deleting files until each tier is back within
// budget.
func (w *Worker) CheckTiers() {
	for i, tier := range w.tiers {
		w.checkTier(i, tier)
	}
}

// checkTier implements spec.md §4.I.2/§4.I.3: it marks files eligible
// for move via the dual-threshold rule, intersects file-scope and
// event-scope results when both are in play, then evicts the eligible
// files oldest-first until the tier is back within budget.
func (w *Worker) checkTier(index int, tier config.StorageTierConfig) {
	total, err := w.st.TotalSizeForTier(tier.Path)
	if err != nil {
		log.Error().Err(err).Str("tier", tier.Path).Msg("storagetier: failed to read tier size")
		return
	}

	files, err := w.st.FilesInTier(tier.Path)
	if err != nil {
		log.Error().Err(err).Str("tier", tier.Path).Msg("storagetier: failed to list tier files")
		return
	}

	now := time.Now()
	minAge := time.Duration(tier.MinAgeSeconds) * time.Second
	if floor := minAgeFloorMultiplier * w.segmentDuration; floor > minAge {
		minAge = floor
	}
	maxAge := time.Duration(tier.MaxAgeSeconds) * time.Second

	fileEligible := dualThresholdEligible(files, tier.MaxBytes, tier.MinBytes, minAge, maxAge, now)

	var eligible map[uint]bool
	switch {
	case tier.Events && tier.Files:
		eventEligible, err := w.eventEligible(tier, files, now)
		if err != nil {
			log.Error().Err(err).Str("tier", tier.Path).Msg("storagetier: failed to group files by recording")
			return
		}
		eligible = intersectEligible(fileEligible, eventEligible)
	case tier.Events:
		eventEligible, err := w.eventEligible(tier, files, now)
		if err != nil {
			log.Error().Err(err).Str("tier", tier.Path).Msg("storagetier: failed to group files by recording")
			return
		}
		eligible = eventEligible
	default:
		// Neither scope configured (or plain Files-only): fall back to
		// the per-file dual threshold alone.
		eligible = fileEligible
	}

	var candidates []store.File
	for _, f := range files {
		if eligible[f.ID] {
			candidates = append(candidates, f)
		}
	}
	// Evict oldest-first regardless of the order the store returned
	// (spec.md §8 scenario 5).
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })

	nextTier := ""
	if index+1 < len(w.tiers) {
		nextTier = w.tiers[index+1].Path
	}

	throttle := time.Duration(tier.ThrottlePeriod) * time.Second

	for _, f := range candidates {
		if tier.MaxBytes > 0 && total <= tier.MaxBytes {
			break
		}

		if w.throttled(f.CameraIdentifier, throttle) {
			continue
		}
		w.markEvicted(f.CameraIdentifier)

		if nextTier != "" {
			w.moveFile(f, nextTier)
		} else {
			w.deleteFile(f)
		}

		total -= f.SizeBytes
	}
}

// dualThresholdEligible implements spec.md §4.I.2's per-file rule:
// sort files newest-first, track the cumulative size of strictly
// newer files, and mark a file eligible when
// `cumulative_size >= max_bytes AND age >= min_age` OR
// `age > max_age AND cumulative_size >= min_bytes`.
//
// minAge is always applied as a floor (spec.md §8 boundary: a file
// newer than minAge is never eligible), independent of which branch
// would otherwise fire.
func dualThresholdEligible(files []store.File, maxBytes, minBytes int64, minAge, maxAge time.Duration, now time.Time) map[uint]bool {
	sorted := make([]store.File, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedAt.After(sorted[j].CreatedAt) })

	eligible := make(map[uint]bool, len(sorted))
	var cumulativeBefore int64
	for _, f := range sorted {
		age := now.Sub(f.CreatedAt)
		if age >= minAge {
			cond1 := maxBytes > 0 && cumulativeBefore >= maxBytes
			cond2 := maxAge > 0 && age > maxAge && cumulativeBefore >= minBytes
			if cond1 || cond2 {
				eligible[f.ID] = true
			}
		}
		cumulativeBefore += f.SizeBytes
	}
	return eligible
}

// eventEligible implements spec.md §4.I.3: group files by their owning
// recording (via the File.RecordingID foreign key the Recorder sets at
// write time, which stands in for the spec's searchsorted time-window
// match), apply the dual threshold against each recording's own
// cumulative size, and never consider a file belonging to a still-open
// recording (spec.md §8 invariant: "while a recording is active for C,
// no segment file ... is deleted").
func (w *Worker) eventEligible(tier config.StorageTierConfig, files []store.File, now time.Time) (map[uint]bool, error) {
	byRecording := make(map[uint][]store.File)
	cameras := make(map[string]bool)
	for _, f := range files {
		if f.RecordingID == nil {
			continue
		}
		byRecording[*f.RecordingID] = append(byRecording[*f.RecordingID], f)
		cameras[f.CameraIdentifier] = true
	}
	if len(byRecording) == 0 {
		return map[uint]bool{}, nil
	}

	recordingsByID := make(map[uint]store.Recording)
	for camera := range cameras {
		recs, err := w.st.RecordingsForCamera(camera)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			recordingsByID[r.ID] = r
		}
	}

	eventFloor := time.Duration(eventFileFloorMultiplier) * w.segmentDuration
	maxAge := time.Duration(tier.MaxAgeSeconds) * time.Second

	eligible := make(map[uint]bool)
	for recID, group := range byRecording {
		rec, ok := recordingsByID[recID]
		if !ok || rec.EndTime == nil {
			// Unknown or still-open recording: none of its files are
			// eligible.
			continue
		}
		for id, ok := range dualThresholdEligible(group, tier.MaxBytes, tier.MinBytes, eventFloor, maxAge, now) {
			if ok {
				eligible[id] = true
			}
		}
	}
	return eligible, nil
}

// intersectEligible implements spec.md §4.I.2's "if both files and
// events are selected, intersect results by file id".
func intersectEligible(a, b map[uint]bool) map[uint]bool {
	out := make(map[uint]bool, len(a))
	for id := range a {
		if b[id] {
			out[id] = true
		}
	}
	return out
}

// throttled reports whether cameraIdentifier had a file evicted within
// the tier's configured throttle_period, so a burst of over-budget
// files for one camera doesn't hammer the filesystem in a single pass
// (spec.md §4.I).
func (w *Worker) throttled(cameraIdentifier string, period time.Duration) bool {
	if period <= 0 {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	last, ok := w.lastRun[cameraIdentifier]
	return ok && time.Since(last) < period
}

func (w *Worker) markEvicted(cameraIdentifier string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastRun[cameraIdentifier] = time.Now()
}

func (w *Worker) moveFile(f store.File, destTierPath string) {
	destPath := destTierPath + "/" + fileBaseName(f.Path)
	if err := os.Rename(f.Path, destPath); err != nil {
		log.Error().Err(err).Str("path", f.Path).Msg("storagetier: move_file failed")
		return
	}
	if err := w.st.SetFileTier(f.ID, destTierPath); err != nil {
		log.Error().Err(err).Str("path", f.Path).Msg("storagetier: failed to persist tier move")
	}
}

func (w *Worker) deleteFile(f store.File) {
	if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
		log.Error().Err(err).Str("path", f.Path).Msg("storagetier: delete_file failed")
		return
	}
	if err := w.st.DeleteFile(f.ID); err != nil {
		log.Error().Err(err).Str("path", f.Path).Msg("storagetier: failed to persist deletion")
	}
}

func fileBaseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
