package storagetier

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelnvr/sentinel/pkg/config"
	"github.com/sentinelnvr/sentinel/pkg/store"
)

type fakeStore struct {
	files      map[uint]store.File
	nextID     uint
	recordings map[uint]store.Recording
	nextRecID  uint
}

func newFakeStore() *fakeStore {
	return &fakeStore{files: make(map[uint]store.File), recordings: make(map[uint]store.Recording)}
}

func (f *fakeStore) CreateRecording(r store.Recording) (uint, error) {
	f.nextRecID++
	r.ID = f.nextRecID
	f.recordings[r.ID] = r
	return r.ID, nil
}
func (f *fakeStore) FinalizeRecording(id uint, endTime time.Time, clipPath string) error {
	r := f.recordings[id]
	r.EndTime = &endTime
	r.ClipPath = clipPath
	f.recordings[id] = r
	return nil
}

func (f *fakeStore) UpsertFile(file store.File) (uint, error) {
	f.nextID++
	file.ID = f.nextID
	f.files[file.ID] = file
	return file.ID, nil
}

func (f *fakeStore) FilesOlderThan(cutoff time.Time, tier string) ([]store.File, error) {
	var out []store.File
	for _, file := range f.files {
		if file.Tier == tier && file.CreatedAt.Before(cutoff) {
			out = append(out, file)
		}
	}
	return out, nil
}

func (f *fakeStore) FilesInTier(tier string) ([]store.File, error) {
	var out []store.File
	for _, file := range f.files {
		if file.Tier == tier {
			out = append(out, file)
		}
	}
	return out, nil
}

func (f *fakeStore) RecordingsForCamera(cameraIdentifier string) ([]store.Recording, error) {
	var out []store.Recording
	for _, r := range f.recordings {
		if r.CameraIdentifier == cameraIdentifier {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) TotalSizeForTier(tier string) (int64, error) {
	var total int64
	for _, file := range f.files {
		if file.Tier == tier {
			total += file.SizeBytes
		}
	}
	return total, nil
}

func (f *fakeStore) SetFileTier(id uint, tier string) error {
	file := f.files[id]
	file.Tier = tier
	f.files[id] = file
	return nil
}

func (f *fakeStore) DeleteFile(id uint) error {
	delete(f.files, id)
	return nil
}

func (f *fakeStore) SaveObject(o store.Object) error                         { return nil }
func (f *fakeStore) SaveMotion(m store.Motion) error                         { return nil }
func (f *fakeStore) SavePostProcessorResult(r store.PostProcessorResult) error { return nil }

func TestCheckTierLeavesUnderBudgetTierAlone(t *testing.T) {
	fs := newFakeStore()
	fs.UpsertFile(store.File{Path: "/tier0/a.mp4", Tier: "tier0", SizeBytes: 100, CreatedAt: time.Now()})

	tiers := []config.StorageTierConfig{{Path: "tier0", MaxBytes: 1000}}
	w, err := New(tiers, fs, 5*time.Second)
	require.NoError(t, err)

	w.CheckTiers()
	assert.Len(t, fs.files, 1)
}

// TestCheckTierEvictsOldestFileOverBudgetToNextTier exercises the
// cumulative-before dual-threshold branch (spec.md §4.I.2): three
// equal-sized files where only the sum of the two newer files reaches
// max_bytes, so only the oldest file crosses the threshold and moves.
func TestCheckTierEvictsOldestFileOverBudgetToNextTier(t *testing.T) {
	tier0 := t.TempDir()
	tier1 := t.TempDir()

	newPath := tier0 + "/new.mp4"
	midPath := tier0 + "/mid.mp4"
	oldPath := tier0 + "/old.mp4"
	require.NoError(t, os.WriteFile(newPath, []byte("new"), 0o644))
	require.NoError(t, os.WriteFile(midPath, []byte("mid"), 0o644))
	require.NoError(t, os.WriteFile(oldPath, []byte("old"), 0o644))

	fs := newFakeStore()
	fs.UpsertFile(store.File{Path: newPath, Tier: tier0, SizeBytes: 400, CreatedAt: time.Now().Add(-1 * time.Minute)})
	fs.UpsertFile(store.File{Path: midPath, Tier: tier0, SizeBytes: 400, CreatedAt: time.Now().Add(-30 * time.Minute)})
	fs.UpsertFile(store.File{Path: oldPath, Tier: tier0, SizeBytes: 400, CreatedAt: time.Now().Add(-time.Hour)})

	tiers := []config.StorageTierConfig{
		{Path: tier0, MaxBytes: 700},
		{Path: tier1, MaxBytes: 10000},
	}
	w, err := New(tiers, fs, 1*time.Millisecond)
	require.NoError(t, err)

	w.CheckTiers()

	var newFile, midFile, oldFile store.File
	for _, f := range fs.files {
		switch f.Path {
		case newPath:
			newFile = f
		case midPath:
			midFile = f
		case oldPath:
			oldFile = f
		}
	}
	assert.Equal(t, tier0, newFile.Tier, "cumulative_before for the newest file is 0, under max_bytes")
	assert.Equal(t, tier0, midFile.Tier, "cumulative_before for the middle file is 400, under max_bytes")
	assert.Equal(t, tier1, oldFile.Tier, "cumulative_before for the oldest file is 800, over max_bytes")
}

// TestCheckTierChoosesOldestOverBudget is spec.md §8 scenario 5
// verbatim: files (size, orig_ctime) = [(1,10),(1,9),(1,8),(1,7)],
// max_bytes=2, min_age=0 selects exactly the files at times 7 and 8.
func TestCheckTierChoosesOldestOverBudget(t *testing.T) {
	epoch := time.Now().Add(-100 * time.Second)
	at := func(t int64) time.Time { return epoch.Add(time.Duration(t) * time.Second) }

	fs := newFakeStore()
	paths := map[int64]string{}
	for _, ts := range []int64{10, 9, 8, 7} {
		p := t.TempDir() + "/f.mp4"
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
		paths[ts] = p
		fs.UpsertFile(store.File{Path: p, Tier: "tier0", SizeBytes: 1, CreatedAt: at(ts)})
	}

	tiers := []config.StorageTierConfig{{Path: "tier0", MaxBytes: 2, MinAgeSeconds: 0}}
	w, err := New(tiers, fs, time.Nanosecond)
	require.NoError(t, err)

	w.CheckTiers()

	assert.Len(t, fs.files, 2, "only the two newest files should remain")
	for _, f := range fs.files {
		assert.Contains(t, []string{paths[10], paths[9]}, f.Path, "files at t=7 and t=8 must have been deleted")
	}
}

func TestCheckTierLeavesPlainFileYoungerThanSegmentFloorAlone(t *testing.T) {
	fs := newFakeStore()
	recent := time.Now().Add(-2 * time.Second)
	fs.UpsertFile(store.File{Path: "/tier0/recent.mp4", Tier: "tier0", SizeBytes: 2000, CreatedAt: recent})

	tiers := []config.StorageTierConfig{
		{Path: "tier0", MaxBytes: 1000, MaxAgeSeconds: 1},
	}
	w, err := New(tiers, fs, 5*time.Second)
	require.NoError(t, err)

	w.CheckTiers()
	assert.Len(t, fs.files, 1, "a file younger than 2x segment_duration must survive even if max_bytes would otherwise evict it")
}

// TestEventFileFloorOverridesAggressiveMaxAge exercises spec.md
// §4.I.3's 5x segment_duration safety floor for event-associated
// files: a file belonging to a closed recording must survive even
// though the tier's max_age would otherwise mark it for move.
func TestEventFileFloorOverridesAggressiveMaxAge(t *testing.T) {
	fs := newFakeStore()
	endTime := time.Now().Add(-1 * time.Second)
	recID, err := fs.CreateRecording(store.Recording{CameraIdentifier: "cam1", StartTime: endTime.Add(-10 * time.Second)})
	require.NoError(t, err)
	require.NoError(t, fs.FinalizeRecording(recID, endTime, "/clips/cam1.mp4"))

	recent := time.Now().Add(-2 * time.Second)
	fs.UpsertFile(store.File{Path: "/tier0/recent.mp4", Tier: "tier0", CameraIdentifier: "cam1", RecordingID: &recID, SizeBytes: 2000, CreatedAt: recent})

	tiers := []config.StorageTierConfig{
		{Path: "tier0", MaxBytes: 1000, MaxAgeSeconds: 1, Events: true},
	}
	w, err := New(tiers, fs, 5*time.Second)
	require.NoError(t, err)

	w.CheckTiers()
	assert.Len(t, fs.files, 1, "an event-associated file younger than 5x segment_duration must survive even if max_age would otherwise evict it")
}

func TestEventEligibleNeverSelectsFilesFromAnOpenRecording(t *testing.T) {
	fs := newFakeStore()
	recID, err := fs.CreateRecording(store.Recording{CameraIdentifier: "cam1", StartTime: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	// Recording never finalized: still open.

	old := time.Now().Add(-time.Hour)
	fs.UpsertFile(store.File{Path: "/tier0/a.mp4", Tier: "tier0", CameraIdentifier: "cam1", RecordingID: &recID, SizeBytes: 5000, CreatedAt: old})

	tiers := []config.StorageTierConfig{
		{Path: "tier0", MaxBytes: 100, Events: true},
	}
	w, err := New(tiers, fs, time.Millisecond)
	require.NoError(t, err)

	w.CheckTiers()
	assert.Len(t, fs.files, 1, "no file belonging to a still-open recording may be evicted")
}
