package recorder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelnvr/sentinel/pkg/bus"
	"github.com/sentinelnvr/sentinel/pkg/types"
)

func TestBracketSegmentsSelectsOverlappingSegmentsOnly(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	segs := []Segment{
		{Path: "s1.mp4", StartTime: base, Duration: 5 * time.Second},
		{Path: "s2.mp4", StartTime: base.Add(5 * time.Second), Duration: 5 * time.Second},
		{Path: "s3.mp4", StartTime: base.Add(10 * time.Second), Duration: 5 * time.Second},
		{Path: "s4.mp4", StartTime: base.Add(60 * time.Second), Duration: 5 * time.Second},
	}

	start := base.Add(3 * time.Second)
	end := base.Add(12 * time.Second)

	bracket := bracketSegments(segs, start, end)
	require.Len(t, bracket, 3)
	assert.Equal(t, "s1.mp4", bracket[0].Path)
	assert.Equal(t, "s3.mp4", bracket[2].Path)
}

func TestBuildConcatScriptSetsInpointAndOutpointOnEndpoints(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	segs := []Segment{
		{Path: "s1.mp4", StartTime: base, Duration: 5 * time.Second},
		{Path: "s2.mp4", StartTime: base.Add(5 * time.Second), Duration: 5 * time.Second},
	}
	start := base.Add(2 * time.Second)
	end := base.Add(7 * time.Second)

	script := buildConcatScript(segs, start, end)
	assert.Contains(t, script, "inpoint 2.000")
	assert.Contains(t, script, "outpoint 2.000")
}

type fakeLister struct {
	segments []Segment
}

func (f *fakeLister) ListSegments(cameraIdentifier string) ([]Segment, error) {
	return f.segments, nil
}

func TestStartRecordingIsIdempotentWhileWindowOpen(t *testing.T) {
	cfgs := map[string]types.RecorderConfig{"cam1": {}}
	lister := &fakeLister{}
	dataBus := bus.NewDataBus(16, 16)
	defer dataBus.Close()
	r, err := New(cfgs, lister, dataBus, nil)
	require.NoError(t, err)

	sq := dataBus.SubscribeQueue("recording_start/cam1")

	r.StartRecording("cam1", types.TriggerTypeMotion, 5*time.Second)
	_, ok := sq.Receive(time.Second)
	require.True(t, ok)

	r.StartRecording("cam1", types.TriggerTypeMotion, 5*time.Second)
	_, ok = sq.Receive(200 * time.Millisecond)
	assert.False(t, ok, "a second StartRecording on an open window must not emit a second start event")
	assert.True(t, r.IsRecording("cam1"))
}

func TestStartRecordingPausesCleanupAndConcatResumesItOnceIdle(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfgs := map[string]types.RecorderConfig{"cam1": {}}
	lister := &fakeLister{segments: []Segment{
		{Path: "s1.mp4", StartTime: base, Duration: 5 * time.Second},
	}}
	dataBus := bus.NewDataBus(16, 16)
	defer dataBus.Close()
	r, err := New(cfgs, lister, dataBus, nil)
	require.NoError(t, err)

	r.StartRecording("cam1", types.TriggerTypeMotion, 0)
	r.cleanupMu.Lock()
	paused := r.paused
	r.cleanupMu.Unlock()
	assert.True(t, paused, "starting a recording must pause the cleanup sweep")

	r.mu.Lock()
	w := r.windows["cam1"]
	delete(r.windows, "cam1")
	r.mu.Unlock()

	r.concat("cam1", w, base.Add(5*time.Second))

	r.cleanupMu.Lock()
	paused = r.paused
	r.cleanupMu.Unlock()
	assert.False(t, paused, "cleanup must resume once concat completes and no window is open")
}

func TestConcatLeavesCleanupPausedWhileAnotherCameraIsRecording(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfgs := map[string]types.RecorderConfig{"cam1": {}, "cam2": {}}
	lister := &fakeLister{segments: []Segment{
		{Path: "s1.mp4", StartTime: base, Duration: 5 * time.Second},
	}}
	dataBus := bus.NewDataBus(16, 16)
	defer dataBus.Close()
	r, err := New(cfgs, lister, dataBus, nil)
	require.NoError(t, err)

	r.StartRecording("cam1", types.TriggerTypeMotion, 0)
	r.StartRecording("cam2", types.TriggerTypeMotion, 0)

	r.mu.Lock()
	w := r.windows["cam1"]
	delete(r.windows, "cam1")
	r.mu.Unlock()

	r.concat("cam1", w, base.Add(5*time.Second))

	r.cleanupMu.Lock()
	paused := r.paused
	r.cleanupMu.Unlock()
	assert.True(t, paused, "cleanup must stay paused while cam2's window is still open")
}
