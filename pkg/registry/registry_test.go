package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelnvr/sentinel/pkg/bus"
	"github.com/sentinelnvr/sentinel/pkg/types"
)

func TestRegisterStartsPending(t *testing.T) {
	r := New(bus.NewEventBus())
	key := Key{Domain: "camera", Identifier: "cam1"}

	e := r.Register(key, "ffmpeg", nil)
	assert.Equal(t, types.DomainStatePending, e.State())
}

func TestRegisterIsIdempotent(t *testing.T) {
	r := New(bus.NewEventBus())
	key := Key{Domain: "camera", Identifier: "cam1"}

	e1 := r.Register(key, "ffmpeg", nil)
	r.SetState(key, types.DomainStateLoaded, nil)
	e2 := r.Register(key, "ffmpeg", nil)

	assert.Same(t, e1, e2)
	assert.Equal(t, types.DomainStateLoaded, e2.State())
}

func TestSetStateDispatchesTransitionEvent(t *testing.T) {
	events := bus.NewEventBus()
	r := New(events)
	key := Key{Domain: "camera", Identifier: "cam1"}
	r.Register(key, "ffmpeg", nil)

	var got types.DomainStateChangedEvent
	events.Listen("domain/loaded/camera/cam1", func(topic string, data interface{}) {
		got = data.(types.DomainStateChangedEvent)
	})

	r.SetState(key, types.DomainStateLoaded, nil)
	assert.Equal(t, types.DomainStateLoaded, got.State)
	assert.Equal(t, "cam1", got.Identifier)
}

func TestSetStateFailedRecordsError(t *testing.T) {
	r := New(bus.NewEventBus())
	key := Key{Domain: "camera", Identifier: "cam1"}
	r.Register(key, "ffmpeg", nil)

	r.SetState(key, types.DomainStateFailed, errors.New("ffprobe timed out"))

	e, _ := r.Get(key)
	require.Error(t, e.Err())
	assert.Equal(t, "ffprobe timed out", e.Err().Error())
}

func TestSetInstanceDispatchesDomainRegistered(t *testing.T) {
	events := bus.NewEventBus()
	r := New(events)
	key := Key{Domain: "camera", Identifier: "cam1"}
	r.Register(key, "ffmpeg", nil)

	var gotInstance interface{}
	events.Listen("domain_registered/camera", func(topic string, data interface{}) {
		gotInstance = data.(types.DomainRegisteredEvent).Instance
	})

	r.SetInstance(key, "the-camera-object")
	inst, ok := r.GetInstance(key)
	require.True(t, ok)
	assert.Equal(t, "the-camera-object", inst)
	assert.Equal(t, "the-camera-object", gotInstance)
}

func TestWaitForUnblocksOnLoaded(t *testing.T) {
	r := New(bus.NewEventBus())
	key := Key{Domain: "camera", Identifier: "cam1"}
	r.Register(key, "ffmpeg", nil)

	resultCh := make(chan types.DomainState, 1)
	go func() {
		resultCh <- r.WaitFor(key, nil)
	}()

	time.Sleep(20 * time.Millisecond)
	r.SetState(key, types.DomainStateLoaded, nil)

	select {
	case state := <-resultCh:
		assert.Equal(t, types.DomainStateLoaded, state)
	case <-time.After(time.Second):
		t.Fatal("WaitFor never unblocked")
	}
}

func TestValidateDependenciesReportsMissing(t *testing.T) {
	r := New(bus.NewEventBus())
	dep := Key{Domain: "camera", Identifier: "cam1"}
	key := Key{Domain: "motion_detector", Identifier: "cam1"}
	r.Register(key, "background_subtractor", []Key{dep})

	missing := r.ValidateDependencies(key)
	require.Len(t, missing, 1)
	assert.Equal(t, dep, missing[0])

	r.Register(dep, "ffmpeg", nil)
	assert.Empty(t, r.ValidateDependencies(key))
}

func TestGetDependentsReturnsReverseEdges(t *testing.T) {
	r := New(bus.NewEventBus())
	camKey := Key{Domain: "camera", Identifier: "cam1"}
	motionKey := Key{Domain: "motion_detector", Identifier: "cam1"}
	nvrKey := Key{Domain: "nvr", Identifier: "cam1"}

	r.Register(camKey, "ffmpeg", nil)
	r.Register(motionKey, "background_subtractor", []Key{camKey})
	r.Register(nvrKey, "nvr", []Key{camKey, motionKey})

	dependents := r.GetDependents(camKey)
	require.Len(t, dependents, 2)
}

func TestGetPendingAndGetLoaded(t *testing.T) {
	r := New(bus.NewEventBus())
	pendingKey := Key{Domain: "camera", Identifier: "cam1"}
	loadedKey := Key{Domain: "camera", Identifier: "cam2"}
	r.Register(pendingKey, "ffmpeg", nil)
	r.Register(loadedKey, "ffmpeg", nil)
	r.SetState(loadedKey, types.DomainStateLoaded, nil)

	assert.Len(t, r.GetPending(), 1)
	assert.Len(t, r.GetLoaded(), 1)
}

func TestGetFailedCamerasSurfacesOnlyFailedCameraDomains(t *testing.T) {
	r := New(bus.NewEventBus())
	failedCam := Key{Domain: "camera", Identifier: "cam1"}
	failedScanner := Key{Domain: "motion_detector", Identifier: "cam2"}
	loadedCam := Key{Domain: "camera", Identifier: "cam3"}

	r.Register(failedCam, "ffmpeg", nil)
	r.SetState(failedCam, types.DomainStateFailed, errors.New("ffprobe timed out"))
	r.Register(failedScanner, "background_subtractor", nil)
	r.SetState(failedScanner, types.DomainStateFailed, errors.New("unrelated failure"))
	r.Register(loadedCam, "ffmpeg", nil)
	r.SetState(loadedCam, types.DomainStateLoaded, nil)

	failed := r.GetFailedCameras()
	require.Len(t, failed, 1)
	assert.Equal(t, "cam1", failed[0].Identifier)
	assert.Equal(t, "ffprobe timed out", failed[0].Error)
}

func TestUnregisterRemovesEntry(t *testing.T) {
	r := New(bus.NewEventBus())
	key := Key{Domain: "camera", Identifier: "cam1"}
	r.Register(key, "ffmpeg", nil)
	r.Unregister(key)

	_, ok := r.Get(key)
	assert.False(t, ok)
}
