package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelnvr/sentinel/pkg/bus"
	"github.com/sentinelnvr/sentinel/pkg/registry"
	"github.com/sentinelnvr/sentinel/pkg/types"
)

func TestRunSchedulesInDependencyOrder(t *testing.T) {
	reg := registry.New(bus.NewEventBus())
	m := New(reg, 4)

	var mu sync.Mutex
	var order []string

	camKey := registry.Key{Domain: "camera", Identifier: "cam1"}
	motionKey := registry.Key{Domain: "motion_detector", Identifier: "cam1"}

	m.Add(Registration{
		Key: camKey, Component: "ffmpeg",
		Setup: func(ctx context.Context) (interface{}, error) {
			mu.Lock()
			order = append(order, "camera")
			mu.Unlock()
			return "cam-instance", nil
		},
	})
	m.Add(Registration{
		Key: motionKey, Component: "background_subtractor", Dependencies: []registry.Key{camKey},
		Setup: func(ctx context.Context) (interface{}, error) {
			mu.Lock()
			order = append(order, "motion")
			mu.Unlock()
			return "motion-instance", nil
		},
	})

	m.Run(context.Background())

	require.Equal(t, []string{"camera", "motion"}, order)

	camEntry, _ := reg.Get(camKey)
	assert.Equal(t, types.DomainStateLoaded, camEntry.State())
	motionEntry, _ := reg.Get(motionKey)
	assert.Equal(t, types.DomainStateLoaded, motionEntry.State())
}

func TestRunRetriesFailedSetupThenSucceeds(t *testing.T) {
	reg := registry.New(bus.NewEventBus())
	m := New(reg, 2)

	var attempts int32
	key := registry.Key{Domain: "camera", Identifier: "cam1"}
	m.Add(Registration{
		Key: key, Component: "ffmpeg", MaxAttempts: 3,
		Setup: func(ctx context.Context) (interface{}, error) {
			if atomic.AddInt32(&attempts, 1) < 3 {
				return nil, errors.New("ffprobe failed")
			}
			return "ok", nil
		},
	})

	m.Run(context.Background())

	e, _ := reg.Get(key)
	assert.Equal(t, types.DomainStateLoaded, e.State())
	assert.Equal(t, int32(3), attempts)
}

func TestRunMarksPermanentFailureAfterMaxAttempts(t *testing.T) {
	reg := registry.New(bus.NewEventBus())
	m := New(reg, 2)

	key := registry.Key{Domain: "camera", Identifier: "cam1"}
	m.Add(Registration{
		Key: key, Component: "ffmpeg", MaxAttempts: 2,
		Setup: func(ctx context.Context) (interface{}, error) {
			return nil, errors.New("permanently broken")
		},
	})

	m.Run(context.Background())

	e, _ := reg.Get(key)
	assert.Equal(t, types.DomainStateFailed, e.State())
	require.Error(t, e.Err())
}

func TestShutdownTearsDownInReverseDependencyOrder(t *testing.T) {
	reg := registry.New(bus.NewEventBus())
	m := New(reg, 4)

	var mu sync.Mutex
	var order []string

	camKey := registry.Key{Domain: "camera", Identifier: "cam1"}
	motionKey := registry.Key{Domain: "motion_detector", Identifier: "cam1"}

	m.Add(Registration{
		Key: camKey, Component: "ffmpeg",
		Setup:    func(ctx context.Context) (interface{}, error) { return "cam", nil },
		Teardown: func(ctx context.Context) { mu.Lock(); order = append(order, "camera"); mu.Unlock() },
	})
	m.Add(Registration{
		Key: motionKey, Component: "background_subtractor", Dependencies: []registry.Key{camKey},
		Setup:    func(ctx context.Context) (interface{}, error) { return "motion", nil },
		Teardown: func(ctx context.Context) { mu.Lock(); order = append(order, "motion"); mu.Unlock() },
	})

	m.Run(context.Background())
	m.Shutdown(context.Background())

	require.Equal(t, []string{"motion", "camera"}, order)
}

func TestWaitForBlocksUntilLoaded(t *testing.T) {
	reg := registry.New(bus.NewEventBus())
	m := New(reg, 2)

	key := registry.Key{Domain: "camera", Identifier: "cam1"}
	release := make(chan struct{})
	m.Add(Registration{
		Key: key, Component: "ffmpeg",
		Setup: func(ctx context.Context) (interface{}, error) {
			<-release
			return "ok", nil
		},
	})

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	go m.Run(context.Background())

	state := m.WaitFor(key, nil)
	assert.Equal(t, types.DomainStateLoaded, state)
}
