// Package camera implements the Camera Ingestor (spec.md §4.E): it
// probes a camera stream with ffprobe, launches the matching decoder
// subprocess, reads raw frames off its stdout pipe into the Shared
// Frame Store, and republishes them on the data bus while a watchdog
// restarts the decoder if frames stop arriving.
package camera

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"

	"github.com/sentinelnvr/sentinel/pkg/bus"
	"github.com/sentinelnvr/sentinel/pkg/sharedframe"
	"github.com/sentinelnvr/sentinel/pkg/types"
)

// maxConsecutiveEmptyFrames is how many empty or short reads from the
// decoder's stdout pipe are tolerated before the reader treats the
// stream as dead and triggers a restart (spec.md §4.E: "after 10
// consecutive empty reads or a subprocess exit").
const maxConsecutiveEmptyFrames = 10

// restartBackoff is the pause between tearing down a dead decoder pipe
// and relaunching it (spec.md §4.E: "sleep 5 s, restart").
const restartBackoff = 5 * time.Second

// CommandBuilder builds the ffprobe and decoder argv for one camera.
// Protocol/codec-specific argument assembly is a collaborator's concern
// (spec.md Non-goals); this package only needs something that returns
// an *exec.Cmd to run.
type CommandBuilder interface {
	ProbeCommand(ctx context.Context, cfg types.CameraConfig) *exec.Cmd
	DecodeCommand(ctx context.Context, cfg types.CameraConfig) *exec.Cmd
	FrameSize(cfg types.CameraConfig) (width, height int, pixFmt types.PixelFormat)
}

// Ingestor owns one camera's decoder subprocess lifecycle.
type Ingestor struct {
	identifier string
	cfg        types.CameraConfig
	builder    CommandBuilder
	frames     *sharedframe.Store
	dataBus    *bus.DataBus
	events     *bus.EventBus

	cmdMu      sync.Mutex
	cmd        *exec.Cmd
	lastFrame  atomic.Value // time.Time

	stopCh chan struct{}
	doneWG sync.WaitGroup
}

// New constructs an Ingestor for one camera. It does not start anything
// until Start is called.
func New(identifier string, cfg types.CameraConfig, builder CommandBuilder, frames *sharedframe.Store, dataBus *bus.DataBus, events *bus.EventBus) *Ingestor {
	i := &Ingestor{
		identifier: identifier,
		cfg:        cfg,
		builder:    builder,
		frames:     frames,
		dataBus:    dataBus,
		events:     events,
		stopCh:     make(chan struct{}),
	}
	i.lastFrame.Store(time.Time{})
	return i
}

// Start probes the camera with ffprobe (retried with backoff per
// spec.md §4.E), then launches the decoder and its reader/relay/watchdog
// goroutines. It returns once the first successful probe completes, or
// the probe permanently fails.
func (i *Ingestor) Start(ctx context.Context) error {
	if i.cfg.RecordOnly {
		log.Info().Str("camera", i.identifier).Msg("camera: record_only mode, skipping decode pipeline")
		i.publishStatus(true)
		return nil
	}

	if err := i.probe(ctx); err != nil {
		return fmt.Errorf("camera %s: probe failed: %w", i.identifier, err)
	}

	if err := i.launchDecoder(ctx); err != nil {
		return fmt.Errorf("camera %s: decoder launch failed: %w", i.identifier, err)
	}

	i.doneWG.Add(1)
	go i.watchdog(ctx)

	i.publishStatus(true)
	i.dataBus.Publish(fmt.Sprintf("camera_started/%s", i.identifier), types.CameraEvent{
		CameraIdentifier: i.identifier, Status: types.CameraStatusStarted, Connected: true, Timestamp: time.Now(),
	})

	return nil
}

// probeBaseTimeout is the ffprobe phase's starting subprocess timeout,
// growing with each retry attempt (spec.md §4.E: "retry with exponential
// backoff (max 10 attempts) and growing timeout (starts at 15 s)").
const probeBaseTimeout = 15 * time.Second

func (i *Ingestor) probe(ctx context.Context) error {
	attempt := 0
	return retry.Do(
		func() error {
			attempt++
			timeout := time.Duration(attempt) * probeBaseTimeout
			probeCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			cmd := i.builder.ProbeCommand(probeCtx, i.cfg)
			if err := cmd.Run(); err != nil {
				return fmt.Errorf("ffprobe: %w", err)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(10),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.OnRetry(func(n uint, err error) {
			log.Warn().Err(err).Str("camera", i.identifier).Uint("attempt", n+1).
				Msg("camera: ffprobe failed, retrying")
		}),
	)
}

func (i *Ingestor) launchDecoder(ctx context.Context) error {
	cmd := i.builder.DecodeCommand(ctx, i.cfg)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	i.cmdMu.Lock()
	i.cmd = cmd
	i.cmdMu.Unlock()
	i.lastFrame.Store(time.Now())

	width, height, pixFmt := i.builder.FrameSize(i.cfg)
	frameSize := frameByteSize(width, height, pixFmt)

	i.doneWG.Add(1)
	go i.readLoop(ctx, stdout, width, height, pixFmt, frameSize)
	return nil
}

func frameByteSize(width, height int, pixFmt types.PixelFormat) int {
	switch pixFmt {
	case types.PixelFormatNV12:
		return width*height + (width*height)/2
	default: // yuv420p and anything else with the same plane layout
		return width*height + 2*((width/2)*(height/2))
	}
}

func (i *Ingestor) readLoop(ctx context.Context, stdout io.ReadCloser, width, height int, pixFmt types.PixelFormat, frameSize int) {
	defer i.doneWG.Done()
	r := bufio.NewReaderSize(stdout, frameSize)

	consecutiveEmpty := 0
	for {
		select {
		case <-i.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		buf := make([]byte, frameSize)
		n, err := io.ReadFull(r, buf)
		if n == 0 || err != nil {
			consecutiveEmpty++
			if consecutiveEmpty >= maxConsecutiveEmptyFrames {
				log.Warn().Str("camera", i.identifier).Msg("camera: decode_error, tearing down decoder pipe")
				i.publishStatus(false)
				i.restart(ctx, width, height, pixFmt, frameSize)
				return
			}
			continue
		}
		consecutiveEmpty = 0
		i.lastFrame.Store(time.Now())

		sf := i.frames.Create(i.identifier, buf, pixFmt, width, height, types.Resolution{Width: width, Height: height}, time.Now())
		i.dataBus.Publish(fmt.Sprintf("frame_bytes/%s", i.identifier), sf)
	}
}

func (i *Ingestor) restart(ctx context.Context, width, height int, pixFmt types.PixelFormat, frameSize int) {
	i.killCurrent()

	select {
	case <-time.After(restartBackoff):
	case <-i.stopCh:
		return
	case <-ctx.Done():
		return
	}

	if err := i.launchDecoder(ctx); err != nil {
		log.Error().Err(err).Str("camera", i.identifier).Msg("camera: decoder restart failed")
		return
	}
	i.publishStatus(true)
}

// watchdog restarts the decoder if no frame has arrived within the
// camera's configured frame_timeout (spec.md §4.E).
func (i *Ingestor) watchdog(ctx context.Context) {
	defer i.doneWG.Done()
	timeout := i.cfg.FrameTimeout()
	ticker := time.NewTicker(timeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-i.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			last, _ := i.lastFrame.Load().(time.Time)
			if time.Since(last) > timeout {
				log.Warn().Str("camera", i.identifier).Dur("timeout", timeout).
					Msg("camera: frame timeout exceeded, restarting decoder")
				width, height, pixFmt := i.builder.FrameSize(i.cfg)
				i.restart(ctx, width, height, pixFmt, frameByteSize(width, height, pixFmt))
			}
		}
	}
}

func (i *Ingestor) killCurrent() {
	i.cmdMu.Lock()
	cmd := i.cmd
	i.cmdMu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
	_ = cmd.Wait()
}

func (i *Ingestor) publishStatus(connected bool) {
	i.events.DispatchEvent(fmt.Sprintf("status/%s", i.identifier), types.CameraEvent{
		CameraIdentifier: i.identifier, Status: types.CameraStatusUpdate, Connected: connected, Timestamp: time.Now(),
	}, true)
}

// Stop terminates the decoder subprocess and every goroutine started by
// Start, then publishes camera_stopped.
func (i *Ingestor) Stop() {
	close(i.stopCh)
	i.killCurrent()
	i.doneWG.Wait()

	i.publishStatus(false)
	i.dataBus.Publish(fmt.Sprintf("camera_stopped/%s", i.identifier), types.CameraEvent{
		CameraIdentifier: i.identifier, Status: types.CameraStatusStopped, Connected: false, Timestamp: time.Now(),
	})
}
