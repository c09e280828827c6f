// Package nvr implements the NVR Pipeline (spec.md §4.G): for each
// camera it consumes frames selected by the Scan-Rate Calculator,
// dispatches them to the enabled scanners, waits for their results,
// evaluates whether a recording should start or continue, rolls up
// operation_state, and republishes the annotated frame for UI
// streaming.
package nvr

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sentinelnvr/sentinel/pkg/bus"
	"github.com/sentinelnvr/sentinel/pkg/config"
	"github.com/sentinelnvr/sentinel/pkg/scanrate"
	"github.com/sentinelnvr/sentinel/pkg/sharedframe"
	"github.com/sentinelnvr/sentinel/pkg/types"
)

// scanResultTimeout bounds how long the pipeline waits for every
// dispatched scanner to report back on one frame before giving up and
// marking it error_scanning_frame (spec.md §4.G step 5).
const scanResultTimeout = 3 * time.Second

// idleFramesToEndRecording computes how many consecutive no-trigger
// frames must elapse before a recording ends, as output_fps ×
// idle_timeout_seconds (spec.md §4.G step 6 / §8 scenario 1). An unset
// output_fps counts as 1 fps, and an unset idle_timeout yields 1, so a
// misconfigured camera still ends recordings instead of never closing
// them.
func idleFramesToEndRecording(cam *types.Camera) int {
	fps := cam.OutputFPS
	if fps <= 0 {
		fps = 1
	}
	idle := cam.Config.Recorder.IdleTimeout()
	if idle <= 0 {
		return 1
	}
	n := int(math.Round(float64(fps) * idle.Seconds()))
	if n < 1 {
		n = 1
	}
	return n
}

// Recorder is the subset of the Recorder's API the pipeline drives.
type Recorder interface {
	StartRecording(cameraIdentifier string, trigger types.TriggerType, lookback time.Duration)
	EndRecording(cameraIdentifier string)
	IsRecording(cameraIdentifier string) bool
}

// Pipeline drives one camera's per-frame scan/record/publish loop.
// Scanners themselves (motion/object detection) are a collaborator's
// concern (spec.md Non-goals); the pipeline only dispatches
// scan_frames/<camera>/<scanner> requests and correlates each scanner's
// motion_result/object_result response back to the frame it was asked
// to scan.
type Pipeline struct {
	identifier string
	camera     *types.Camera
	scanRate   *scanrate.Calculator
	frames     *sharedframe.Store
	dataBus    *bus.DataBus
	events     *bus.EventBus
	recorder   Recorder

	motionScanners []string
	objectScanners map[string]bool // scanner name -> scan_on_motion_only
	objectFilter   objectFilterConfig

	mu                 sync.Mutex
	lastMotion         bool
	lastState          types.OperationState
	idleFrameStreak    int
	recordingStartedAt time.Time

	pendingMu sync.Mutex
	pending   map[string]*pendingScan // frame name -> waiter

	stopCh      chan struct{}
	unsubMotion string
	unsubObject string
}

// pendingScan tracks one in-flight frame's dispatch to scanners: how
// many Retain calls were issued per modality (so the matching number of
// Close calls can be issued once, and only once, that modality's result
// arrives or its wait times out) plus the accumulating scanOutcome.
type pendingScan struct {
	frame *types.SharedFrame

	motionRetains int
	objectRetains int
	motionClosed  bool
	objectClosed  bool

	outcome scanOutcome
}

type scanOutcome struct {
	motion         *types.Contours
	motionRan      bool
	motionDetected bool
	objects        []types.DetectedObject
	objectsRan     bool
}

// NewPipeline constructs a Pipeline for one camera. motionScanners and
// objectScanners name the scanners enabled for this camera, as resolved
// from configuration; objectScanners maps scanner name to whether it is
// gated by scan_on_motion_only. objectScannerConfigs carries each object
// scanner's mask/zone/label configuration, merged into one filter
// applied to every object result (SPEC_FULL.md §12).
func NewPipeline(identifier string, camera *types.Camera, scanRate *scanrate.Calculator, frames *sharedframe.Store, dataBus *bus.DataBus, events *bus.EventBus, recorder Recorder, motionScanners []string, objectScanners map[string]bool, objectScannerConfigs map[string]config.ScannerConfig) *Pipeline {
	p := &Pipeline{
		identifier:     identifier,
		camera:         camera,
		scanRate:       scanRate,
		frames:         frames,
		dataBus:        dataBus,
		events:         events,
		recorder:       recorder,
		motionScanners: motionScanners,
		objectScanners: objectScanners,
		objectFilter:   mergeObjectFilterConfig(objectScannerConfigs),
		lastState:      types.OperationStateIdle,
		pending:        make(map[string]*pendingScan),
		stopCh:         make(chan struct{}),
	}

	p.unsubMotion = events.Listen(fmt.Sprintf("motion_result/%s", identifier), p.onMotionResult)
	p.unsubObject = events.Listen(fmt.Sprintf("object_result/%s", identifier), p.onObjectResult)
	return p
}

// ReportMotionResult is how a motion scanner domain reports back; it is
// exposed directly for tests and for scanners that prefer a function
// call over going through the event bus. detected is the scanner
// domain's own motion/no-motion verdict (its area threshold is that
// domain's configuration, not this core's concern) — the pipeline
// carries it rather than re-deriving it from contours.
func (p *Pipeline) ReportMotionResult(frameName string, detected bool, contours types.Contours) {
	p.resolveScanner(frameName, "motion", func(o *scanOutcome) {
		o.motion = &contours
		o.motionRan = true
		o.motionDetected = detected
	})
}

// ReportObjectResult is the object-scanner analogue of ReportMotionResult.
func (p *Pipeline) ReportObjectResult(frameName string, objects []types.DetectedObject) {
	p.resolveScanner(frameName, "object", func(o *scanOutcome) { o.objects = objects; o.objectsRan = true })
}

func (p *Pipeline) onMotionResult(topic string, data interface{}) {
	evt, ok := data.(motionResultPayload)
	if !ok {
		return
	}
	p.ReportMotionResult(evt.FrameName, evt.Detected, evt.Contours)
}

func (p *Pipeline) onObjectResult(topic string, data interface{}) {
	evt, ok := data.(objectResultPayload)
	if !ok {
		return
	}
	p.ReportObjectResult(evt.FrameName, evt.Objects)
}

// motionResultPayload / objectResultPayload are the event-bus payload
// shapes scanners publish on motion_result/<camera> and
// object_result/<camera>.
type motionResultPayload struct {
	FrameName string
	Detected  bool
	Contours  types.Contours
}

type objectResultPayload struct {
	FrameName string
	Objects   []types.DetectedObject
}

// resolveScanner applies a scanner's result to the frame's pending
// outcome and releases exactly the Retain calls dispatchAndWait issued
// for that modality (kind is "motion" or "object"), exactly once, so
// every Retain is eventually matched by a Close (pkg/sharedframe's
// refcounting contract).
func (p *Pipeline) resolveScanner(frameName string, kind string, apply func(*scanOutcome)) {
	p.pendingMu.Lock()
	ps, ok := p.pending[frameName]
	if !ok {
		p.pendingMu.Unlock()
		return
	}
	if (kind == "motion" && ps.motionRetains == 0) || (kind == "object" && ps.objectRetains == 0) {
		// That modality was not dispatched for this frame; its result is ignored.
		p.pendingMu.Unlock()
		return
	}
	apply(&ps.outcome)

	var toClose int
	var frame *types.SharedFrame
	switch kind {
	case "motion":
		if !ps.motionClosed {
			toClose = ps.motionRetains
			ps.motionClosed = true
			frame = ps.frame
		}
	case "object":
		if !ps.objectClosed {
			toClose = ps.objectRetains
			ps.objectClosed = true
			frame = ps.frame
		}
	}
	p.pendingMu.Unlock()

	for i := 0; i < toClose; i++ {
		p.frames.Close(frame)
	}
}

// Run consumes frames on frame_bytes/<camera> until Stop is called.
func (p *Pipeline) Run() {
	sq := p.dataBus.SubscribeQueue(fmt.Sprintf("frame_bytes/%s", p.identifier))
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		payload, ok := sq.Receive(time.Second)
		if !ok {
			continue
		}
		sf, ok := payload.Data.(*types.SharedFrame)
		if !ok {
			continue
		}
		p.processFrame(sf)
	}
}

// Stop ends Run's consume loop and removes the pipeline's result
// listeners from the event bus.
func (p *Pipeline) Stop() {
	close(p.stopCh)
	p.events.Unsubscribe(p.unsubMotion)
	p.events.Unsubscribe(p.unsubObject)
}

// maxFrameAge is how stale a frame may be before the pipeline drops it
// instead of scanning/recording/publishing it (spec.md §4.G step 2).
const maxFrameAge = time.Second

func (p *Pipeline) processFrame(sf *types.SharedFrame) {
	if age := sf.Age(time.Now()); age > maxFrameAge {
		log.Debug().Str("camera", p.identifier).Dur("age", age).
			Msg("nvr: dropping stale frame")
		p.frames.Close(sf)
		return
	}

	due := p.scanRate.Tick(p.identifier)
	if len(due) == 0 {
		p.frames.Close(sf)
		return
	}

	p.setOperationState(types.OperationStateScanningMotion)

	dueMotion, dueObjects := p.splitDue(due)
	outcome := p.dispatchAndWait(sf, dueMotion, dueObjects)
	outcome.objects = p.filterObjects(outcome.objects)

	motionDetected := p.currentMotion()
	if outcome.motionRan {
		// The motion scanner domain owns its own area threshold (that
		// config lives with the scanner, not this core); the pipeline
		// carries the already-decided verdict rather than re-deriving it.
		motionDetected = outcome.motionDetected
		p.mu.Lock()
		p.lastMotion = motionDetected
		p.mu.Unlock()
		if outcome.motion != nil {
			p.events.DispatchEvent(fmt.Sprintf("motion_detected/%s", p.identifier), types.MotionDetectedEvent{
				CameraIdentifier: p.identifier, Detected: motionDetected, Contours: *outcome.motion, Timestamp: time.Now(),
			}, true)
		}
	}

	triggered, trigger := p.evaluateTrigger(outcome.motionRan, motionDetected, outcome.objectsRan, outcome.objects)
	p.applyRecordingDecision(triggered, trigger, motionDetected)

	processed := types.ProcessedFrame{
		CameraIdentifier: p.identifier,
		CaptureTime:      sf.CaptureTime,
		Resolution:       sf.Resolution,
		Objects:          outcome.objects,
	}
	if outcome.motion != nil {
		processed.Motion = *outcome.motion
	}
	if rgb, err := p.frames.GetDecodedFrameRGB(sf); err == nil {
		processed.RGB = rgb
	}
	p.dataBus.Publish(fmt.Sprintf("processed_frame/%s", p.identifier), processed)

	p.frames.Close(sf)
}

func (p *Pipeline) splitDue(due []string) (motion []string, objects []string) {
	dueSet := make(map[string]bool, len(due))
	for _, d := range due {
		dueSet[d] = true
	}
	for _, m := range p.motionScanners {
		if dueSet[m] {
			motion = append(motion, m)
		}
	}
	for obj, scanOnMotionOnly := range p.objectScanners {
		if !dueSet[obj] {
			continue
		}
		// scan_on_motion_only gates the object scanner off unless motion
		// is currently present or a recording it may need to keep alive
		// is already in progress (spec.md §4.G step 5 scan-on-motion-only
		// / §8 scenario 3).
		if scanOnMotionOnly && !p.currentMotion() && !p.recorder.IsRecording(p.identifier) {
			continue
		}
		objects = append(objects, obj)
	}
	return motion, objects
}

func (p *Pipeline) currentMotion() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastMotion
}

// dispatchAndWait publishes scan requests to each due scanner and waits
// up to scanResultTimeout for every one to report back via
// ReportMotionResult/ReportObjectResult, per spec.md §4.G step 5.
func (p *Pipeline) dispatchAndWait(sf *types.SharedFrame, motionScanners, objectScanners []string) scanOutcome {
	if len(motionScanners) == 0 && len(objectScanners) == 0 {
		return scanOutcome{}
	}

	ps := &pendingScan{frame: sf, motionRetains: len(motionScanners), objectRetains: len(objectScanners)}
	p.pendingMu.Lock()
	p.pending[sf.Name] = ps
	p.pendingMu.Unlock()
	defer func() {
		p.pendingMu.Lock()
		delete(p.pending, sf.Name)
		p.pendingMu.Unlock()
	}()

	for _, scanner := range motionScanners {
		p.frames.Retain(sf)
		p.dataBus.Publish(fmt.Sprintf("scan_frames/%s/%s", p.identifier, scanner), types.ScanFramesEvent{
			CameraIdentifier: p.identifier, Scanner: scanner, FrameName: sf.Name,
		})
	}
	for _, scanner := range objectScanners {
		p.frames.Retain(sf)
		p.dataBus.Publish(fmt.Sprintf("scan_frames/%s/%s", p.identifier, scanner), types.ScanFramesEvent{
			CameraIdentifier: p.identifier, Scanner: scanner, FrameName: sf.Name,
		})
	}

	deadline := time.After(scanResultTimeout)
	poll := time.NewTicker(5 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-poll.C:
			p.pendingMu.Lock()
			hasMotion := ps.outcome.motionRan || len(motionScanners) == 0
			hasObjects := ps.outcome.objectsRan || len(objectScanners) == 0
			outcome := ps.outcome
			p.pendingMu.Unlock()
			if hasMotion && hasObjects {
				return outcome
			}
		case <-deadline:
			log.Warn().Str("camera", p.identifier).Str("frame", sf.Name).
				Msg("nvr: scan result timeout, marking error_scanning_frame")
			p.setOperationState(types.OperationStateErrorScanningFrame)
			// A scanner that never reported back leaves its Retains
			// unmatched forever; release them here so a timed-out scanner
			// doesn't leak the frame from the Shared Frame Store.
			p.pendingMu.Lock()
			outcome := ps.outcome
			var unmatchedMotion, unmatchedObjects int
			if !ps.motionClosed {
				unmatchedMotion = ps.motionRetains
				ps.motionClosed = true
			}
			if !ps.objectClosed {
				unmatchedObjects = ps.objectRetains
				ps.objectClosed = true
			}
			p.pendingMu.Unlock()
			for i := 0; i < unmatchedMotion+unmatchedObjects; i++ {
				p.frames.Close(sf)
			}
			return outcome
		}
	}
}

// evaluateTrigger implements spec.md §4.G step 5: the object path fires
// when an object scanner ran cleanly and produced a relevant,
// trigger-eligible object whose require_motion is satisfied; the
// motion-only path fires when a motion scanner ran cleanly, motion is
// present, and the camera is configured to let motion alone trigger a
// recording.
func (p *Pipeline) evaluateTrigger(motionRan, motionDetected bool, objectsRan bool, objects []types.DetectedObject) (bool, types.TriggerType) {
	if objectsRan {
		for _, obj := range objects {
			if !obj.TriggerEventRecording || !obj.Relevant {
				continue
			}
			if !obj.RequireMotion || motionDetected {
				return true, types.TriggerTypeObject
			}
		}
	}
	if motionRan && motionDetected && p.camera.Config.Recorder.MotionTriggerRecorder {
		return true, types.TriggerTypeMotion
	}
	return false, ""
}

// applyRecordingDecision implements spec.md §4.G step 6: start/extend a
// recording on trigger, otherwise count idle frames towards
// idleFramesToEndRecording unless motion_recorder_keepalive holds the
// recording open (itself bounded by max_recorder_keepalive).
func (p *Pipeline) applyRecordingDecision(triggered bool, trigger types.TriggerType, motionDetected bool) {
	if triggered {
		p.mu.Lock()
		p.idleFrameStreak = 0
		wasRecording := p.recorder.IsRecording(p.identifier)
		if !wasRecording {
			p.recordingStartedAt = time.Now()
		}
		p.mu.Unlock()

		if !wasRecording {
			p.recorder.StartRecording(p.identifier, trigger, p.camera.Config.Recorder.Lookback())
		}
		p.setOperationState(types.OperationStateRecording)
		return
	}

	if !p.recorder.IsRecording(p.identifier) {
		p.setOperationState(types.OperationStateIdle)
		return
	}

	cfg := p.camera.Config.Recorder
	if cfg.MotionRecorderKeepalive && motionDetected {
		if max, uncapped := cfg.MaxRecorderKeepalive(); !uncapped {
			p.mu.Lock()
			started := p.recordingStartedAt
			p.mu.Unlock()
			if !started.IsZero() && time.Since(started) >= max {
				p.recorder.EndRecording(p.identifier)
				p.mu.Lock()
				p.idleFrameStreak = 0
				p.mu.Unlock()
				p.setOperationState(types.OperationStateIdle)
				return
			}
		}
		// Motion keeps the recording alive without counting idle frames.
		p.setOperationState(types.OperationStateRecording)
		return
	}

	p.mu.Lock()
	p.idleFrameStreak++
	streak := p.idleFrameStreak
	p.mu.Unlock()

	if streak >= idleFramesToEndRecording(p.camera) {
		p.recorder.EndRecording(p.identifier)
		p.setOperationState(types.OperationStateIdle)
	} else {
		p.setOperationState(types.OperationStateRecording)
	}
}

func (p *Pipeline) setOperationState(state types.OperationState) {
	p.mu.Lock()
	changed := p.lastState != state
	p.lastState = state
	p.mu.Unlock()

	if !changed {
		return
	}
	p.events.DispatchEvent(fmt.Sprintf("operation_state/%s", p.identifier), types.OperationStateEvent{
		CameraIdentifier: p.identifier, State: state,
	}, true)
}
