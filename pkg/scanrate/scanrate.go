// Package scanrate implements the Scan-Rate Calculator (spec.md §4.F):
// for each enabled scanner attached to a camera it derives how often,
// in terms of the camera's own output frame rate, that scanner should
// actually be invoked, and tracks the running per-scanner frame counter
// that decides which frames are selected.
package scanrate

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Calculator tracks, per camera, the scan interval and running counter
// for every enabled scanner.
type Calculator struct {
	mu       sync.Mutex
	cameras  map[string]map[string]*scannerState
}

type scannerState struct {
	interval int
	counter  int
}

// New constructs an empty Calculator.
func New() *Calculator {
	return &Calculator{cameras: make(map[string]map[string]*scannerState)}
}

// Configure (re)computes scanner's scan interval for camera, given the
// camera's current output FPS, per spec.md §4.F:
//
//	scan_interval = round(output_fps / scanner_fps)
//
// A scanner_fps greater than output_fps is clamped to output_fps (every
// frame scanned) with a logged warning, since a sub-1 interval is
// meaningless.
func (c *Calculator) Configure(cameraIdentifier, scanner string, outputFPS, scannerFPS int) {
	interval := 1
	if scannerFPS > 0 && outputFPS > 0 {
		if scannerFPS > outputFPS {
			log.Warn().Str("camera", cameraIdentifier).Str("scanner", scanner).
				Int("scanner_fps", scannerFPS).Int("output_fps", outputFPS).
				Msg("scanrate: scanner fps exceeds camera output fps, clamping to every frame")
			interval = 1
		} else {
			interval = roundDiv(outputFPS, scannerFPS)
			if interval < 1 {
				interval = 1
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	cam, ok := c.cameras[cameraIdentifier]
	if !ok {
		cam = make(map[string]*scannerState)
		c.cameras[cameraIdentifier] = cam
	}
	cam[scanner] = &scannerState{interval: interval}
}

// Disable removes scanner's tracked state for camera so it is no longer
// considered by Tick, and resets its counter to zero should it be
// reconfigured later (spec.md §4.F "disabling a scanner resets its
// counter").
func (c *Calculator) Disable(cameraIdentifier, scanner string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cam, ok := c.cameras[cameraIdentifier]; ok {
		delete(cam, scanner)
	}
}

// Tick advances every enabled scanner's per-frame counter for camera by
// one and returns the set of scanners whose interval was reached this
// frame, in which case their counter resets to zero.
func (c *Calculator) Tick(cameraIdentifier string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	cam, ok := c.cameras[cameraIdentifier]
	if !ok {
		return nil
	}

	var due []string
	for name, st := range cam {
		st.counter++
		if st.counter >= st.interval {
			st.counter = 0
			due = append(due, name)
		}
	}
	return due
}

// Interval returns scanner's currently configured interval for camera,
// or 0 if it is not enabled.
func (c *Calculator) Interval(cameraIdentifier, scanner string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cam, ok := c.cameras[cameraIdentifier]
	if !ok {
		return 0
	}
	st, ok := cam[scanner]
	if !ok {
		return 0
	}
	return st.interval
}

func roundDiv(a, b int) int {
	return (a + b/2) / b
}
