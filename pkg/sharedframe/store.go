// Package sharedframe implements the Shared Frame Store (spec.md §4.B):
// a keyed registry of raw decoded-frame buffers that lets producers
// (the Camera Ingestor) hand frames to many consumers (scanners, the
// NVR pipeline, the recorder) without copying pixel data, plus lazy
// RGB conversion for consumers that need it and delayed cleanup so a
// frame outlives the instant its last consumer releases it.
package sharedframe

import (
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/sentinelnvr/sentinel/pkg/types"
)

// removalDelay is how long Close waits, after the caller's reference
// count reaches zero, before actually freeing the buffer — spec.md §4.B
// notes a frame may still be referenced by an in-flight scan result a
// few hundred milliseconds after its owning ingestor releases it, so
// immediate removal would race a legitimate late reader.
const removalDelay = 2 * time.Second

// RGBConverter turns a raw color-plane buffer into packed RGB. It is
// supplied by the caller (normally a cgo/FFmpeg binding) so this
// package stays free of a hard dependency on any particular decoder.
type RGBConverter func(raw []byte, pixFmt types.PixelFormat, width, height int) ([]byte, error)

type entry struct {
	mu       sync.Mutex
	raw      []byte
	rgb      []byte
	rgbErr   error
	rgbDone  bool
	refs     int32
	removeAt *time.Timer
}

// Store is the process-wide registry of live shared frame buffers,
// keyed by SharedFrame.Name.
type Store struct {
	entries  *xsync.MapOf[string, *entry]
	convert  RGBConverter
	sequence uint64
	seqMu    sync.Mutex
}

// NewStore constructs an empty store. convert may be nil if no caller
// ever needs GetDecodedFrameRGB (e.g. in tests).
func NewStore(convert RGBConverter) *Store {
	return &Store{
		entries: xsync.NewMapOf[string, *entry](),
		convert: convert,
	}
}

// Create registers a new raw buffer under a fresh unique name, scoped to
// cameraIdentifier for readability, and returns the descriptor. The
// store takes ownership of raw; callers must not mutate it afterward.
func (s *Store) Create(cameraIdentifier string, raw []byte, pixFmt types.PixelFormat, rawW, rawH int, resolution types.Resolution, captureTime time.Time) *types.SharedFrame {
	s.seqMu.Lock()
	s.sequence++
	seq := s.sequence
	s.seqMu.Unlock()

	name := fmt.Sprintf("%s-%d-%d", cameraIdentifier, captureTime.UnixNano(), seq)
	s.entries.Store(name, &entry{raw: raw, refs: 1})

	return &types.SharedFrame{
		Name:             name,
		CameraIdentifier: cameraIdentifier,
		RawWidth:         rawW,
		RawHeight:        rawH,
		PixFmt:           pixFmt,
		Resolution:       resolution,
		CaptureTime:      captureTime,
	}
}

// GetRaw returns the raw color-plane buffer backing sf, or ok=false if
// it has already been removed.
func (s *Store) GetRaw(sf *types.SharedFrame) (raw []byte, ok bool) {
	e, found := s.entries.Load(sf.Name)
	if !found {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.raw, true
}

// GetDecodedFrameRGB returns the packed-RGB conversion of sf's buffer,
// converting and caching it on first access (spec.md §4.B "RGB
// conversion happens lazily, at most once per frame").
func (s *Store) GetDecodedFrameRGB(sf *types.SharedFrame) ([]byte, error) {
	e, found := s.entries.Load(sf.Name)
	if !found {
		return nil, fmt.Errorf("sharedframe: %q no longer registered", sf.Name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rgbDone {
		return e.rgb, e.rgbErr
	}
	if s.convert == nil {
		e.rgbErr = fmt.Errorf("sharedframe: no RGB converter configured")
		e.rgbDone = true
		return nil, e.rgbErr
	}

	rgb, err := s.convert(e.raw, sf.PixFmt, sf.RawWidth, sf.RawHeight)
	e.rgb, e.rgbErr, e.rgbDone = rgb, err, true
	return rgb, err
}

// Retain increments sf's reference count; callers that hand a
// SharedFrame to an additional long-lived consumer (e.g. fan-out to
// several scanners) must call Retain once per consumer and Close once
// each consumer is done.
func (s *Store) Retain(sf *types.SharedFrame) {
	e, found := s.entries.Load(sf.Name)
	if !found {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removeAt != nil {
		e.removeAt.Stop()
		e.removeAt = nil
	}
	e.refs++
}

// Close decrements sf's reference count. When it reaches zero, the
// buffer is scheduled for removal after removalDelay rather than freed
// immediately, so an in-flight late reader (e.g. a scan result racing
// the ingestor's own release) still finds it.
func (s *Store) Close(sf *types.SharedFrame) {
	e, found := s.entries.Load(sf.Name)
	if !found {
		return
	}

	e.mu.Lock()
	e.refs--
	remaining := e.refs
	e.mu.Unlock()

	if remaining > 0 {
		return
	}

	e.mu.Lock()
	if e.removeAt == nil {
		e.removeAt = time.AfterFunc(removalDelay, func() {
			s.Remove(sf)
		})
	}
	e.mu.Unlock()
}

// Remove immediately and unconditionally frees sf's buffer, regardless
// of pending reference counts. Close's delayed-removal timer calls it
// once a frame's last reference is released.
func (s *Store) Remove(sf *types.SharedFrame) {
	e, found := s.entries.LoadAndDelete(sf.Name)
	if !found {
		return
	}
	e.mu.Lock()
	if e.removeAt != nil {
		e.removeAt.Stop()
	}
	e.mu.Unlock()
	log.Debug().Str("name", sf.Name).Msg("sharedframe: buffer removed")
}

// Len reports the number of frames currently registered, for tests and
// diagnostics.
func (s *Store) Len() int {
	return s.entries.Size()
}
