package sharedframe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelnvr/sentinel/pkg/types"
)

func fakeConvert(raw []byte, pixFmt types.PixelFormat, w, h int) ([]byte, error) {
	out := make([]byte, len(raw)*3)
	copy(out, raw)
	return out, nil
}

func TestStoreCreateAndGetRaw(t *testing.T) {
	s := NewStore(fakeConvert)
	raw := []byte{1, 2, 3, 4}
	sf := s.Create("cam1", raw, types.PixelFormatYUV420P, 2, 2, types.Resolution{Width: 2, Height: 2}, time.Now())

	got, ok := s.GetRaw(sf)
	require.True(t, ok)
	assert.Equal(t, raw, got)
}

func TestStoreLazyRGBConversionCachedOnce(t *testing.T) {
	calls := 0
	convert := func(raw []byte, pixFmt types.PixelFormat, w, h int) ([]byte, error) {
		calls++
		return []byte{9, 9, 9}, nil
	}
	s := NewStore(convert)
	sf := s.Create("cam1", []byte{1}, types.PixelFormatNV12, 1, 1, types.Resolution{}, time.Now())

	rgb1, err := s.GetDecodedFrameRGB(sf)
	require.NoError(t, err)
	rgb2, err := s.GetDecodedFrameRGB(sf)
	require.NoError(t, err)

	assert.Equal(t, rgb1, rgb2)
	assert.Equal(t, 1, calls)
}

func TestStoreCloseSchedulesDelayedRemoval(t *testing.T) {
	s := NewStore(fakeConvert)
	sf := s.Create("cam1", []byte{1}, types.PixelFormatNV12, 1, 1, types.Resolution{}, time.Now())

	s.Close(sf)
	_, ok := s.GetRaw(sf)
	assert.True(t, ok, "buffer must still be present immediately after Close")
}

func TestStoreRetainPreventsRemovalUntilBalancedClose(t *testing.T) {
	s := NewStore(fakeConvert)
	sf := s.Create("cam1", []byte{1}, types.PixelFormatNV12, 1, 1, types.Resolution{}, time.Now())

	s.Retain(sf)
	s.Close(sf)
	_, ok := s.GetRaw(sf)
	assert.True(t, ok, "buffer must survive one Close while a retained reference remains")

	s.Close(sf)
}

func TestStoreRemoveIsImmediate(t *testing.T) {
	s := NewStore(fakeConvert)
	sf := s.Create("cam1", []byte{1}, types.PixelFormatNV12, 1, 1, types.Resolution{}, time.Now())

	s.Remove(sf)
	_, ok := s.GetRaw(sf)
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
}

func TestStoreGetDecodedFrameRGBUnknownFrame(t *testing.T) {
	s := NewStore(fakeConvert)
	sf := &types.SharedFrame{Name: "nonexistent"}

	_, err := s.GetDecodedFrameRGB(sf)
	assert.Error(t, err)
}
