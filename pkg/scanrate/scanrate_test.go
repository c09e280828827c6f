package scanrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigureComputesRoundedInterval(t *testing.T) {
	c := New()
	c.Configure("cam1", "motion", 30, 4)
	assert.Equal(t, 8, c.Interval("cam1", "motion"))
}

func TestConfigureClampsScannerFasterThanCamera(t *testing.T) {
	c := New()
	c.Configure("cam1", "motion", 10, 30)
	assert.Equal(t, 1, c.Interval("cam1", "motion"))
}

func TestTickReturnsScannerOnlyWhenIntervalReached(t *testing.T) {
	c := New()
	c.Configure("cam1", "motion", 30, 10)
	assert.Equal(t, 3, c.Interval("cam1", "motion"))

	assert.Empty(t, c.Tick("cam1"))
	assert.Empty(t, c.Tick("cam1"))
	assert.Equal(t, []string{"motion"}, c.Tick("cam1"))
	assert.Empty(t, c.Tick("cam1"))
}

func TestDisableResetsCounterOnReconfigure(t *testing.T) {
	c := New()
	c.Configure("cam1", "motion", 30, 10)
	c.Tick("cam1")
	c.Tick("cam1")
	c.Disable("cam1", "motion")
	assert.Equal(t, 0, c.Interval("cam1", "motion"))

	c.Configure("cam1", "motion", 30, 10)
	assert.Empty(t, c.Tick("cam1"))
}

func TestUnknownCameraTickIsNoop(t *testing.T) {
	c := New()
	assert.Nil(t, c.Tick("unknown"))
}
