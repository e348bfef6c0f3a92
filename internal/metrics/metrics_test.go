package metrics_test

import (
	"testing"

	"github.com/Wyydra/yacall/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilCollectorIsNoop(t *testing.T) {
	var c *metrics.Collector
	assert.NotPanics(t, func() {
		c.SessionStarted()
		c.SessionEnded("left")
		c.StartConflict()
		c.StaleAttempt()
		c.ReaperRun("end")
		c.BackendError("delete_room")
		c.OpenWindows(3)
		c.RequestTransition("ACCEPTED")
	})
}

func TestCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.New(reg)

	c.SessionStarted()
	c.StartConflict()
	c.StartConflict()
	c.ReaperRun("modal")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.SessionsStarted()))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.StartConflicts()))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ReaperRuns("modal")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.ReaperRuns("end")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
