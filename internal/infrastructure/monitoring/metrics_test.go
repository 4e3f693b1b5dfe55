package monitoring

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerLifecycleMetrics(t *testing.T) {
	m := NewMetrics("test")

	m.RecordSpawn("bwrap", 10*time.Millisecond)
	m.RecordSpawn("seccomp", 5*time.Millisecond)
	m.SetWorkersActive(2)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.WorkersActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkersSpawned.WithLabelValues("bwrap")))

	m.RecordExit("crashed")
	m.SetWorkersActive(1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkersActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkerExits.WithLabelValues("crashed")))
}

func TestSessionMetrics(t *testing.T) {
	m := NewMetrics("test")

	m.IncSessions()
	m.RecordViolation()
	m.RecordError("timeout")
	m.RecordFrame(1800 * 400)
	m.RecordSkip("namespaces")

	timer := NewTimer(m, "init")
	assert.GreaterOrEqual(t, timer.Stop(), time.Duration(0))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Violations))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Errors.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesDecoded))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SandboxSkips.WithLabelValues("namespaces")))

	m.DecSessions()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SessionsActive))
}

func TestIndependentRegistries(t *testing.T) {
	a := NewMetrics("test")
	b := NewMetrics("test")

	a.RecordViolation()

	families, err := b.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == "test_protocol_violations_total" {
			assert.Equal(t, 0.0, f.GetMetric()[0].GetCounter().GetValue())
		}
	}
}
