package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollector(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.StateEntered("SyncStart", 8)
	c.StateEntered("SyncStart", 8)
	c.StateEntered("Replication", 16)
	assert.Equal(t, 2.0, testutil.ToFloat64(c.transitions.WithLabelValues("SyncStart")))
	assert.Equal(t, 16.0, testutil.ToFloat64(c.currentState))

	c.Declared("UPLOAD", true)
	c.Declared("UPLOAD", false)
	c.Declared("UPLOAD", true)
	assert.Equal(t, 2.0, testutil.ToFloat64(c.declarations.WithLabelValues("UPLOAD", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.declarations.WithLabelValues("UPLOAD", "failed")))

	c.Committed()
	c.IntegrityFailure()
	c.SetBusyWorkers(3)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.commits))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.integrityFailures))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.busyWorkers))
}

func TestCollectorsAreIndependent(t *testing.T) {
	a := NewCollector(prometheus.NewRegistry())
	b := NewCollector(prometheus.NewRegistry())

	a.Committed()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.commits))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.commits))
}
