package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.DialResult(ResultOK)
		m.ConnOpened()
		m.ConnClosed()
		m.StreamOpened("/echo/1.0.0")
		m.StreamClosed("/echo/1.0.0")
		m.BlockPut()
		m.BlockHit()
		m.BlockMiss()
		m.ReservationChanged(1)
		m.CircuitOpened()
		m.CircuitClosed()
	})
	assert.Nil(t, m.Registry())
}

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.DialResult(ResultOK)
	m.DialResult(ResultOK)
	m.DialResult(ResultGated)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.dials.WithLabelValues(ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dials.WithLabelValues(ResultGated)))

	m.ConnOpened()
	m.ConnOpened()
	m.ConnClosed()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.conns))

	m.CircuitOpened()
	m.CircuitClosed()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.circuits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.circuitsTot))
}

func TestMetrics_RegistryExport(t *testing.T) {
	m := New()
	m.BlockPut()
	m.BlockMiss()

	expected := `
# HELP webnode_blockstore_puts_total Blocks newly inserted into the store.
# TYPE webnode_blockstore_puts_total counter
webnode_blockstore_puts_total 1
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "webnode_blockstore_puts_total"))
}
