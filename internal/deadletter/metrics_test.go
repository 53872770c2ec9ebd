package deadletter

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecordReceived(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NoError(t, m.Register())

	m.RecordReceived("orders.transitions", 3, 5*time.Second)
	m.RecordReceived("orders.transitions", 5, 10*time.Second)

	snap := m.Snapshot()
	tm := snap.TopicMetrics["orders.transitions"]
	require.NotNil(t, tm)
	assert.Equal(t, uint64(2), tm.Received)
	assert.Equal(t, uint64(2), tm.Unresolved)
	assert.Equal(t, 4.0, tm.AvgRetryCount) // (3+5)/2
	assert.False(t, tm.OldestFailureAt.IsZero())
	assert.False(t, tm.NewestFailureAt.IsZero())
}

func TestMetricsRecordResolved(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NoError(t, m.Register())

	m.RecordReceived("orders.transitions", 3, time.Second)
	m.RecordReceived("orders.transitions", 3, time.Second)
	m.RecordResolved("orders.transitions")

	snap := m.Snapshot()
	tm := snap.TopicMetrics["orders.transitions"]
	require.NotNil(t, tm)
	assert.Equal(t, uint64(2), tm.Received)
	assert.Equal(t, uint64(1), tm.Unresolved)
	assert.Equal(t, uint64(1), tm.Resolved)
}

func TestMetricsRecordReplayed(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NoError(t, m.Register())

	m.RecordReceived("orders.transitions", 3, time.Second)
	m.RecordReplayed("orders.transitions")

	snap := m.Snapshot()
	tm := snap.TopicMetrics["orders.transitions"]
	require.NotNil(t, tm)
	assert.Equal(t, uint64(1), tm.Replayed)
}

func TestMetricsSnapshotTotals(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NoError(t, m.Register())

	m.RecordReceived("orders.transitions", 3, time.Second)
	m.RecordReceived("payments.timeouts", 2, time.Second)
	m.RecordResolved("payments.timeouts")

	snap := m.Snapshot()
	assert.Equal(t, uint64(1), snap.TotalUnresolved)
	assert.Equal(t, uint64(1), snap.TotalResolved)
	assert.Len(t, snap.TopicMetrics, 2)
	assert.False(t, snap.CollectedAt.IsZero())

	// The snapshot is a copy, not a live view.
	snap.TopicMetrics["orders.transitions"].Received = 99
	again := m.Snapshot()
	assert.Equal(t, uint64(1), again.TopicMetrics["orders.transitions"].Received)
}

func TestMetricsRegisterIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NoError(t, m.Register())
	require.NoError(t, m.Register())

	other := NewMetrics(reg)
	require.NoError(t, other.Register())
}
