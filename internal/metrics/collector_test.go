package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Collect(t *testing.T) {
	collector := New(Config{})
	require.NotNil(t, collector)

	snapshot := collector.Collect()
	require.NotNil(t, snapshot)

	assert.False(t, snapshot.CollectedAt.IsZero())
	assert.GreaterOrEqual(t, snapshot.CPUUsage, 0.0)
	assert.LessOrEqual(t, snapshot.CPUUsage, 100.0)
	assert.GreaterOrEqual(t, snapshot.MemoryUsage, 0.0)
	assert.LessOrEqual(t, snapshot.MemoryUsage, 100.0)
}

func TestCollector_SampleInterval(t *testing.T) {
	collector := New(Config{CPUSampleInterval: 50 * time.Millisecond})

	start := time.Now()
	collector.Collect()

	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestSystemMetrics_String(t *testing.T) {
	m := SystemMetrics{CPUUsage: 12.345, MemoryUsage: 67.8}
	assert.Equal(t, "cpu 12.3%, memory 67.8%", m.String())
}
