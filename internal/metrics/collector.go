/*
 * Package metrics snapshots host load around a flashing run.
 *
 * A bench flashing many boards at once is usually a small PC with a USB hub;
 * the snapshots end up in the debug log next to the run id so slow or failing
 * rounds can be correlated with a saturated host.
 */
package metrics

import (
	"fmt"
	"time"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"

	"github.com/oee-monitor/fleetflash/pkg/debug"
)

// SystemMetrics holds system performance metrics
type SystemMetrics struct {
	CPUUsage    float64
	MemoryUsage float64
	CollectedAt time.Time
}

func (m SystemMetrics) String() string {
	return fmt.Sprintf("cpu %.1f%%, memory %.1f%%", m.CPUUsage, m.MemoryUsage)
}

// Collector manages system metrics collection
type Collector struct {
	cpuSample time.Duration
}

// Config defines the configuration for the metrics collector
type Config struct {
	// CPUSampleInterval is how long CPU usage is measured for.
	// Zero compares against the previous call and does not block.
	CPUSampleInterval time.Duration
}

// New creates a new metrics collector
func New(config Config) *Collector {
	return &Collector{cpuSample: config.CPUSampleInterval}
}

// Collect gathers current system metrics. Individual probe failures are
// logged and leave their field at zero.
func (c *Collector) Collect() *SystemMetrics {
	metrics := &SystemMetrics{CollectedAt: time.Now()}

	if err := c.collectCPUMetrics(metrics); err != nil {
		debug.Error("Failed to collect CPU metrics: %v", err)
	}

	if err := c.collectMemoryMetrics(metrics); err != nil {
		debug.Error("Failed to collect memory metrics: %v", err)
	}

	return metrics
}

func (c *Collector) collectCPUMetrics(metrics *SystemMetrics) error {
	percentage, err := cpu.Percent(c.cpuSample, false)
	if err != nil {
		return fmt.Errorf("failed to get CPU usage: %w", err)
	}

	if len(percentage) > 0 {
		metrics.CPUUsage = percentage[0]
	}

	return nil
}

func (c *Collector) collectMemoryMetrics(metrics *SystemMetrics) error {
	vmem, err := mem.VirtualMemory()
	if err != nil {
		return fmt.Errorf("failed to get memory info: %w", err)
	}

	metrics.MemoryUsage = vmem.UsedPercent
	return nil
}
