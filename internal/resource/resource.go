// Package resource is the Resource Monitor: a periodic memory/disk/CPU
// probe feeding a bounded ring buffer, triggering an emergency retention
// sweep under pressure. Backed by github.com/shirou/gopsutil/v3 for
// cross-platform system stats.
package resource

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

const (
	sampleInterval = 30 * time.Second
	maxSamples     = 100
)

// Sample is one periodic memory/disk/CPU reading.
type Sample struct {
	Timestamp     time.Time
	MemoryPercent float64
	DiskPercent   float64
	CPUPercent    float64
}

// Thresholds are the warning/critical cutoffs per axis, from operator
// configuration.
type Thresholds struct {
	MemWarningPct   float64
	MemCriticalPct  float64
	DiskWarningPct  float64
	DiskCriticalPct float64
}

// Sweeper performs retention cleanup against the Persistence Gateway.
// Both axes are expressed in days; a normal sweep uses the configured
// retention, an emergency sweep uses a reduced one (messages ÷ 4,
// metrics ÷ 2).
type Sweeper interface {
	Sweep(ctx context.Context, messageRetentionDays, metricRetentionDays int) error
}

// Config configures a Monitor.
type Config struct {
	Thresholds            Thresholds
	DiskPath              string // filesystem path whose usage is sampled
	MessageRetentionDays  int    // default 30
	MetricRetentionDays   int    // default 7
	CleanupInterval       time.Duration // default 60 minutes
}

// Monitor periodically samples system resources and drives retention
// sweeps.
type Monitor struct {
	cfg     Config
	sweeper Sweeper

	mu      sync.Mutex
	samples []Sample

	lastEmergencyAt time.Time
}

// New constructs a Monitor. Zero-valued Config fields fall back to the
// spec's defaults.
func New(cfg Config, sweeper Sweeper) *Monitor {
	if cfg.MessageRetentionDays <= 0 {
		cfg.MessageRetentionDays = 30
	}
	if cfg.MetricRetentionDays <= 0 {
		cfg.MetricRetentionDays = 7
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 60 * time.Minute
	}
	if cfg.DiskPath == "" {
		cfg.DiskPath = "/"
	}
	return &Monitor{cfg: cfg, sweeper: sweeper}
}

// Run samples resources every 30s and drives the periodic cleanup tick,
// until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	sampleTicker := time.NewTicker(sampleInterval)
	defer sampleTicker.Stop()
	cleanupTicker := time.NewTicker(m.cfg.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sampleTicker.C:
			m.sampleOnce(ctx)
		case <-cleanupTicker.C:
			if err := m.sweeper.Sweep(ctx, m.cfg.MessageRetentionDays, m.cfg.MetricRetentionDays); err != nil {
				slog.Warn("scheduled retention sweep failed", "error", err)
			}
		}
	}
}

func (m *Monitor) sampleOnce(ctx context.Context) {
	sample := m.collect()
	m.record(sample)

	critical := sample.MemoryPercent >= m.cfg.Thresholds.MemCriticalPct ||
		sample.DiskPercent >= m.cfg.Thresholds.DiskCriticalPct
	warning := sample.MemoryPercent >= m.cfg.Thresholds.MemWarningPct ||
		sample.DiskPercent >= m.cfg.Thresholds.DiskWarningPct

	switch {
	case critical:
		slog.Warn("resource pressure critical, running emergency retention sweep",
			"memory_pct", sample.MemoryPercent, "disk_pct", sample.DiskPercent)
		m.emergencySweep(ctx)
	case warning:
		slog.Warn("resource pressure elevated",
			"memory_pct", sample.MemoryPercent, "disk_pct", sample.DiskPercent)
	}
}

func (m *Monitor) collect() Sample {
	sample := Sample{Timestamp: time.Now()}

	if vm, err := mem.VirtualMemory(); err == nil {
		sample.MemoryPercent = vm.UsedPercent
	} else {
		slog.Warn("memory sample failed", "error", err)
	}

	if du, err := disk.Usage(m.cfg.DiskPath); err == nil {
		sample.DiskPercent = du.UsedPercent
	} else {
		slog.Warn("disk sample failed", "error", err)
	}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		sample.CPUPercent = pct[0]
	} else if err != nil {
		slog.Warn("cpu sample failed", "error", err)
	}

	return sample
}

func (m *Monitor) record(sample Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, sample)
	if len(m.samples) > maxSamples {
		m.samples = m.samples[len(m.samples)-maxSamples:]
	}
}

// emergencySweep runs with a quartered message retention and halved
// metric retention, at most once per sample interval.
func (m *Monitor) emergencySweep(ctx context.Context) {
	m.mu.Lock()
	if time.Since(m.lastEmergencyAt) < sampleInterval {
		m.mu.Unlock()
		return
	}
	m.lastEmergencyAt = time.Now()
	m.mu.Unlock()

	messageDays := m.cfg.MessageRetentionDays / 4
	if messageDays < 1 {
		messageDays = 1
	}
	metricDays := m.cfg.MetricRetentionDays / 2
	if metricDays < 1 {
		metricDays = 1
	}

	if err := m.sweeper.Sweep(ctx, messageDays, metricDays); err != nil {
		slog.Warn("emergency retention sweep failed", "error", err)
	}
}

// Samples returns a copy of the current ring buffer, most recent last.
func (m *Monitor) Samples() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Sample, len(m.samples))
	copy(out, m.samples)
	return out
}
