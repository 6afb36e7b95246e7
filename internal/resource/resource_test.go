package resource

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSweeper struct {
	calls                []call
}

type call struct {
	messageDays int
	metricDays  int
}

func (f *fakeSweeper) Sweep(ctx context.Context, messageRetentionDays, metricRetentionDays int) error {
	f.calls = append(f.calls, call{messageRetentionDays, metricRetentionDays})
	return nil
}

func TestRecord_CapsRingBufferAtMaxSamples(t *testing.T) {
	sweeper := &fakeSweeper{}
	m := New(Config{}, sweeper)

	for i := 0; i < maxSamples+20; i++ {
		m.record(Sample{Timestamp: time.Now()})
	}

	assert.Len(t, m.Samples(), maxSamples)
}

func TestNew_AppliesDefaultsForZeroValues(t *testing.T) {
	m := New(Config{}, &fakeSweeper{})
	assert.Equal(t, 30, m.cfg.MessageRetentionDays)
	assert.Equal(t, 7, m.cfg.MetricRetentionDays)
	assert.Equal(t, 60*time.Minute, m.cfg.CleanupInterval)
	assert.Equal(t, "/", m.cfg.DiskPath)
}

func TestEmergencySweep_QuartersMessagesAndHalvesMetrics(t *testing.T) {
	sweeper := &fakeSweeper{}
	m := New(Config{MessageRetentionDays: 30, MetricRetentionDays: 7}, sweeper)

	m.emergencySweep(context.Background())

	require.Len(t, sweeper.calls, 1)
	assert.Equal(t, 7, sweeper.calls[0].messageDays)
	assert.Equal(t, 3, sweeper.calls[0].metricDays)
}

func TestEmergencySweep_FloorsAtOneDay(t *testing.T) {
	sweeper := &fakeSweeper{}
	m := New(Config{MessageRetentionDays: 2, MetricRetentionDays: 1}, sweeper)

	m.emergencySweep(context.Background())

	require.Len(t, sweeper.calls, 1)
	assert.Equal(t, 1, sweeper.calls[0].messageDays)
	assert.Equal(t, 1, sweeper.calls[0].metricDays)
}

func TestEmergencySweep_ThrottledWithinSampleInterval(t *testing.T) {
	sweeper := &fakeSweeper{}
	m := New(Config{MessageRetentionDays: 30, MetricRetentionDays: 7}, sweeper)

	m.emergencySweep(context.Background())
	m.emergencySweep(context.Background())

	assert.Len(t, sweeper.calls, 1, "a second emergency sweep within the same sample interval should be skipped")
}

func TestEmergencySweep_RunsForSampleAboveCriticalThreshold(t *testing.T) {
	sweeper := &fakeSweeper{}
	m := New(Config{Thresholds: Thresholds{MemCriticalPct: 50, DiskCriticalPct: 90}}, sweeper)

	critical := Sample{MemoryPercent: 95, DiskPercent: 10}
	m.record(critical)

	isCritical := critical.MemoryPercent >= m.cfg.Thresholds.MemCriticalPct || critical.DiskPercent >= m.cfg.Thresholds.DiskCriticalPct
	require.True(t, isCritical)

	m.emergencySweep(context.Background())
	assert.Len(t, sweeper.calls, 1)
}
