package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 16)
	c.Collect(ch)
	close(ch)
	var total float64
	for m := range ch {
		var pb dto.Metric
		require.NoError(t, m.Write(&pb))
		if pb.Counter != nil {
			total += pb.Counter.GetValue()
		}
	}
	return total
}

func TestRegister_AddsAllCollectorsWithoutConflict(t *testing.T) {
	r := New()
	reg := prometheus.NewRegistry()
	require.NoError(t, r.Register(reg))
}

func TestRecordMessageIngested_IncrementsCounter(t *testing.T) {
	r := New()
	r.RecordMessageIngested("chan1")
	r.RecordMessageIngested("chan1")
	r.RecordMessageIngested("chan2")

	require.Equal(t, float64(3), counterValue(t, r.MessagesIngested))
}

func TestRecordFilterBlock_SeparatesDirections(t *testing.T) {
	r := New()
	r.RecordFilterBlock("ingress")
	r.RecordFilterBlock("egress")
	r.RecordFilterBlock("egress")

	require.Equal(t, float64(3), counterValue(t, r.FilterBlocks))
}

func TestRecordGeneration_CountsAttemptsPerKindAndOutcome(t *testing.T) {
	r := New()
	r.RecordGeneration("spontaneous", "success", 50*time.Millisecond)
	r.RecordGeneration("response", "empty", 10*time.Millisecond)

	require.Equal(t, float64(2), counterValue(t, r.GenerationsCalled))
}

func TestRecordEmit_SeparatesSuccessAndError(t *testing.T) {
	r := New()
	r.RecordEmit("chan1", nil)
	r.RecordEmit("chan1", assertErr{})

	require.Equal(t, float64(1), counterValue(t, r.ResponsesSent))
	require.Equal(t, float64(1), counterValue(t, r.ResponseErrors))
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
