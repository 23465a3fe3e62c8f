package metrics

import (
	"errors"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVectorsUsable(t *testing.T) {
	c := SettlementOutcomes.WithLabelValues("test", "processed")
	c.Inc()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	assert.Equal(t, float64(1), m.GetCounter().GetValue())

	g := ListenerState.WithLabelValues("test")
	g.Set(1)
	m = &dto.Metric{}
	require.NoError(t, g.Write(m))
	assert.Equal(t, float64(1), m.GetGauge().GetValue())
}

func TestResultLabel(t *testing.T) {
	assert.Equal(t, "ok", ResultLabel(nil))
	assert.Equal(t, "error", ResultLabel(errors.New("x")))
}
