package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCollector_RecordsLearnerMetrics(t *testing.T) {
	c := NewCollector(zap.NewNop())

	c.ObserveSample("ok", 25*time.Millisecond)
	c.ObserveSample("ok", 30*time.Millisecond)
	c.ObserveSample("error", 0)
	c.RecordUpdate(0.1, 0.2, 1.5)
	c.RecordUpdate(0.3, 0.4, 1.2)
	c.ObserveCheckpoint(time.Second)
	c.IncWeightsPublished()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.samplesTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.samplesTotal.WithLabelValues("error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.sgdStepsTotal))
	assert.Equal(t, 0.3, testutil.ToFloat64(c.policyLoss))
	assert.Equal(t, 0.4, testutil.ToFloat64(c.valueLoss))
	assert.Equal(t, 1.2, testutil.ToFloat64(c.entropy))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.weightsPublishedTotal))
}

func TestCollector_HandlerServesScrapes(t *testing.T) {
	c := NewCollector(zap.NewNop())
	c.RecordUpdate(0.5, 0.25, 2.0)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	body := string(raw)
	assert.Contains(t, body, "learner_policy_loss 0.5")
	assert.Contains(t, body, "learner_sgd_steps_total 1")
}

func TestCollector_InstancesAreIndependent(t *testing.T) {
	// Two collectors must not clash over metric registration.
	a := NewCollector(zap.NewNop())
	b := NewCollector(zap.NewNop())
	a.RecordUpdate(1, 1, 1)
	assert.Equal(t, 0.0, testutil.ToFloat64(b.sgdStepsTotal))
}
