package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataspace-hub/connector/internal/application/pipeline"
	"github.com/dataspace-hub/connector/internal/application/statemachine"
)

func TestMetrics_Record(t *testing.T) {
	m := New()

	m.Notify(statemachine.Event{Kind: statemachine.EventTransition, Process: "transfer", ToName: "STARTED"})
	m.Notify(statemachine.Event{Kind: statemachine.EventTransition, Process: "transfer", ToName: "STARTED"})
	m.Notify(statemachine.Event{Kind: statemachine.EventRetry, Process: "negotiation", ToName: "REQUESTING"})
	m.ObserveDispatch("TransferStartMessage", nil, 20*time.Millisecond)
	m.ObserveDispatch("TransferStartMessage", errors.New("refused"), time.Second)
	m.ObservePipeline(pipeline.StatusSucceeded, 1024, time.Second)
	m.ObservePipeline(pipeline.StatusFatal, 10, time.Second)

	assert.Equal(t, 2.0, counter(t, m, "connector_state_machine_events_total", map[string]string{"process": "transfer", "kind": "transition", "state": "STARTED"}))
	assert.Equal(t, 1.0, counter(t, m, "connector_state_machine_events_total", map[string]string{"process": "negotiation", "kind": "retry"}))
	assert.Equal(t, 1.0, counter(t, m, "connector_dispatch_total", map[string]string{"type": "TransferStartMessage", "result": "error"}))
	assert.Equal(t, 1.0, counter(t, m, "connector_pipeline_runs_total", map[string]string{"status": "FATAL"}))
	assert.Equal(t, 1024.0, counter(t, m, "connector_pipeline_bytes_total", nil))
}

// counter sums every sample of name whose labels include want.
func counter(t *testing.T, m *Metrics, name string, want map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	samples:
		for _, metric := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue samples
				}
			}
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.ObservePipeline(pipeline.StatusSucceeded, 1, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "connector_pipeline_runs_total")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
