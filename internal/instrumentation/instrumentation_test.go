package instrumentation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/env360/env360/internal/domain"
)

func TestMetricsRecordOutcomes(t *testing.T) {
	m := NewMetrics()

	m.WorkflowFinished("deploy_workflow", domain.WorkflowSucceeded, time.Second)
	m.WorkflowFinished("deploy_workflow", domain.WorkflowSucceeded, time.Second)
	m.WorkflowFinished("deploy_workflow", domain.WorkflowFailed, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(
		m.workflowsTotal.WithLabelValues("deploy_workflow", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.workflowsTotal.WithLabelValues("deploy_workflow", "failed")))

	m.StepFinished("create_namespace", 50*time.Millisecond, nil)
	m.StepFinished("create_deployment", time.Second, errors.New("apply rejected"))
	assert.Equal(t, 2, testutil.CollectAndCount(m.stepDuration))

	m.ApplyRecorded("Deployment", nil)
	m.ApplyRecorded("Deployment", errors.New("conflict"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.applyTotal.WithLabelValues("Deployment", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.applyTotal.WithLabelValues("Deployment", "error")))

	m.PollRecorded("Deployment", 3*time.Second)
	assert.Equal(t, 1, testutil.CollectAndCount(m.pollDuration))
}

func TestMetricsHandlerServesRegistry(t *testing.T) {
	m := NewMetrics()
	m.WorkflowFinished("setup_env_subdomain", domain.WorkflowSucceeded, time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "env360_workflows_total")
	assert.Contains(t, body, `workflow="setup_env_subdomain"`)
	assert.Contains(t, body, "go_goroutines")
}

func TestTracingDisabledIsNoop(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), TracingConfig{Enabled: false})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestTracingConfigFromEnv(t *testing.T) {
	t.Setenv("TRACING_ENABLED", "true")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "true")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.5")

	cfg := TracingConfigFromEnv("1.2.3")
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "env360", cfg.ServiceName)
	assert.Equal(t, "1.2.3", cfg.ServiceVersion)
	assert.Equal(t, "http://collector:4318", cfg.Endpoint)
	assert.True(t, cfg.Insecure)
	assert.Equal(t, 0.5, cfg.SampleRate)
}

func TestTracingConfigDefaults(t *testing.T) {
	cfg := TracingConfigFromEnv("dev")
	assert.False(t, cfg.Enabled)
	assert.Equal(t, 0.1, cfg.SampleRate)
}

func TestSpanHelpersWithoutProvider(t *testing.T) {
	ctx, span := StartWorkflowSpan(context.Background(), "deploy_workflow", "wf-1")
	require.NotNil(t, ctx)
	SetSpanError(span, errors.New("boom"))
	span.End()

	_, stepSpan := StartStepSpan(context.Background(), "create_namespace", "wf-1")
	SetSpanSuccess(stepSpan)
	stepSpan.End()
}
