package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ciadpi-tray/autosearch/internal/candidate"
	"github.com/ciadpi-tray/autosearch/internal/evaluator"
	"github.com/ciadpi-tray/autosearch/internal/search"
)

func findFamily(t *testing.T, m *Metrics, name string) *dto.MetricFamily {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric %s not gathered", name)
	return nil
}

func TestTrialFinished(t *testing.T) {
	m := New()

	m.TrialFinished(evaluator.Outcome{Success: true, Kind: evaluator.FailureNone, Latency: 1500 * time.Millisecond, Attempts: 1})
	m.TrialFinished(evaluator.Outcome{Kind: evaluator.FailureProbe, Latency: 8 * time.Second, Attempts: 3})
	m.TrialFinished(evaluator.Outcome{Kind: evaluator.FailureSpawn})
	m.TrialFinished(evaluator.Outcome{Kind: evaluator.FailureProbe, Latency: 8 * time.Second, Attempts: 3})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.trialsTotal.WithLabelValues("none")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.trialsTotal.WithLabelValues("probe")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.trialsTotal.WithLabelValues("spawn")))

	fam := findFamily(t, m, "autosearch_trial_latency_seconds")
	var samples uint64
	for _, metric := range fam.GetMetric() {
		samples += metric.GetHistogram().GetSampleCount()
	}
	assert.Equal(t, uint64(3), samples, "spawn failures carry no latency")

	attempts := findFamily(t, m, "autosearch_probe_attempts").GetMetric()[0].GetHistogram()
	assert.Equal(t, uint64(3), attempts.GetSampleCount())
	assert.Equal(t, 7.0, attempts.GetSampleSum())
}

func TestTrialLatencyHelp(t *testing.T) {
	m := New()
	m.TrialFinished(evaluator.Outcome{Success: true, Kind: evaluator.FailureNone, Latency: time.Second, Attempts: 1})

	fam := findFamily(t, m, "autosearch_trial_latency_seconds")
	assert.Equal(t, "Probe latency per trial", fam.GetHelp())
}

func TestSearchLifecycle(t *testing.T) {
	m := New()

	m.SearchStarted()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.searchActive))

	m.SearchFinished(search.Result{Found: true, Best: candidate.Parse("-o1"), Latency: 2500 * time.Millisecond, TrialsRun: 5})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.searchActive))
	assert.Equal(t, 2.5, testutil.ToFloat64(m.bestLatency))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.lastTrialsRun))

	m.SearchFinished(search.Result{TrialsRun: 3})
	m.SearchFinished(search.Result{TrialsRun: 1, Cancelled: true})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.searchesTotal.WithLabelValues(OutcomeFound)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.searchesTotal.WithLabelValues(OutcomeNotFound)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.searchesTotal.WithLabelValues(OutcomeCancelled)))
	assert.Equal(t, 2.5, testutil.ToFloat64(m.bestLatency), "unsuccessful searches keep the last best")
}

func TestIndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.SearchStarted()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.searchActive))
}

func TestHandler(t *testing.T) {
	m := New()
	m.TrialFinished(evaluator.Outcome{Success: true, Kind: evaluator.FailureNone, Latency: time.Second, Attempts: 1})

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `autosearch_trials_total{kind="none"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
