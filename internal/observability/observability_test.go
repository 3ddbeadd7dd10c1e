package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "pipeline", zerolog.InfoLevel)
	logger.Debug().Msg("dropped")
	logger.Info().Uint64("commit_sequence", 7).Msg("committed")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("want exactly one JSON line, got %q: %v", buf.String(), err)
	}
	if line["component"] != "pipeline" || line["service"] != "settled" {
		t.Errorf("missing component fields: %v", line)
	}
	if line["commit_sequence"] != float64(7) {
		t.Errorf("commit_sequence = %v", line["commit_sequence"])
	}
}

func TestReadiness(t *testing.T) {
	h := NewHealthChecker()

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("before ready: got %d", rec.Code)
	}

	h.SetReady(true)
	if !h.IsReady() {
		t.Fatal("IsReady after SetReady(true)")
	}
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("ready: got %d", rec.Code)
	}

	h.AddCheck("postgres", func(context.Context) error { return errors.New("connection refused") })
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("failing check: got %d", rec.Code)
	}
	var body struct {
		Status string            `json:"status"`
		Failed map[string]string `json:"failed"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Failed["postgres"] != "connection refused" {
		t.Errorf("failed checks: %v", body.Failed)
	}
}

func TestLivenessIncludesInfo(t *testing.T) {
	h := NewHealthChecker()
	h.SetInfo(func() map[string]any { return map[string]any{"tx_counter": 12} })

	rec := httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "alive" || body["tx_counter"] != float64(12) {
		t.Errorf("body: %v", body)
	}
}

func gatherValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name || len(mf.GetMetric()) == 0 {
			continue
		}
		m := mf.GetMetric()[0]
		if c := m.GetCounter(); c != nil {
			return c.GetValue()
		}
		if g := m.GetGauge(); g != nil {
			return g.GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestMetricsIsolatedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.RecordsProcessed.WithLabelValues("Withdraw", "Failure").Inc()
	m.SetChannelMetrics("persist", 5, 10)

	if got := gatherValue(t, reg, "settle_records_processed_total"); got != 1 {
		t.Errorf("records: got %v", got)
	}
	if got := gatherValue(t, reg, "settle_channel_utilization"); got != 0.5 {
		t.Errorf("utilization: got %v", got)
	}

	// a second instance on its own registry must not collide
	_ = NewMetrics(prometheus.NewRegistry())

	var nilMetrics *Metrics
	nilMetrics.SetChannelMetrics("persist", 1, 1)
}
