package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/prometheus/prompb"
	"go.uber.org/zap"
)

func TestRemoteWritePusherSendsCountersAndGauges(t *testing.T) {
	var (
		body    []byte
		headers http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	registry := prometheus.NewRegistry()
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "cascade_test_runs_total"}, []string{"job"})
	backlog := prometheus.NewGauge(prometheus.GaugeOpts{Name: "cascade_test_backlog"})
	latency := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "cascade_test_latency_seconds"})
	registry.MustRegister(runs, backlog, latency)
	runs.WithLabelValues("aggregate").Add(2)
	backlog.Set(7)
	latency.Observe(0.3)

	pusher := NewRemoteWritePusher(srv.URL, "secret")
	if err := pusher.Push(context.Background(), registry); err != nil {
		t.Fatalf("push: %v", err)
	}

	if got := headers.Get("Content-Encoding"); got != "snappy" {
		t.Fatalf("expected snappy encoding, got %q", got)
	}
	if got := headers.Get("Authorization"); got != "Bearer secret" {
		t.Fatalf("expected bearer token, got %q", got)
	}

	decoded, err := snappy.Decode(nil, body)
	if err != nil {
		t.Fatalf("decode snappy: %v", err)
	}
	var req prompb.WriteRequest
	if err := req.Unmarshal(decoded); err != nil {
		t.Fatalf("unmarshal write request: %v", err)
	}

	values := map[string]float64{}
	for _, series := range req.Timeseries {
		name := ""
		for _, label := range series.Labels {
			if label.Name == "__name__" {
				name = label.Value
			}
		}
		values[name] = series.Samples[0].Value
	}
	if len(values) != 2 {
		t.Fatalf("expected counter and gauge only, got %v", values)
	}
	if values["cascade_test_runs_total"] != 2 || values["cascade_test_backlog"] != 7 {
		t.Fatalf("unexpected samples %v", values)
	}
}

func TestRemoteWritePusherReportsRejectedWrites(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "cascade_test_total"})
	registry.MustRegister(counter)
	counter.Inc()

	if err := NewRemoteWritePusher(srv.URL, "").Push(context.Background(), registry); err == nil {
		t.Fatalf("expected error for rejected write")
	}
}

func TestNewPusherSelectsExporter(t *testing.T) {
	log := zap.NewNop()
	if p := NewPusher(PushConfig{}, log); p != nil {
		t.Fatalf("expected nil pusher without exporter")
	}
	if p := NewPusher(PushConfig{Exporter: ExporterRemoteWrite}, log); p != nil {
		t.Fatalf("expected nil pusher without endpoint")
	}
	if p := NewPusher(PushConfig{Exporter: "statsd", Endpoint: "localhost:8125"}, log); p != nil {
		t.Fatalf("expected nil pusher for unknown exporter")
	}
	if _, ok := NewPusher(PushConfig{Exporter: ExporterRemoteWrite, Endpoint: "http://localhost:9090/api/v1/write"}, log).(*RemoteWritePusher); !ok {
		t.Fatalf("expected remote write pusher")
	}
	if _, ok := NewPusher(PushConfig{Exporter: ExporterPushgateway, Endpoint: "http://localhost:9091", Job: "cascade"}, log).(*PushgatewayPusher); !ok {
		t.Fatalf("expected pushgateway pusher")
	}
}
