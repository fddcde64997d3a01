package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	out := make(map[string]*dto.MetricFamily, len(mfs))
	for _, mf := range mfs {
		out[mf.GetName()] = mf
	}
	return out
}

func TestRegisterIdempotentAndHelpersRecord(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}
	if !Enabled() {
		t.Fatalf("expected Enabled after Register")
	}

	IncStart("apache")
	IncStartFailure("mariadb")
	IncStop("apache")
	ObserveStartDuration("apache", 0.4)
	RecordStateTransition("apache", "stopped", "starting")
	SetCurrentState("apache", "running", []string{"stopped", "running"})
	IncVHostScan(3)
	IncHealthFailure("web-port")

	mfs := gather(t, reg)
	for _, n := range []string{
		"stackr_service_starts_total",
		"stackr_service_start_failures_total",
		"stackr_service_stops_total",
		"stackr_service_start_duration_seconds",
		"stackr_service_state_transitions_total",
		"stackr_service_current_state",
		"stackr_vhost_scans_total",
		"stackr_vhost_sites",
		"stackr_health_check_failures_total",
	} {
		mf, ok := mfs[n]
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
		if len(mf.GetMetric()) == 0 {
			t.Fatalf("metric %s has no samples", n)
		}
	}
	if got := mfs["stackr_vhost_sites"].GetMetric()[0].GetGauge().GetValue(); got != 3 {
		t.Fatalf("vhost_sites = %v, want 3", got)
	}
	for _, m := range mfs["stackr_service_current_state"].GetMetric() {
		var state string
		for _, l := range m.GetLabel() {
			if l.GetName() == "state" {
				state = l.GetValue()
			}
		}
		want := 0.0
		if state == "running" {
			want = 1
		}
		if m.GetGauge().GetValue() != want {
			t.Fatalf("current_state{state=%q} = %v, want %v", state, m.GetGauge().GetValue(), want)
		}
	}
}

func TestHandlerForServesMetrics(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatal(err)
	}
	IncStart("handler-test")

	srv := httptest.NewServer(HandlerFor(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), `stackr_service_starts_total{service="handler-test"}`) {
		t.Fatalf("metrics output missing start counter:\n%s", b)
	}
}
