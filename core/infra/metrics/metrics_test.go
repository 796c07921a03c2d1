package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func withTestRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	origReg := prometheus.DefaultRegisterer
	origGather := prometheus.DefaultGatherer
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg
	t.Cleanup(func() {
		prometheus.DefaultRegisterer = origReg
		prometheus.DefaultGatherer = origGather
	})
	return reg
}

func TestNoopMetrics(t *testing.T) {
	var m Metrics = Noop{}
	m.IncAdmission("admitted", "density")
	m.IncRejected("unauthorized")
	m.IncCancelled("density")
	m.IncIllegalAccess("not_owner")
	m.IncAuditDropped()
	m.IncEngineUpdate("RUNNING")
}

func TestPromMetrics(t *testing.T) {
	reg := withTestRegistry(t)
	m := NewProm("opal")
	m.IncAdmission("admitted", "density")
	m.IncRejected("unauthorized")
	m.IncCancelled("density")
	m.IncIllegalAccess("not_owner")
	m.IncAuditDropped()
	m.IncEngineUpdate("RUNNING")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if !hasMetric(families, "opal_admissions_total", map[string]string{"outcome": "admitted", "type": "density"}) {
		t.Fatalf("expected admissions metric")
	}
	if !hasMetric(families, "opal_admission_rejections_total", map[string]string{"kind": "unauthorized"}) {
		t.Fatalf("expected rejections metric")
	}
	if !hasMetric(families, "opal_jobs_cancelled_total", map[string]string{"type": "density"}) {
		t.Fatalf("expected cancellations metric")
	}
	if !hasMetric(families, "opal_illegal_access_total", map[string]string{"reason": "not_owner"}) {
		t.Fatalf("expected illegal access metric")
	}
	if !hasMetric(families, "opal_audit_dropped_total", nil) {
		t.Fatalf("expected audit dropped metric")
	}
	if !hasMetric(families, "opal_engine_status_updates_total", map[string]string{"status": "RUNNING"}) {
		t.Fatalf("expected engine update metric")
	}
}

func TestGatewayMetrics(t *testing.T) {
	reg := withTestRegistry(t)
	m := NewGatewayProm("opal")
	m.ObserveRequest("GET", "/api/v1/jobs/{id}", "200", 0.01)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if !hasMetric(families, "opal_http_requests_total", map[string]string{"method": "GET", "route": "/api/v1/jobs/{id}", "status": "200"}) {
		t.Fatalf("expected http_requests metric")
	}
	if !hasMetric(families, "opal_http_request_duration_seconds", map[string]string{"method": "GET", "route": "/api/v1/jobs/{id}"}) {
		t.Fatalf("expected http_request_duration metric")
	}
}

func TestHandler(t *testing.T) {
	withTestRegistry(t)
	m := NewProm("opal")
	m.IncAdmission("admitted", "spark")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatalf("expected metrics output")
	}
}

func hasMetric(families []*dto.MetricFamily, name string, labels map[string]string) bool {
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if matchLabels(metric.GetLabel(), labels) {
				return true
			}
		}
	}
	return false
}

func matchLabels(pairs []*dto.LabelPair, labels map[string]string) bool {
	if len(labels) == 0 {
		return true
	}
	found := 0
	for _, pair := range pairs {
		if val, ok := labels[pair.GetName()]; ok && pair.GetValue() == val {
			found++
		}
	}
	return found == len(labels)
}
