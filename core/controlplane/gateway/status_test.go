package gateway

import (
	"context"
	"net/http"
	"testing"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type fakeBus struct{}

func (fakeBus) IsConnected() bool    { return true }
func (fakeBus) Status() string       { return "CONNECTED" }
func (fakeBus) ConnectedURL() string { return "nats://bus:4222" }

func TestHealth(t *testing.T) {
	gw := newTestGateway(t)
	rec := gw.do(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected health reply %d %q", rec.Code, rec.Body.String())
	}
}

func TestHandleStatus(t *testing.T) {
	gw := newTestGateway(t)

	rec := gw.do(t, http.MethodGet, "/api/v1/status", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", rec.Code)
	}
	var status map[string]any
	decode(t, rec, &status)
	redisInfo, _ := status["redis"].(map[string]any)
	if redisInfo["ok"] != true {
		t.Fatalf("expected redis ok, got %v", status["redis"])
	}
	backend, _ := status["backend"].(map[string]any)
	if backend["alive"] != true {
		t.Fatalf("expected backend alive, got %v", status["backend"])
	}
	services, _ := backend["services"].(map[string]any)
	if compute, _ := services["compute"].([]any); len(compute) != 1 {
		t.Fatalf("expected one compute service, got %v", backend["services"])
	}
	natsInfo, _ := status["nats"].(map[string]any)
	if natsInfo["status"] != "DISABLED" || natsInfo["connected"] != false {
		t.Fatalf("unexpected nats info %v", natsInfo)
	}

	gw.s.bus = fakeBus{}
	gw.redis.Del("svc:heartbeat:compute")
	rec = gw.do(t, http.MethodGet, "/api/v1/status", "", nil)
	decode(t, rec, &status)
	natsInfo, _ = status["nats"].(map[string]any)
	if natsInfo["connected"] != true || natsInfo["url"] != "nats://bus:4222" {
		t.Fatalf("unexpected nats info %v", natsInfo)
	}
	backend, _ = status["backend"].(map[string]any)
	if backend["alive"] != false {
		t.Fatalf("expected backend down, got %v", status["backend"])
	}
}

func TestRefreshHealthTracksLiveness(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()

	gw.s.refreshHealth(ctx)
	resp, err := gw.s.health.Check(ctx, &healthpb.HealthCheckRequest{Service: healthService})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING, got %s", resp.GetStatus())
	}

	gw.redis.Del("svc:heartbeat:compute")
	gw.s.refreshHealth(ctx)
	resp, err = gw.s.health.Check(ctx, &healthpb.HealthCheckRequest{Service: healthService})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING, got %s", resp.GetStatus())
	}

	overall, err := gw.s.health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("check overall: %v", err)
	}
	if overall.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("process should stay SERVING, got %s", overall.GetStatus())
	}
}

func TestStartHTTPServerInvalidAddr(t *testing.T) {
	gw := newTestGateway(t)
	if err := startHTTPServer(context.Background(), gw.s, "127.0.0.1:-1", "127.0.0.1:-2"); err == nil {
		t.Fatalf("expected listen error")
	}
}
