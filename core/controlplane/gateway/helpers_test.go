package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/opal-compute/gateway/core/controlplane/admission"
	"github.com/opal-compute/gateway/core/infra/auditlog"
	"github.com/opal-compute/gateway/core/infra/cache"
	"github.com/opal-compute/gateway/core/infra/config"
	"github.com/opal-compute/gateway/core/infra/liveness"
	"github.com/opal-compute/gateway/core/infra/memory"
	"github.com/opal-compute/gateway/core/infra/redisutil"
	"google.golang.org/grpc/health"
)

const densityJob = `{"algorithm":"density","params":{},"startDate":"1970-01-01T00:00:00.000Z","endDate":"1970-01-01T00:00:00.001Z","aggregationLevel":"region","aggregationValue":"Dakar","sample":0.1}`

const sparkJob = `{"type":"spark","main":"job.py","params":{"partitions":4},"swiftData":{"container":"c1"}}`

type testGateway struct {
	s          *server
	handler    http.Handler
	redis      *miniredis.Miniredis
	jobs       *memory.RedisJobStore
	beats      *memory.HeartbeatStore
	adminToken string
	aliceToken string
	bobToken   string
}

func newTestGateway(t *testing.T) *testGateway {
	return newTestGatewayWithCache(t, "")
}

func newTestGatewayWithCache(t *testing.T, cacheURL string) *testGateway {
	t.Helper()

	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	client, err := redisutil.Connect("redis://" + srv.Addr())
	if err != nil {
		t.Fatalf("connect redis: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.DefaultAdmission()
	jobs := memory.NewRedisJobStore(client)
	users := memory.NewRedisUserStore(client)
	beats := memory.NewHeartbeatStore(client)
	access := memory.NewAccessLogStore(client, 0)

	gate, err := admission.NewCredentialGate(users, []byte("gateway-test-credential-key"))
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	validator, err := admission.NewValidator(cfg.ComputeTypes, cfg.Algorithms)
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	probe, err := liveness.New(beats, cfg.Liveness.Roles, cfg.Liveness.Window())
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	recorder := auditlog.New(access, nil, 0)
	t.Cleanup(func() { _ = recorder.Close(context.Background()) })

	s := &server{
		users:    admission.NewUserService(users, gate, slices.Concat(cfg.Algorithms, cfg.ComputeTypes)),
		store:    jobs,
		liveness: probe,
		hub:      newHub(),
		health:   health.NewServer(),
		started:  time.Now().UTC(),
	}
	s.pipeline, err = admission.NewPipeline(admission.Deps{
		Validator: validator,
		Gate:      gate,
		Policy:    admission.NewPolicy(cfg.AggregationLevels),
		Cache:     cache.New(cacheURL, time.Second),
		Liveness:  probe,
		Jobs:      jobs,
		Access:    recorder,
		Events:    s.hub,
		Audit:     access,
	})
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}

	gw := &testGateway{s: s, handler: s.routes(), redis: srv, jobs: jobs, beats: beats}
	ctx := context.Background()
	admin, err := s.users.Bootstrap(ctx, "admin")
	if err != nil {
		t.Fatalf("bootstrap admin: %v", err)
	}
	gw.adminToken = admin.Token
	actor := admission.Identity{Username: "admin", Role: admission.RoleAdmin}
	alice, err := s.users.CreateUser(ctx, actor, admission.UserSpec{
		Username:             "alice",
		Role:                 admission.RoleStandard,
		AuthorizedAlgorithms: []string{"density", "spark"},
		AccessLevel:          1,
	})
	if err != nil {
		t.Fatalf("create alice: %v", err)
	}
	gw.aliceToken = alice.Token
	bob, err := s.users.CreateUser(ctx, actor, admission.UserSpec{
		Username:             "bob",
		Role:                 admission.RoleStandard,
		AuthorizedAlgorithms: []string{"density"},
		AccessLevel:          3,
	})
	if err != nil {
		t.Fatalf("create bob: %v", err)
	}
	gw.bobToken = bob.Token

	gw.backendUp(t)
	return gw
}

func (gw *testGateway) backendUp(t *testing.T) {
	t.Helper()
	now := time.Now()
	for _, role := range []string{"compute", "scheduler"} {
		if err := gw.beats.Beat(context.Background(), role, role+"-1", now); err != nil {
			t.Fatalf("beat %s: %v", role, err)
		}
	}
}

func (gw *testGateway) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("X-API-Key", token)
	}
	rec := httptest.NewRecorder()
	gw.handler.ServeHTTP(rec, req)
	return rec
}

func (gw *testGateway) submit(t *testing.T, token, job string) string {
	t.Helper()
	rec := gw.do(t, http.MethodPost, "/api/v1/jobs", token, map[string]any{"job": json.RawMessage(job)})
	if rec.Code != http.StatusOK {
		t.Fatalf("submit: %d %s", rec.Code, rec.Body.String())
	}
	var sub admission.Submission
	decode(t, rec, &sub)
	if sub.Status != "OK" || sub.JobID == "" {
		t.Fatalf("unexpected submission: %+v", sub)
	}
	return sub.JobID
}

func (gw *testGateway) engine(t *testing.T, jobID string, statuses ...admission.Status) {
	t.Helper()
	for _, st := range statuses {
		if _, err := gw.s.pipeline.ApplyEngineUpdate(context.Background(), admission.EngineUpdate{JobID: jobID, Status: st}); err != nil {
			t.Fatalf("push %s: %v", st, err)
		}
	}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	decode(t, rec, &body)
	msg, _ := body["error"].(string)
	return msg
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
