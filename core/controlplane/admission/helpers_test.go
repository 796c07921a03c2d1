package admission

import (
	"context"
	"testing"

	"github.com/opal-compute/gateway/core/infra/config"
	"github.com/stretchr/testify/require"
)

var testCredentialKey = []byte("0123456789abcdef0123456789abcdef")

const densityRegionJob = `{"algorithm":"density","params":{},"startDate":"1970-01-01T00:00:00.000Z","endDate":"1970-01-01T00:00:00.001Z","aggregationLevel":"region","aggregationValue":"Dakar","sample":0.1}`

const densityCommuneJob = `{"algorithm":"density","params":{},"startDate":"1970-01-01T00:00:00.000Z","endDate":"1970-01-01T00:00:00.001Z","aggregationLevel":"commune","aggregationValue":"Dakar","sample":0.1}`

const pythonUploadJob = `{"type":"python2","main":"main.py","params":{"n":3},"input":{"bucket":"in"}}`

const pythonSwiftJob = `{"type":"python2","main":"main.py","params":{"n":3},"swiftData":{"container":"c1"}}`

type fixture struct {
	pipeline   *Pipeline
	users      *UserService
	jobStore   *memJobStore
	userStore  *memUserStore
	cache      *stubCache
	liveness   *stubLiveness
	recorder   *captureRecorder
	events     *capturePublisher
	admin      Caller
	alice      Caller
	bob        Caller
	adminToken string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.DefaultAdmission()
	f := &fixture{
		jobStore:  newMemJobStore(),
		userStore: newMemUserStore(),
		cache:     &stubCache{},
		liveness:  &stubLiveness{alive: true},
		recorder:  &captureRecorder{},
		events:    &capturePublisher{},
	}
	gate, err := NewCredentialGate(f.userStore, testCredentialKey)
	require.NoError(t, err)
	validator, err := NewValidator(cfg.ComputeTypes, cfg.Algorithms)
	require.NoError(t, err)
	f.pipeline, err = NewPipeline(Deps{
		Validator: validator,
		Gate:      gate,
		Policy:    NewPolicy(cfg.AggregationLevels),
		Cache:     f.cache,
		Liveness:  f.liveness,
		Jobs:      f.jobStore,
		Access:    f.recorder,
		Events:    f.events,
		Audit:     f.recorder,
	})
	require.NoError(t, err)
	f.users = NewUserService(f.userStore, gate, append(cfg.Algorithms, cfg.ComputeTypes...))

	ctx := context.Background()
	admin, err := f.users.Bootstrap(ctx, "admin")
	require.NoError(t, err)
	f.adminToken = admin.Token
	f.admin = Caller{Token: admin.Token, Route: "test"}

	adminID := Identity{Username: "admin", Role: RoleAdmin}
	alice, err := f.users.CreateUser(ctx, adminID, UserSpec{
		Username:             "alice",
		AuthorizedAlgorithms: []string{"density", "python2"},
		AccessLevel:          1,
	})
	require.NoError(t, err)
	f.alice = Caller{Token: alice.Token, Route: "test"}

	bob, err := f.users.CreateUser(ctx, adminID, UserSpec{
		Username:             "bob",
		AuthorizedAlgorithms: []string{"density"},
		AccessLevel:          3,
	})
	require.NoError(t, err)
	f.bob = Caller{Token: bob.Token, Route: "test"}
	return f
}

func (f *fixture) create(t *testing.T, caller Caller, raw string) *Submission {
	t.Helper()
	sub, err := f.pipeline.CreateJob(context.Background(), caller, []byte(raw))
	require.NoError(t, err)
	return sub
}

func (f *fixture) admit(t *testing.T, caller Caller, raw string) string {
	t.Helper()
	sub := f.create(t, caller, raw)
	require.Equal(t, "OK", sub.Status)
	require.NotEmpty(t, sub.JobID)
	return sub.JobID
}

func (f *fixture) engine(t *testing.T, jobID string, statuses ...Status) {
	t.Helper()
	for _, st := range statuses {
		_, err := f.pipeline.ApplyEngineUpdate(context.Background(), EngineUpdate{JobID: jobID, Status: st})
		require.NoError(t, err, "push %s", st)
	}
}

func requireKind(t *testing.T, err error, kind Kind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, KindOf(err), "error: %v", err)
}
