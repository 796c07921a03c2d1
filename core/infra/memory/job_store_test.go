package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opal-compute/gateway/core/controlplane/admission"
)

func testJob(id, dedup string, created time.Time) *admission.Job {
	return &admission.Job{
		ID:        id,
		Requester: "alice",
		Type:      admission.ComputeTypeAlgorithm,
		Algorithm: "density",
		Payload:   map[string]any{"algorithm": "density", "sample": 0.1},
		Status:    admission.StatusQueued,
		StatusHistory: []admission.StatusEvent{
			{Status: admission.StatusQueued, At: created},
			{Status: admission.StatusCreated, At: created},
		},
		ExitCode:  -1,
		DedupKey:  dedup,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestRedisJobStoreAdmitAndGet(t *testing.T) {
	client, _ := newTestClient(t)
	store := NewRedisJobStore(client)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	pos, err := store.Admit(ctx, testJob("job-1", "k1", now))
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if pos != 1 {
		t.Fatalf("expected position 1, got %d", pos)
	}

	job, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != admission.StatusQueued || job.Requester != "alice" || job.Algorithm != "density" {
		t.Fatalf("unexpected job: %#v", job)
	}
	if job.ExitCode != -1 {
		t.Fatalf("expected exit code -1, got %d", job.ExitCode)
	}
	if len(job.StatusHistory) != 2 || job.StatusHistory[0].Status != admission.StatusQueued || job.StatusHistory[1].Status != admission.StatusCreated {
		t.Fatalf("unexpected history: %#v", job.StatusHistory)
	}
	if !job.CreatedAt.Equal(now) {
		t.Fatalf("created_at mismatch: %s vs %s", job.CreatedAt, now)
	}
	if job.Payload["sample"] != 0.1 {
		t.Fatalf("payload not round-tripped: %#v", job.Payload)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, admission.ErrJobNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRedisJobStoreInflightReservation(t *testing.T) {
	client, _ := newTestClient(t)
	store := NewRedisJobStore(client)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := store.Admit(ctx, testJob("job-1", "same", now)); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if _, err := store.Admit(ctx, testJob("job-2", "same", now)); !errors.Is(err, admission.ErrInFlight) {
		t.Fatalf("expected in-flight rejection, got %v", err)
	}
	pos, err := store.Admit(ctx, testJob("job-3", "other", now))
	if err != nil {
		t.Fatalf("admit other: %v", err)
	}
	if pos != 2 {
		t.Fatalf("expected position 2, got %d", pos)
	}

	// ERROR and a requeue keep the key; only a terminal status frees it.
	for _, st := range []admission.Status{admission.StatusScheduled, admission.StatusRunning, admission.StatusError, admission.StatusQueued} {
		if _, err := store.Transition(ctx, "job-1", admission.StatusUpdate{Status: st, Guard: admission.CheckTransition(st)}); err != nil {
			t.Fatalf("transition %s: %v", st, err)
		}
		if _, err := store.Admit(ctx, testJob("job-dup-"+string(st), "same", now)); !errors.Is(err, admission.ErrInFlight) {
			t.Fatalf("equivalent job admitted while job-1 is %s: %v", st, err)
		}
	}
	for _, st := range []admission.Status{admission.StatusError, admission.StatusCancelled} {
		if _, err := store.Transition(ctx, "job-1", admission.StatusUpdate{Status: st, Guard: admission.CheckTransition(st)}); err != nil {
			t.Fatalf("transition %s: %v", st, err)
		}
	}
	if _, err := store.Admit(ctx, testJob("job-4", "same", now)); err != nil {
		t.Fatalf("expected key released after cancel, got %v", err)
	}
}

func TestRedisJobStoreConcurrentAdmit(t *testing.T) {
	client, _ := newTestClient(t)
	store := NewRedisJobStore(client)
	ctx := context.Background()
	now := time.Now().UTC()

	const n = 8
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			_, err := store.Admit(ctx, testJob("job-"+string(rune('a'+i)), "race", now))
			errs <- err
		}(i)
	}
	admitted := 0
	for i := 0; i < n; i++ {
		err := <-errs
		switch {
		case err == nil:
			admitted++
		case errors.Is(err, admission.ErrInFlight):
		default:
			// exhausted retries still must not double-admit
		}
	}
	if admitted != 1 {
		t.Fatalf("expected exactly one admission, got %d", admitted)
	}
}

func TestRedisJobStoreTransitionGuardAndResult(t *testing.T) {
	client, _ := newTestClient(t)
	store := NewRedisJobStore(client)
	ctx := context.Background()
	if _, err := store.Admit(ctx, testJob("job-1", "k", time.Now().UTC())); err != nil {
		t.Fatalf("admit: %v", err)
	}

	_, err := store.Transition(ctx, "job-1", admission.StatusUpdate{
		Status: admission.StatusCompleted,
		Guard:  admission.CheckTransition(admission.StatusCompleted),
	})
	if admission.KindOf(err) != admission.KindPreconditionFailed {
		t.Fatalf("expected precondition failure, got %v", err)
	}
	job, _ := store.Get(ctx, "job-1")
	if len(job.StatusHistory) != 2 {
		t.Fatalf("rejected transition must not touch history: %#v", job.StatusHistory)
	}

	for _, st := range []admission.Status{admission.StatusScheduled, admission.StatusRunning} {
		if _, err := store.Transition(ctx, "job-1", admission.StatusUpdate{Status: st}); err != nil {
			t.Fatalf("transition %s: %v", st, err)
		}
	}
	job, err = store.Transition(ctx, "job-1", admission.StatusUpdate{
		Status: admission.StatusCompleted,
		Result: &admission.Result{Output: "out.csv", Stdout: "ok", Stderr: "", ExitCode: 0},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if job.Status != admission.StatusCompleted || job.Output != "out.csv" || job.ExitCode != 0 {
		t.Fatalf("unexpected job: %#v", job)
	}
	if len(job.StatusHistory) != 5 || job.StatusHistory[0].Status != admission.StatusCompleted {
		t.Fatalf("unexpected history: %#v", job.StatusHistory)
	}

	if _, err := store.Transition(ctx, "nope", admission.StatusUpdate{Status: admission.StatusRunning}); !errors.Is(err, admission.ErrJobNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRedisJobStoreArchive(t *testing.T) {
	client, srv := newTestClient(t)
	store := NewRedisJobStore(client)
	ctx := context.Background()
	now := time.Now().UTC()
	if _, err := store.Admit(ctx, testJob("job-1", "k1", now)); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if _, err := store.Admit(ctx, testJob("job-2", "k2", now.Add(time.Second))); err != nil {
		t.Fatalf("admit: %v", err)
	}

	onlyTerminal := func(st admission.Status) error {
		if !st.Terminal() {
			return errors.New("not terminal")
		}
		return nil
	}
	if _, err := store.Archive(ctx, "job-1", onlyTerminal); err == nil {
		t.Fatalf("expected guard rejection")
	}
	if _, err := store.Transition(ctx, "job-1", admission.StatusUpdate{Status: admission.StatusCancelled}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	job, err := store.Archive(ctx, "job-1", onlyTerminal)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if !job.Archived {
		t.Fatalf("expected archived flag")
	}
	if ttl := srv.TTL(jobKey("job-1")); ttl <= 0 {
		t.Fatalf("expected archived job ttl, got %s", ttl)
	}

	active, err := store.ListActive(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 1 || active[0].ID != "job-2" {
		t.Fatalf("unexpected active jobs: %#v", active)
	}

	if _, err := store.Archive(ctx, "missing", onlyTerminal); !errors.Is(err, admission.ErrJobNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRedisJobStoreListActiveOrder(t *testing.T) {
	client, _ := newTestClient(t)
	store := NewRedisJobStore(client)
	ctx := context.Background()

	empty, err := store.ListActive(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Fatalf("expected empty non-nil list, got %#v", empty)
	}

	base := time.Now().UTC()
	for i, id := range []string{"c", "a", "b"} {
		if _, err := store.Admit(ctx, testJob(id, id, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("admit %s: %v", id, err)
		}
	}
	jobs, err := store.ListActive(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 3 || jobs[0].ID != "c" || jobs[1].ID != "a" || jobs[2].ID != "b" {
		t.Fatalf("expected admission order, got %v", jobIDs(jobs))
	}
}

func jobIDs(jobs []*admission.Job) []string {
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.ID)
	}
	return out
}
