package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opal-compute/gateway/core/infra/logging"
	"github.com/opal-compute/gateway/core/infra/metrics"
)

const defaultStoreOpTimeout = 5 * time.Second

// AuditLog reads back recorded access entries.
type AuditLog interface {
	ListIllegal(ctx context.Context, limit int64) ([]AccessEntry, error)
	ListRecent(ctx context.Context, limit int64) ([]AccessEntry, error)
}

// Deps wires the pipeline collaborators. Access, Events, Audit and Metrics are optional.
type Deps struct {
	Validator *Validator
	Gate      *CredentialGate
	Policy    *Policy
	Cache     DedupCache
	Liveness  LivenessProbe
	Jobs      JobStore
	Access    AccessRecorder
	Events    EventPublisher
	Audit     AuditLog
	Metrics   metrics.Metrics
	// StoreOpTimeout bounds mutations, which outlive a cancelled request.
	StoreOpTimeout time.Duration
}

// Pipeline admits, queries and cancels jobs on behalf of authenticated callers.
type Pipeline struct {
	validator *Validator
	gate      *CredentialGate
	policy    *Policy
	cache     DedupCache
	liveness  LivenessProbe
	jobs      JobStore
	access    AccessRecorder
	events    EventPublisher
	audit     AuditLog
	metrics   metrics.Metrics
	opTimeout time.Duration

	now   func() time.Time
	newID func() string
}

// NewPipeline validates deps and returns a ready pipeline.
func NewPipeline(d Deps) (*Pipeline, error) {
	switch {
	case d.Validator == nil:
		return nil, fmt.Errorf("validator required")
	case d.Gate == nil:
		return nil, fmt.Errorf("credential gate required")
	case d.Policy == nil:
		return nil, fmt.Errorf("policy required")
	case d.Cache == nil:
		return nil, fmt.Errorf("dedup cache required")
	case d.Liveness == nil:
		return nil, fmt.Errorf("liveness probe required")
	case d.Jobs == nil:
		return nil, fmt.Errorf("job store required")
	}
	p := &Pipeline{
		validator: d.Validator,
		gate:      d.Gate,
		policy:    d.Policy,
		cache:     d.Cache,
		liveness:  d.Liveness,
		jobs:      d.Jobs,
		access:    d.Access,
		events:    d.Events,
		audit:     d.Audit,
		metrics:   d.Metrics,
		opTimeout: d.StoreOpTimeout,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return uuid.NewString() },
	}
	if p.access == nil {
		p.access = noopRecorder{}
	}
	if p.events == nil {
		p.events = noopPublisher{}
	}
	if p.metrics == nil {
		p.metrics = metrics.Noop{}
	}
	if p.opTimeout <= 0 {
		p.opTimeout = defaultStoreOpTimeout
	}
	return p, nil
}

// Authenticate resolves the caller's token and records the access.
func (p *Pipeline) Authenticate(ctx context.Context, caller Caller) (Identity, error) {
	if strings.TrimSpace(caller.Token) == "" {
		return Identity{}, newError(KindUnauthenticated, msgUnauthenticated)
	}
	id, err := p.gate.Resolve(ctx, caller.Token)
	if err != nil {
		if KindOf(err) == KindUnauthenticated {
			p.recordIllegal(caller, "", "invalid_credentials")
		}
		return Identity{}, err
	}
	p.access.Record(AccessEntry{
		Kind:     AccessAudit,
		Route:    caller.Route,
		Username: id.Username,
		Headers:  caller.Headers,
		At:       p.now(),
	})
	return id, nil
}

// CreateJob runs a submission through validation, authentication,
// authorization, dedup and liveness, then admits it.
func (p *Pipeline) CreateJob(ctx context.Context, caller Caller, raw []byte) (*Submission, error) {
	sub, jobType, err := p.createJob(ctx, caller, raw)
	if err != nil {
		p.metrics.IncRejected(string(KindOf(err)))
		return nil, err
	}
	p.metrics.IncAdmission(sub.Outcome, jobType)
	return sub, nil
}

func (p *Pipeline) createJob(ctx context.Context, caller Caller, raw []byte) (*Submission, string, error) {
	if strings.TrimSpace(caller.Token) == "" {
		return nil, "", newError(KindUnauthenticated, msgUnauthenticated)
	}
	req, err := p.validator.Validate(raw)
	if err != nil {
		return nil, "", err
	}
	jobType := req.Capability()

	id, err := p.Authenticate(ctx, caller)
	if err != nil {
		return nil, jobType, err
	}
	if err := p.policy.Authorize(id, req); err != nil {
		reason := "unauthorized"
		if aerr := AsError(err); aerr.Details != nil {
			reason = fmt.Sprint(aerr.Details["reason"])
		}
		p.recordIllegal(caller, id.Username, reason)
		return nil, jobType, newError(KindUnauthorized, msgNotAuthorized)
	}

	normalized, dedupKey, err := Normalize(req)
	if err != nil {
		return nil, jobType, &Error{Kind: KindInternal, Message: "internal error", Err: err}
	}
	switch res := p.cache.Query(ctx, normalized); res.Outcome {
	case CacheHit:
		return &Submission{Status: "OK", Result: res.Result, Outcome: OutcomeCached}, jobType, nil
	case CacheWaiting:
		return waiting(), jobType, nil
	}

	alive, err := p.liveness.IsBackendAlive(ctx)
	if err != nil {
		return nil, jobType, storeError("liveness probe", err)
	}
	if !alive {
		logging.Error("admission", "backend unavailable, rejecting job", "requester", id.Username, "type", jobType)
		return nil, jobType, newError(KindBackendUnavailable, msgBackendDown)
	}

	job := p.newJob(id.Username, req, normalized, dedupKey)
	storeCtx, cancel := p.storeContext(ctx)
	defer cancel()
	position, err := p.jobs.Admit(storeCtx, job)
	if errors.Is(err, ErrInFlight) {
		return waiting(), jobType, nil
	}
	if err != nil {
		return nil, jobType, storeError("admit job", err)
	}

	logging.Info("admission", "job admitted", "job_id", job.ID, "requester", job.Requester, "type", jobType, "position", position)
	p.events.PublishJobEvent(JobEvent{
		Kind:      EventAdmitted,
		JobID:     job.ID,
		Requester: job.Requester,
		Type:      jobType,
		Status:    job.Status,
		At:        job.CreatedAt,
	})
	return &Submission{Status: "OK", JobID: job.ID, JobPosition: position, Outcome: OutcomeAdmitted}, jobType, nil
}

func waiting() *Submission {
	return &Submission{Status: "Waiting", Outcome: OutcomeWaiting}
}

func (p *Pipeline) newJob(requester string, req *JobRequest, payload map[string]any, dedupKey string) *Job {
	now := p.now()
	statuses := admissionHistory(req.RequiresUpload())
	history := make([]StatusEvent, 0, len(statuses))
	for _, st := range statuses {
		history = append(history, StatusEvent{Status: st, At: now})
	}
	job := &Job{
		ID:            p.newID(),
		Requester:     requester,
		Type:          req.Type,
		Payload:       payload,
		Status:        history[0].Status,
		StatusHistory: history,
		ExitCode:      -1,
		DedupKey:      dedupKey,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if req.Algorithm != nil {
		job.Algorithm = req.Algorithm.Algorithm
	}
	return job
}

// GetJob returns a job visible to the caller: admins see every job, others
// only their own. Unknown and foreign jobs fail identically.
func (p *Pipeline) GetJob(ctx context.Context, caller Caller, jobID string) (*Job, error) {
	id, err := p.Authenticate(ctx, caller)
	if err != nil {
		return nil, err
	}
	return p.visibleJob(ctx, caller, id, jobID)
}

func (p *Pipeline) visibleJob(ctx context.Context, caller Caller, id Identity, jobID string) (*Job, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		p.recordIllegal(caller, id.Username, "missing_job_id")
		return nil, newError(KindNotFound, msgJobNotVisible)
	}
	job, err := p.jobs.Get(ctx, jobID)
	if errors.Is(err, ErrJobNotFound) {
		p.recordIllegal(caller, id.Username, "job_not_found")
		return nil, newError(KindNotFound, msgJobNotVisible)
	}
	if err != nil {
		return nil, storeError("get job", err)
	}
	if !id.IsAdmin() && job.Requester != id.Username {
		p.recordIllegal(caller, id.Username, "not_owner")
		return nil, newError(KindNotFound, msgJobNotVisible)
	}
	return job, nil
}

// ListJobs returns every non-archived job. Admin only.
func (p *Pipeline) ListJobs(ctx context.Context, caller Caller) ([]*Job, error) {
	id, err := p.requireAdmin(ctx, caller)
	if err != nil {
		return nil, err
	}
	jobs, err := p.jobs.ListActive(ctx)
	if err != nil {
		return nil, storeError("list jobs", err)
	}
	if jobs == nil {
		jobs = []*Job{}
	}
	logging.Info("admission", "jobs listed", "by", id.Username, "count", len(jobs))
	return jobs, nil
}

// CancelJob pushes CANCELLED onto a visible job's history when its current
// status allows it.
func (p *Pipeline) CancelJob(ctx context.Context, caller Caller, jobID string) (*Job, error) {
	id, err := p.Authenticate(ctx, caller)
	if err != nil {
		return nil, err
	}
	job, err := p.visibleJob(ctx, caller, id, jobID)
	if err != nil {
		return nil, err
	}
	storeCtx, cancel := p.storeContext(ctx)
	defer cancel()
	updated, err := p.jobs.Transition(storeCtx, job.ID, StatusUpdate{Status: StatusCancelled, Guard: cancelGuard})
	if err != nil {
		return nil, p.transitionError(caller, id, "cancel job", err)
	}
	p.metrics.IncCancelled(capabilityOf(updated))
	logging.Info("admission", "job cancelled", "job_id", updated.ID, "by", id.Username)
	p.events.PublishJobEvent(JobEvent{
		Kind:      EventCancelled,
		JobID:     updated.ID,
		Requester: updated.Requester,
		Type:      capabilityOf(updated),
		Status:    updated.Status,
		At:        updated.UpdatedAt,
	})
	return updated, nil
}

// GetJobResults returns the output of a completed job.
func (p *Pipeline) GetJobResults(ctx context.Context, caller Caller, jobID string) (*Result, error) {
	id, err := p.Authenticate(ctx, caller)
	if err != nil {
		return nil, err
	}
	job, err := p.visibleJob(ctx, caller, id, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusCompleted {
		return nil, newError(KindPreconditionFailed, fmt.Sprintf("The job has not completed yet; current status %s.", job.Status)).
			with("currentStatus", job.Status)
	}
	return &Result{Output: job.Output, Stdout: job.Stdout, Stderr: job.Stderr, ExitCode: job.ExitCode}, nil
}

// ArchiveJob removes a finished job from the active set. Admin only.
func (p *Pipeline) ArchiveJob(ctx context.Context, caller Caller, jobID string) (*Job, error) {
	id, err := p.requireAdmin(ctx, caller)
	if err != nil {
		return nil, err
	}
	storeCtx, cancel := p.storeContext(ctx)
	defer cancel()
	job, err := p.jobs.Archive(storeCtx, strings.TrimSpace(jobID), archiveGuard)
	if err != nil {
		return nil, p.transitionError(caller, id, "archive job", err)
	}
	logging.Info("admission", "job archived", "job_id", job.ID, "by", id.Username)
	return job, nil
}

// ListIllegalAccess returns the most recent denied accesses. Admin only.
func (p *Pipeline) ListIllegalAccess(ctx context.Context, caller Caller, limit int64) ([]AccessEntry, error) {
	return p.listAccess(ctx, caller, limit, true)
}

// ListAccessLog returns the most recent authenticated accesses. Admin only.
func (p *Pipeline) ListAccessLog(ctx context.Context, caller Caller, limit int64) ([]AccessEntry, error) {
	return p.listAccess(ctx, caller, limit, false)
}

func (p *Pipeline) listAccess(ctx context.Context, caller Caller, limit int64, illegal bool) ([]AccessEntry, error) {
	if _, err := p.requireAdmin(ctx, caller); err != nil {
		return nil, err
	}
	if p.audit == nil {
		return []AccessEntry{}, nil
	}
	list, op := p.audit.ListRecent, "list access log"
	if illegal {
		list, op = p.audit.ListIllegal, "list illegal access"
	}
	entries, err := list(ctx, limit)
	if err != nil {
		return nil, storeError(op, err)
	}
	if entries == nil {
		entries = []AccessEntry{}
	}
	return entries, nil
}

// EngineUpdate is a status report from the execution engine.
type EngineUpdate struct {
	JobID  string
	Status Status
	Result *Result
}

// ApplyEngineUpdate pushes an engine-reported status, enforcing the lifecycle graph.
func (p *Pipeline) ApplyEngineUpdate(ctx context.Context, upd EngineUpdate) (*Job, error) {
	if strings.TrimSpace(upd.JobID) == "" {
		return nil, newError(KindMalformedRequest, "job id required")
	}
	if !upd.Status.Valid() {
		return nil, newError(KindMalformedRequest, fmt.Sprintf("unknown status %q", upd.Status))
	}
	storeCtx, cancel := p.storeContext(ctx)
	defer cancel()
	job, err := p.jobs.Transition(storeCtx, upd.JobID, StatusUpdate{
		Status: upd.Status,
		Result: upd.Result,
		Guard:  CheckTransition(upd.Status),
	})
	if errors.Is(err, ErrJobNotFound) {
		return nil, newError(KindNotFound, "job not found").with("job_id", upd.JobID)
	}
	if err != nil {
		var aerr *Error
		if errors.As(err, &aerr) {
			return nil, aerr
		}
		return nil, storeError("apply engine update", err)
	}
	p.metrics.IncEngineUpdate(string(job.Status))
	p.events.PublishJobEvent(JobEvent{
		Kind:      EventStatus,
		JobID:     job.ID,
		Requester: job.Requester,
		Type:      capabilityOf(job),
		Status:    job.Status,
		At:        job.UpdatedAt,
	})
	return job, nil
}

// AuthenticateAdmin resolves the caller and requires the admin role. Denials
// are recorded as illegal access.
func (p *Pipeline) AuthenticateAdmin(ctx context.Context, caller Caller) (Identity, error) {
	return p.requireAdmin(ctx, caller)
}

func (p *Pipeline) requireAdmin(ctx context.Context, caller Caller) (Identity, error) {
	id, err := p.Authenticate(ctx, caller)
	if err != nil {
		return Identity{}, err
	}
	if !id.IsAdmin() {
		p.recordIllegal(caller, id.Username, "admin_required")
		return Identity{}, newError(KindUnauthorized, msgAdminOnly)
	}
	return id, nil
}

func (p *Pipeline) transitionError(caller Caller, id Identity, op string, err error) error {
	if errors.Is(err, ErrJobNotFound) {
		p.recordIllegal(caller, id.Username, "job_not_found")
		return newError(KindNotFound, msgJobNotVisible)
	}
	var aerr *Error
	if errors.As(err, &aerr) {
		return aerr
	}
	return storeError(op, err)
}

func (p *Pipeline) recordIllegal(caller Caller, username, reason string) {
	p.metrics.IncIllegalAccess(reason)
	p.access.Record(AccessEntry{
		Kind:     AccessIllegal,
		Route:    caller.Route,
		Username: username,
		Token:    MaskToken(caller.Token),
		Reason:   reason,
		Headers:  caller.Headers,
		At:       p.now(),
	})
}

func (p *Pipeline) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), p.opTimeout)
}

func capabilityOf(job *Job) string {
	if job.Algorithm != "" {
		return job.Algorithm
	}
	return string(job.Type)
}
