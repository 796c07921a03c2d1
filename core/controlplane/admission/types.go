package admission

import (
	"context"
	"encoding/json"
	"slices"
	"time"
)

// Status is a job lifecycle state.
type Status string

const (
	StatusCreated          Status = "CREATED"
	StatusTransferringData Status = "TRANSFERRING_DATA"
	StatusQueued           Status = "QUEUED"
	StatusScheduled        Status = "SCHEDULED"
	StatusRunning          Status = "RUNNING"
	StatusCompleted        Status = "COMPLETED"
	StatusError            Status = "ERROR"
	StatusCancelled        Status = "CANCELLED"
)

// ComputeType names the runtime a job targets.
type ComputeType string

// ComputeTypeAlgorithm marks requests for one of the built-in aggregation algorithms.
const ComputeTypeAlgorithm ComputeType = "algorithm"

// Role is a user's privilege class.
type Role string

const (
	RoleStandard Role = "standard"
	RoleAdmin    Role = "admin"
)

// StatusEvent is one entry of a job's status history.
type StatusEvent struct {
	Status Status    `json:"status"`
	At     time.Time `json:"at"`
}

// Job is a persisted admission record. StatusHistory is most-recent-first and
// Status always mirrors its head.
type Job struct {
	ID            string         `json:"id"`
	Requester     string         `json:"requester"`
	Type          ComputeType    `json:"type"`
	Algorithm     string         `json:"algorithm,omitempty"`
	Payload       map[string]any `json:"payload"`
	Status        Status         `json:"status"`
	StatusHistory []StatusEvent  `json:"statusHistory"`
	Output        string         `json:"output"`
	Stdout        string         `json:"stdout"`
	Stderr        string         `json:"stderr"`
	ExitCode      int            `json:"exitCode"`
	DedupKey      string         `json:"-"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
	Archived      bool           `json:"archived"`
}

// Result carries execution output reported by the engine.
type Result struct {
	Output   string `json:"output"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// User is an account allowed to submit jobs.
type User struct {
	Username             string    `json:"username"`
	CredentialHash       string    `json:"-"`
	Role                 Role      `json:"role"`
	AuthorizedAlgorithms []string  `json:"authorizedAlgorithms"`
	AccessLevel          int       `json:"accessLevel"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// Identity is a caller resolved from a valid credential.
type Identity struct {
	Username             string
	Role                 Role
	AuthorizedAlgorithms []string
	AccessLevel          int
}

func (i Identity) IsAdmin() bool { return i.Role == RoleAdmin }

// Has reports whether capability is in the identity's authorized set.
func (i Identity) Has(capability string) bool {
	return slices.Contains(i.AuthorizedAlgorithms, capability)
}

func identityFromUser(u *User) Identity {
	return Identity{
		Username:             u.Username,
		Role:                 u.Role,
		AuthorizedAlgorithms: append([]string(nil), u.AuthorizedAlgorithms...),
		AccessLevel:          u.AccessLevel,
	}
}

// DirectJob runs user code on one of the supported runtimes.
type DirectJob struct {
	Main      string `json:"main"`
	Params    any    `json:"params"`
	Input     any    `json:"input,omitempty"`
	SwiftData any    `json:"swiftData,omitempty"`
}

// AlgorithmJob runs a built-in aggregation over a date range.
type AlgorithmJob struct {
	Algorithm        string         `json:"algorithm"`
	Params           map[string]any `json:"params"`
	StartDate        string         `json:"startDate"`
	EndDate          string         `json:"endDate"`
	AggregationLevel string         `json:"aggregationLevel"`
	AggregationValue string         `json:"aggregationValue"`
	Sample           float64        `json:"sample"`
}

// JobRequest is a validated submission. Exactly one of Direct or Algorithm is set.
type JobRequest struct {
	Type      ComputeType
	Direct    *DirectJob
	Algorithm *AlgorithmJob
	Document  map[string]any
}

// Capability is the privilege a caller needs to run the request.
func (r *JobRequest) Capability() string {
	if r.Algorithm != nil {
		return r.Algorithm.Algorithm
	}
	return string(r.Type)
}

// RequiresUpload reports whether the job waits on an out-of-band data transfer.
func (r *JobRequest) RequiresUpload() bool {
	return r.Direct != nil && r.Direct.Input != nil
}

// Caller describes the transport-level context of a request.
type Caller struct {
	Token   string
	Route   string
	Headers map[string]string
}

// Submission is the reply to a create request.
type Submission struct {
	Status      string          `json:"status"`
	JobID       string          `json:"jobID,omitempty"`
	JobPosition int64           `json:"jobPosition,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Outcome     string          `json:"-"`
}

const (
	OutcomeAdmitted = "admitted"
	OutcomeCached   = "cached"
	OutcomeWaiting  = "waiting"
)

// CacheOutcome classifies a dedup cache lookup.
type CacheOutcome int

const (
	CacheMiss CacheOutcome = iota
	CacheHit
	CacheWaiting
)

// CacheResult is the reply of the dedup cache.
type CacheResult struct {
	Outcome CacheOutcome
	Result  json.RawMessage
}

// StatusUpdate is a conditional push onto a job's history. Guard sees the
// current status and may veto the push.
type StatusUpdate struct {
	Status Status
	Result *Result
	Guard  func(current Status) error
}

// JobStore persists jobs and their status history.
type JobStore interface {
	// Admit persists job and reserves its dedup key. It returns ErrInFlight when
	// the key is held by an unfinished job, and the active job count otherwise.
	Admit(ctx context.Context, job *Job) (int64, error)
	Get(ctx context.Context, id string) (*Job, error)
	ListActive(ctx context.Context) ([]*Job, error)
	Transition(ctx context.Context, id string, update StatusUpdate) (*Job, error)
	Archive(ctx context.Context, id string, guard func(current Status) error) (*Job, error)
}

// UserStore persists user accounts indexed by name and credential digest.
type UserStore interface {
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, username string) (*User, error)
	GetUserByCredential(ctx context.Context, digest string) (*User, error)
	ListUsers(ctx context.Context) ([]*User, error)
	UpdateUser(ctx context.Context, user *User) error
	SetCredential(ctx context.Context, username, digest string) error
	DeleteUser(ctx context.Context, username string) error
}

// DedupCache looks up equivalent jobs in the external result cache.
type DedupCache interface {
	Query(ctx context.Context, normalized map[string]any) CacheResult
}

// LivenessProbe reports whether the execution backend is reachable.
type LivenessProbe interface {
	IsBackendAlive(ctx context.Context) (bool, error)
}

// AccessKind separates routine access from denied access.
type AccessKind string

const (
	AccessAudit   AccessKind = "access"
	AccessIllegal AccessKind = "illegal"
)

// AccessEntry is an immutable access log record.
type AccessEntry struct {
	Kind     AccessKind        `json:"kind"`
	Route    string            `json:"route"`
	Username string            `json:"username,omitempty"`
	Token    string            `json:"token,omitempty"`
	Reason   string            `json:"reason,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	At       time.Time         `json:"at"`
}

// AccessRecorder stores access entries without blocking the caller.
type AccessRecorder interface {
	Record(entry AccessEntry)
}

// JobEvent announces a lifecycle change to listeners.
type JobEvent struct {
	Kind      string    `json:"kind"`
	JobID     string    `json:"job_id"`
	Requester string    `json:"requester"`
	Type      string    `json:"type"`
	Status    Status    `json:"status"`
	At        time.Time `json:"at"`
}

const (
	EventAdmitted  = "admitted"
	EventCancelled = "cancelled"
	EventStatus    = "status"
)

// EventPublisher fans job events out to other services. Publishing is best effort.
type EventPublisher interface {
	PublishJobEvent(evt JobEvent)
}

type noopRecorder struct{}

func (noopRecorder) Record(AccessEntry) {}

type noopPublisher struct{}

func (noopPublisher) PublishJobEvent(JobEvent) {}
