package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opal-compute/gateway/core/controlplane/admission"
	"github.com/opal-compute/gateway/core/infra/logging"
)

const (
	ingestTimeout = 5 * time.Second
	retryDelay    = 2 * time.Second
)

// Heartbeat is published by compute and scheduler services.
type Heartbeat struct {
	ServiceID string    `json:"service_id"`
	Type      string    `json:"type"`
	At        time.Time `json:"at"`
}

// JobStatus is an engine report about one job.
type JobStatus struct {
	JobID    string `json:"job_id"`
	Status   string `json:"status"`
	Output   string `json:"output,omitempty"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
}

// HeartbeatWriter records service heartbeats.
type HeartbeatWriter interface {
	Beat(ctx context.Context, role, serviceID string, at time.Time) error
}

// EngineUpdater applies engine status reports to jobs.
type EngineUpdater interface {
	ApplyEngineUpdate(ctx context.Context, upd admission.EngineUpdate) (*admission.Job, error)
}

// Subscriber attaches handlers to subjects.
type Subscriber interface {
	Subscribe(subject, queue string, handler Handler) error
}

// Ingest feeds engine traffic into the gateway stores.
type Ingest struct {
	beats  HeartbeatWriter
	engine EngineUpdater
	now    func() time.Time
}

func NewIngest(beats HeartbeatWriter, engine EngineUpdater) *Ingest {
	return &Ingest{beats: beats, engine: engine, now: time.Now}
}

// Start subscribes the ingest handlers in the gateway queue group.
func (in *Ingest) Start(sub Subscriber) error {
	if err := sub.Subscribe(SubjectHeartbeat, QueueGateway, in.HandleHeartbeat); err != nil {
		return fmt.Errorf("subscribe %s: %w", SubjectHeartbeat, err)
	}
	if err := sub.Subscribe(SubjectJobStatus, QueueGateway, in.HandleJobStatus); err != nil {
		return fmt.Errorf("subscribe %s: %w", SubjectJobStatus, err)
	}
	return nil
}

func (in *Ingest) HandleHeartbeat(data []byte) error {
	var hb Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return fmt.Errorf("decode heartbeat: %w", err)
	}
	hb.ServiceID = strings.TrimSpace(hb.ServiceID)
	hb.Type = strings.ToLower(strings.TrimSpace(hb.Type))
	if hb.ServiceID == "" || hb.Type == "" {
		return fmt.Errorf("heartbeat missing service_id or type")
	}
	// beats stamped in the future would keep a dead service fresh
	if now := in.now(); hb.At.IsZero() || hb.At.After(now) {
		hb.At = now
	}
	ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
	defer cancel()
	if err := in.beats.Beat(ctx, hb.Type, hb.ServiceID, hb.At); err != nil {
		return fmt.Errorf("record heartbeat: %w", err)
	}
	return nil
}

// HandleJobStatus applies a status report. Store failures are retried;
// reports the lifecycle rejects are logged and dropped.
func (in *Ingest) HandleJobStatus(data []byte) error {
	var msg JobStatus
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decode job status: %w", err)
	}
	upd := admission.EngineUpdate{
		JobID:  strings.TrimSpace(msg.JobID),
		Status: admission.Status(strings.ToUpper(strings.TrimSpace(msg.Status))),
	}
	if msg.ExitCode != nil || msg.Output != "" || msg.Stdout != "" || msg.Stderr != "" {
		exit := -1
		if msg.ExitCode != nil {
			exit = *msg.ExitCode
		}
		upd.Result = &admission.Result{Output: msg.Output, Stdout: msg.Stdout, Stderr: msg.Stderr, ExitCode: exit}
	}

	ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
	defer cancel()
	job, err := in.engine.ApplyEngineUpdate(ctx, upd)
	if err != nil {
		var aerr *admission.Error
		if errors.As(err, &aerr) && aerr.Kind == admission.KindStoreError {
			return Redeliver(err, retryDelay)
		}
		logging.Error("ingest", "engine update rejected", "job_id", upd.JobID, "status", upd.Status, "error", err)
		return nil
	}
	logging.Info("ingest", "job status updated", "job_id", job.ID, "status", job.Status)
	return nil
}
