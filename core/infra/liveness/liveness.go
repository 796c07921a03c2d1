// Package liveness decides whether the execution backend can take work,
// based on the heartbeats its services publish.
package liveness

import (
	"context"
	"fmt"
	"time"
)

// HeartbeatCounter reads services of a role that beat since a given time.
type HeartbeatCounter interface {
	CountSince(ctx context.Context, role string, since time.Time) (int64, error)
	Services(ctx context.Context, role string, since time.Time) ([]string, error)
}

// Probe reports the backend alive when every required role has at least one
// heartbeat inside the window.
type Probe struct {
	beats  HeartbeatCounter
	roles  []string
	window time.Duration
	now    func() time.Time
}

// New builds a probe over beats. roles must not be empty and window must be positive.
func New(beats HeartbeatCounter, roles []string, window time.Duration) (*Probe, error) {
	if beats == nil {
		return nil, fmt.Errorf("heartbeat store required")
	}
	if len(roles) == 0 {
		return nil, fmt.Errorf("at least one required role")
	}
	if window <= 0 {
		return nil, fmt.Errorf("liveness window must be positive")
	}
	return &Probe{
		beats:  beats,
		roles:  append([]string(nil), roles...),
		window: window,
		now:    time.Now,
	}, nil
}

func (p *Probe) IsBackendAlive(ctx context.Context) (bool, error) {
	since := p.now().Add(-p.window)
	for _, role := range p.roles {
		n, err := p.beats.CountSince(ctx, role, since)
		if err != nil {
			return false, fmt.Errorf("count %s heartbeats: %w", role, err)
		}
		if n == 0 {
			return false, nil
		}
	}
	return true, nil
}

// Services lists, per required role, the service ids with a fresh heartbeat.
func (p *Probe) Services(ctx context.Context) (map[string][]string, error) {
	since := p.now().Add(-p.window)
	out := make(map[string][]string, len(p.roles))
	for _, role := range p.roles {
		ids, err := p.beats.Services(ctx, role, since)
		if err != nil {
			return nil, fmt.Errorf("list %s heartbeats: %w", role, err)
		}
		if ids == nil {
			ids = []string{}
		}
		out[role] = ids
	}
	return out, nil
}
