package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opal-compute/gateway/core/controlplane/admission"
	"github.com/redis/go-redis/v9"
)

const (
	accessLogKey        = "access:log"
	illegalAccessLogKey = "access:illegal"
	defaultAccessLogCap = 10000
	defaultListLimit    = 100
)

// AccessLogStore keeps capped, newest-first lists of access entries. Illegal
// accesses go to their own list so they survive routine traffic.
type AccessLogStore struct {
	client   redis.UniversalClient
	capacity int64
}

func NewAccessLogStore(client redis.UniversalClient, capacity int64) *AccessLogStore {
	if capacity <= 0 {
		capacity = defaultAccessLogCap
	}
	return &AccessLogStore{client: client, capacity: capacity}
}

// Append stores entry.
func (s *AccessLogStore) Append(ctx context.Context, entry admission.AccessEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode access entry: %w", err)
	}
	key := accessLogKey
	if entry.Kind == admission.AccessIllegal {
		key = illegalAccessLogKey
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, s.capacity-1)
	_, err = pipe.Exec(ctx)
	return err
}

// ListIllegal returns up to limit illegal accesses, newest first.
func (s *AccessLogStore) ListIllegal(ctx context.Context, limit int64) ([]admission.AccessEntry, error) {
	return s.list(ctx, illegalAccessLogKey, limit)
}

// ListRecent returns up to limit routine accesses, newest first.
func (s *AccessLogStore) ListRecent(ctx context.Context, limit int64) ([]admission.AccessEntry, error) {
	return s.list(ctx, accessLogKey, limit)
}

func (s *AccessLogStore) list(ctx context.Context, key string, limit int64) ([]admission.AccessEntry, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	raw, err := s.client.LRange(ctx, key, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]admission.AccessEntry, 0, len(raw))
	for _, item := range raw {
		var entry admission.AccessEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}
