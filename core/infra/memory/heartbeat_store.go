package memory

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	heartbeatKeyPrefix = "svc:heartbeat:"
	// beats older than this are pruned on write
	heartbeatRetention = 24 * time.Hour
)

// HeartbeatStore records the last beat of each service, per role, in a sorted
// set scored by unix seconds.
type HeartbeatStore struct {
	client redis.UniversalClient
}

func NewHeartbeatStore(client redis.UniversalClient) *HeartbeatStore {
	return &HeartbeatStore{client: client}
}

// Beat records that serviceID of the given role was alive at at. A beat older
// than the one already stored does not move the service back in time.
func (s *HeartbeatStore) Beat(ctx context.Context, role, serviceID string, at time.Time) error {
	if role == "" || serviceID == "" {
		return fmt.Errorf("role and service id required")
	}
	key := heartbeatKey(role)
	pipe := s.client.TxPipeline()
	pipe.ZAddGT(ctx, key, redis.Z{Score: float64(at.Unix()), Member: serviceID})
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(at.Add(-heartbeatRetention).Unix(), 10))
	_, err := pipe.Exec(ctx)
	return err
}

// CountSince returns how many services of role beat at or after since.
func (s *HeartbeatStore) CountSince(ctx context.Context, role string, since time.Time) (int64, error) {
	return s.client.ZCount(ctx, heartbeatKey(role), strconv.FormatInt(since.Unix(), 10), "+inf").Result()
}

// Services lists the service ids of role that beat at or after since.
func (s *HeartbeatStore) Services(ctx context.Context, role string, since time.Time) ([]string, error) {
	return s.client.ZRangeByScore(ctx, heartbeatKey(role), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.Unix(), 10),
		Max: "+inf",
	}).Result()
}

func heartbeatKey(role string) string {
	return heartbeatKeyPrefix + role
}
