package memory

import (
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/opal-compute/gateway/core/infra/redisutil"
	"github.com/redis/go-redis/v9"
)

func newTestClient(t *testing.T) (redis.UniversalClient, *miniredis.Miniredis) {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	client, err := redisutil.Connect("redis://" + srv.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client, srv
}
