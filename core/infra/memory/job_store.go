package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/opal-compute/gateway/core/controlplane/admission"
	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix         = "job:meta:"
	jobHistoryKeyPrefix  = "job:status:"
	jobInflightKeyPrefix = "job:inflight:"
	jobActiveIndex       = "job:active"
	jobArchivedIndex     = "job:archived"

	fieldID        = "id"
	fieldRequester = "requester"
	fieldType      = "type"
	fieldAlgorithm = "algorithm"
	fieldPayload   = "payload"
	fieldStatus    = "status"
	fieldOutput    = "output"
	fieldStdout    = "stdout"
	fieldStderr    = "stderr"
	fieldExitCode  = "exit_code"
	fieldDedupKey  = "dedup_key"
	fieldCreatedAt = "created_at"
	fieldUpdatedAt = "updated_at"
	fieldArchived  = "archived"

	envJobArchiveTTL        = "JOB_ARCHIVE_TTL"
	envJobArchiveTTLSeconds = "JOB_ARCHIVE_TTL_SECONDS"

	// optimistic transactions retry this many times before giving up
	maxTxAttempts = 5
)

var defaultArchiveTTL = 30 * 24 * time.Hour

// RedisJobStore implements admission.JobStore backed by Redis.
//
// Each job is a hash at job:meta:<id> with its history in a list at job:status:<id>
// (head is the current status). job:inflight:<dedup key> holds the id of the
// job reserving that key while it is unfinished.
type RedisJobStore struct {
	client     redis.UniversalClient
	archiveTTL time.Duration
}

// NewRedisJobStore wraps an existing client. Archived jobs expire after
// JOB_ARCHIVE_TTL (duration) or JOB_ARCHIVE_TTL_SECONDS, 30 days by default.
func NewRedisJobStore(client redis.UniversalClient) *RedisJobStore {
	ttl := defaultArchiveTTL
	if v := os.Getenv(envJobArchiveTTLSeconds); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			ttl = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv(envJobArchiveTTL); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil && parsed > 0 {
			ttl = parsed
		}
	}
	return &RedisJobStore{client: client, archiveTTL: ttl}
}

// Admit persists job and reserves its dedup key in one transaction.
func (s *RedisJobStore) Admit(ctx context.Context, job *admission.Job) (int64, error) {
	if job == nil || job.ID == "" {
		return 0, fmt.Errorf("job id required")
	}
	if len(job.StatusHistory) == 0 {
		return 0, fmt.Errorf("job %s has no status history", job.ID)
	}
	fields, err := jobFields(job)
	if err != nil {
		return 0, err
	}
	history, err := encodeHistory(job.StatusHistory)
	if err != nil {
		return 0, err
	}
	inflightKey := jobInflightKey(job.DedupKey)

	var position int64
	admit := func(tx *redis.Tx) error {
		if job.DedupKey != "" {
			holder, err := tx.Get(ctx, inflightKey).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if holder != "" {
				status, err := tx.HGet(ctx, jobKey(holder), fieldStatus).Result()
				if err != nil && !errors.Is(err, redis.Nil) {
					return err
				}
				if admission.Status(status).InFlight() {
					return admission.ErrInFlight
				}
			}
		}

		var card *redis.IntCmd
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, jobKey(job.ID), fields)
			pipe.Del(ctx, jobHistoryKey(job.ID))
			pipe.LPush(ctx, jobHistoryKey(job.ID), history...)
			pipe.ZAdd(ctx, jobActiveIndex, redis.Z{Score: float64(job.CreatedAt.UnixMilli()), Member: job.ID})
			if job.DedupKey != "" {
				pipe.Set(ctx, inflightKey, job.ID, 0)
			}
			card = pipe.ZCard(ctx, jobActiveIndex)
			return nil
		})
		if err != nil {
			return err
		}
		position = card.Val()
		return nil
	}

	if err := s.watch(ctx, admit, inflightKey); err != nil {
		return 0, err
	}
	return position, nil
}

// Get loads a job with its full status history.
func (s *RedisJobStore) Get(ctx context.Context, id string) (*admission.Job, error) {
	if id == "" {
		return nil, admission.ErrJobNotFound
	}
	pipe := s.client.Pipeline()
	metaCmd := pipe.HGetAll(ctx, jobKey(id))
	histCmd := pipe.LRange(ctx, jobHistoryKey(id), 0, -1)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	meta := metaCmd.Val()
	if len(meta) == 0 {
		return nil, admission.ErrJobNotFound
	}
	return decodeJob(meta, histCmd.Val())
}

// ListActive returns every non-archived job, oldest first.
func (s *RedisJobStore) ListActive(ctx context.Context) ([]*admission.Job, error) {
	ids, err := s.client.ZRange(ctx, jobActiveIndex, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*admission.Job, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	// Batch fetch to avoid N+1 round trips.
	pipe := s.client.Pipeline()
	metaCmds := make([]*redis.MapStringStringCmd, len(ids))
	histCmds := make([]*redis.StringSliceCmd, len(ids))
	for i, id := range ids {
		metaCmds[i] = pipe.HGetAll(ctx, jobKey(id))
		histCmds[i] = pipe.LRange(ctx, jobHistoryKey(id), 0, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	for i := range ids {
		meta := metaCmds[i].Val()
		if len(meta) == 0 {
			continue
		}
		job, err := decodeJob(meta, histCmds[i].Val())
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

// Transition pushes a status onto the job's history if the guard accepts the
// current status. Leaving the in-flight states releases the dedup reservation.
func (s *RedisJobStore) Transition(ctx context.Context, id string, upd admission.StatusUpdate) (*admission.Job, error) {
	if id == "" {
		return nil, admission.ErrJobNotFound
	}
	key := jobKey(id)
	now := time.Now().UTC()
	entry, err := json.Marshal(admission.StatusEvent{Status: upd.Status, At: now})
	if err != nil {
		return nil, fmt.Errorf("encode status: %w", err)
	}

	transition := func(tx *redis.Tx) error {
		vals, err := tx.HMGet(ctx, key, fieldStatus, fieldDedupKey).Result()
		if err != nil {
			return err
		}
		current, ok := vals[0].(string)
		if !ok {
			return admission.ErrJobNotFound
		}
		if upd.Guard != nil {
			if err := upd.Guard(admission.Status(current)); err != nil {
				return err
			}
		}
		dedupKey, _ := vals[1].(string)
		release := false
		if dedupKey != "" && !upd.Status.InFlight() {
			holder, err := tx.Get(ctx, jobInflightKey(dedupKey)).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			release = holder == id
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			fields := map[string]any{
				fieldStatus:    string(upd.Status),
				fieldUpdatedAt: now.Format(time.RFC3339Nano),
			}
			if r := upd.Result; r != nil {
				fields[fieldOutput] = r.Output
				fields[fieldStdout] = r.Stdout
				fields[fieldStderr] = r.Stderr
				fields[fieldExitCode] = r.ExitCode
			}
			pipe.HSet(ctx, key, fields)
			pipe.LPush(ctx, jobHistoryKey(id), entry)
			if release {
				pipe.Del(ctx, jobInflightKey(dedupKey))
			}
			return nil
		})
		return err
	}

	if err := s.watch(ctx, transition, key); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Archive moves a job out of the active index when guard accepts its status.
func (s *RedisJobStore) Archive(ctx context.Context, id string, guard func(admission.Status) error) (*admission.Job, error) {
	if id == "" {
		return nil, admission.ErrJobNotFound
	}
	key := jobKey(id)
	archive := func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, key, fieldStatus).Result()
		if errors.Is(err, redis.Nil) {
			return admission.ErrJobNotFound
		}
		if err != nil {
			return err
		}
		if guard != nil {
			if err := guard(admission.Status(current)); err != nil {
				return err
			}
		}
		now := time.Now().UTC()
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldArchived, "1", fieldUpdatedAt, now.Format(time.RFC3339Nano))
			pipe.ZRem(ctx, jobActiveIndex, id)
			pipe.ZAdd(ctx, jobArchivedIndex, redis.Z{Score: float64(now.UnixMilli()), Member: id})
			if s.archiveTTL > 0 {
				pipe.Expire(ctx, key, s.archiveTTL)
				pipe.Expire(ctx, jobHistoryKey(id), s.archiveTTL)
			}
			return nil
		})
		return err
	}
	if err := s.watch(ctx, archive, key); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Close closes the underlying Redis client.
func (s *RedisJobStore) Close() error {
	return s.client.Close()
}

// Ping checks Redis connectivity.
func (s *RedisJobStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// watch runs fn in an optimistic transaction, retrying when a watched key
// changes underneath it.
func (s *RedisJobStore) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	return watchRetry(ctx, s.client, fn, keys...)
}

func watchRetry(ctx context.Context, client redis.UniversalClient, fn func(*redis.Tx) error, keys ...string) error {
	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err = client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("transaction aborted after %d attempts: %w", maxTxAttempts, err)
}

func jobFields(job *admission.Job) (map[string]any, error) {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	archived := "0"
	if job.Archived {
		archived = "1"
	}
	return map[string]any{
		fieldID:        job.ID,
		fieldRequester: job.Requester,
		fieldType:      string(job.Type),
		fieldAlgorithm: job.Algorithm,
		fieldPayload:   string(payload),
		fieldStatus:    string(job.Status),
		fieldOutput:    job.Output,
		fieldStdout:    job.Stdout,
		fieldStderr:    job.Stderr,
		fieldExitCode:  job.ExitCode,
		fieldDedupKey:  job.DedupKey,
		fieldCreatedAt: job.CreatedAt.UTC().Format(time.RFC3339Nano),
		fieldUpdatedAt: job.UpdatedAt.UTC().Format(time.RFC3339Nano),
		fieldArchived:  archived,
	}, nil
}

// encodeHistory returns entries oldest first, ready for LPUSH.
func encodeHistory(history []admission.StatusEvent) ([]any, error) {
	out := make([]any, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		data, err := json.Marshal(history[i])
		if err != nil {
			return nil, fmt.Errorf("encode status: %w", err)
		}
		out = append(out, string(data))
	}
	return out, nil
}

func decodeJob(meta map[string]string, history []string) (*admission.Job, error) {
	job := &admission.Job{
		ID:        meta[fieldID],
		Requester: meta[fieldRequester],
		Type:      admission.ComputeType(meta[fieldType]),
		Algorithm: meta[fieldAlgorithm],
		Status:    admission.Status(meta[fieldStatus]),
		Output:    meta[fieldOutput],
		Stdout:    meta[fieldStdout],
		Stderr:    meta[fieldStderr],
		ExitCode:  -1,
		DedupKey:  meta[fieldDedupKey],
		Archived:  meta[fieldArchived] == "1",
	}
	if v, err := strconv.Atoi(meta[fieldExitCode]); err == nil {
		job.ExitCode = v
	}
	job.CreatedAt, _ = time.Parse(time.RFC3339Nano, meta[fieldCreatedAt])
	job.UpdatedAt, _ = time.Parse(time.RFC3339Nano, meta[fieldUpdatedAt])
	if raw := meta[fieldPayload]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Payload); err != nil {
			return nil, fmt.Errorf("decode payload for job %s: %w", job.ID, err)
		}
	}
	job.StatusHistory = make([]admission.StatusEvent, 0, len(history))
	for _, raw := range history {
		var ev admission.StatusEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("decode status for job %s: %w", job.ID, err)
		}
		job.StatusHistory = append(job.StatusHistory, ev)
	}
	return job, nil
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

func jobHistoryKey(id string) string {
	return jobHistoryKeyPrefix + id
}

func jobInflightKey(dedupKey string) string {
	return jobInflightKeyPrefix + dedupKey
}
