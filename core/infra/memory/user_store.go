package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/opal-compute/gateway/core/controlplane/admission"
	"github.com/redis/go-redis/v9"
)

const (
	userKeyPrefix     = "user:account:"
	userCredKeyPrefix = "user:cred:"
	userIndex         = "users"

	userFieldName       = "username"
	userFieldCredential = "credential"
	userFieldRole       = "role"
	userFieldAlgorithms = "algorithms"
	userFieldLevel      = "access_level"
	userFieldCreatedAt  = "created_at"
	userFieldUpdatedAt  = "updated_at"
)

// RedisUserStore implements admission.UserStore backed by Redis.
//
// Accounts live in user:account:<name> hashes. user:cred:<digest> points back to the
// owning username so tokens resolve in one lookup.
type RedisUserStore struct {
	client redis.UniversalClient
}

func NewRedisUserStore(client redis.UniversalClient) *RedisUserStore {
	return &RedisUserStore{client: client}
}

func (s *RedisUserStore) CreateUser(ctx context.Context, user *admission.User) error {
	if user == nil || user.Username == "" {
		return fmt.Errorf("username required")
	}
	fields, err := userFields(user)
	if err != nil {
		return err
	}
	key := userKey(user.Username)
	return watchRetry(ctx, s.client, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return admission.ErrUserExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			if user.CredentialHash != "" {
				pipe.Set(ctx, userCredKey(user.CredentialHash), user.Username, 0)
			}
			pipe.SAdd(ctx, userIndex, user.Username)
			return nil
		})
		return err
	}, key)
}

func (s *RedisUserStore) GetUser(ctx context.Context, username string) (*admission.User, error) {
	if username == "" {
		return nil, admission.ErrUserNotFound
	}
	meta, err := s.client.HGetAll(ctx, userKey(username)).Result()
	if err != nil {
		return nil, err
	}
	if len(meta) == 0 {
		return nil, admission.ErrUserNotFound
	}
	return decodeUser(meta)
}

func (s *RedisUserStore) GetUserByCredential(ctx context.Context, digest string) (*admission.User, error) {
	if digest == "" {
		return nil, admission.ErrUserNotFound
	}
	username, err := s.client.Get(ctx, userCredKey(digest)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, admission.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.GetUser(ctx, username)
}

// ListUsers returns every account ordered by username.
func (s *RedisUserStore) ListUsers(ctx context.Context) ([]*admission.User, error) {
	names, err := s.client.SMembers(ctx, userIndex).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	out := make([]*admission.User, 0, len(names))
	if len(names) == 0 {
		return out, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(names))
	for i, name := range names {
		cmds[i] = pipe.HGetAll(ctx, userKey(name))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	for _, cmd := range cmds {
		meta := cmd.Val()
		if len(meta) == 0 {
			continue
		}
		u, err := decodeUser(meta)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

// UpdateUser overwrites role, algorithms and access level. The credential is
// left untouched.
func (s *RedisUserStore) UpdateUser(ctx context.Context, user *admission.User) error {
	if user == nil || user.Username == "" {
		return admission.ErrUserNotFound
	}
	algos, err := json.Marshal(nonNil(user.AuthorizedAlgorithms))
	if err != nil {
		return fmt.Errorf("encode algorithms: %w", err)
	}
	key := userKey(user.Username)
	return watchRetry(ctx, s.client, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			return admission.ErrUserNotFound
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, map[string]any{
				userFieldRole:       string(user.Role),
				userFieldAlgorithms: string(algos),
				userFieldLevel:      user.AccessLevel,
				userFieldUpdatedAt:  user.UpdatedAt.UTC().Format(time.RFC3339Nano),
			})
			return nil
		})
		return err
	}, key)
}

// SetCredential swaps the user's credential digest, dropping the old index entry.
func (s *RedisUserStore) SetCredential(ctx context.Context, username, digest string) error {
	if digest == "" {
		return fmt.Errorf("credential digest required")
	}
	key := userKey(username)
	return watchRetry(ctx, s.client, func(tx *redis.Tx) error {
		old, err := tx.HGet(ctx, key, userFieldCredential).Result()
		if errors.Is(err, redis.Nil) {
			return admission.ErrUserNotFound
		}
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if old != "" {
				pipe.Del(ctx, userCredKey(old))
			}
			pipe.Set(ctx, userCredKey(digest), username, 0)
			pipe.HSet(ctx, key, userFieldCredential, digest, userFieldUpdatedAt, time.Now().UTC().Format(time.RFC3339Nano))
			return nil
		})
		return err
	}, key)
}

func (s *RedisUserStore) DeleteUser(ctx context.Context, username string) error {
	key := userKey(username)
	return watchRetry(ctx, s.client, func(tx *redis.Tx) error {
		cred, err := tx.HGet(ctx, key, userFieldCredential).Result()
		if errors.Is(err, redis.Nil) {
			return admission.ErrUserNotFound
		}
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			if cred != "" {
				pipe.Del(ctx, userCredKey(cred))
			}
			pipe.SRem(ctx, userIndex, username)
			return nil
		})
		return err
	}, key)
}

func userFields(u *admission.User) (map[string]any, error) {
	algos, err := json.Marshal(nonNil(u.AuthorizedAlgorithms))
	if err != nil {
		return nil, fmt.Errorf("encode algorithms: %w", err)
	}
	return map[string]any{
		userFieldName:       u.Username,
		userFieldCredential: u.CredentialHash,
		userFieldRole:       string(u.Role),
		userFieldAlgorithms: string(algos),
		userFieldLevel:      u.AccessLevel,
		userFieldCreatedAt:  u.CreatedAt.UTC().Format(time.RFC3339Nano),
		userFieldUpdatedAt:  u.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

func decodeUser(meta map[string]string) (*admission.User, error) {
	u := &admission.User{
		Username:       meta[userFieldName],
		CredentialHash: meta[userFieldCredential],
		Role:           admission.Role(meta[userFieldRole]),
	}
	if raw := meta[userFieldAlgorithms]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &u.AuthorizedAlgorithms); err != nil {
			return nil, fmt.Errorf("decode algorithms for %s: %w", u.Username, err)
		}
	}
	u.AccessLevel, _ = strconv.Atoi(meta[userFieldLevel])
	u.CreatedAt, _ = time.Parse(time.RFC3339Nano, meta[userFieldCreatedAt])
	u.UpdatedAt, _ = time.Parse(time.RFC3339Nano, meta[userFieldUpdatedAt])
	return u, nil
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func userKey(username string) string {
	return userKeyPrefix + username
}

func userCredKey(digest string) string {
	return userCredKeyPrefix + digest
}
