package store

import (
	"context"
	"encoding/json"
	"path"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/trace"
	"github.com/effective-security/xlog"
	"github.com/redis/go-redis/v9"
)

// The redis store keeps the turns of a session in a list, one JSON record per turn.
// The keys namespace is organized as follows:
// - `/<prefix>/tracestore/turns/<sessionID>` for the turns
// - `/<prefix>/tracestore/info/<sessionID>` for the session info
// - `/<prefix>/tracestore/sessions` for the set of session IDs

type redisStore struct {
	client   *redis.Client
	prefix   string
	maxTurns int
	ttl      time.Duration
}

// RedisOption configures the redis store
type RedisOption func(*redisStore)

// WithMaxTurns keeps only the newest n turns of a session
func WithMaxTurns(n int) RedisOption {
	return func(s *redisStore) {
		s.maxTurns = n
	}
}

// WithTTL expires the history of a session not updated for ttl
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *redisStore) {
		s.ttl = ttl
	}
}

// NewRedisStore returns a store keeping the history in Redis
func NewRedisStore(client *redis.Client, prefix string, opts ...RedisOption) Manager {
	s := &redisStore{
		client: client,
		prefix: prefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (m *redisStore) turnsKey(sessionID string) string {
	return path.Join(m.prefix, "tracestore", "turns", sessionID)
}

func (m *redisStore) infoKey(sessionID string) string {
	return path.Join(m.prefix, "tracestore", "info", sessionID)
}

func (m *redisStore) sessionsKey() string {
	return path.Join(m.prefix, "tracestore", "sessions")
}

func (m *redisStore) Turns(ctx context.Context, sessionID string) (trace.Trace, error) {
	data, err := m.client.LRange(ctx, m.turnsKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get turns from Redis")
	}

	var turns trace.Trace
	for _, item := range data {
		turn, err := trace.UnmarshalTurn([]byte(item))
		if err != nil {
			logger.ContextKV(ctx, xlog.ERROR,
				"reason", "unmarshal turn",
				"session", sessionID,
				"err", err.Error(),
			)
			continue
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

func (m *redisStore) Append(ctx context.Context, sessionID string, turns ...trace.Turn) error {
	if len(turns) == 0 {
		return nil
	}

	values := make([]any, 0, len(turns))
	for _, turn := range turns {
		data, err := trace.MarshalTurn(turn)
		if err != nil {
			return err
		}
		values = append(values, data)
	}

	info, err := m.Info(ctx, sessionID)
	if err != nil {
		return err
	}
	isNew := info == nil
	now := time.Now()
	if isNew {
		info = &SessionInfo{ID: sessionID, CreatedAt: now}
	}

	key := m.turnsKey(sessionID)
	pipe := m.client.TxPipeline()
	pipe.RPush(ctx, key, values...)
	if m.maxTurns > 0 {
		pipe.LTrim(ctx, key, -int64(m.maxTurns), -1)
	}
	llen := pipe.LLen(ctx, key)
	if m.ttl > 0 {
		pipe.Expire(ctx, key, m.ttl)
	}
	if isNew {
		pipe.SAdd(ctx, m.sessionsKey(), sessionID)
	}
	if _, err = pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "failed to store turns in Redis")
	}

	info.UpdatedAt = now
	info.Turns = int(llen.Val())
	return m.updateInfo(ctx, info)
}

func (m *redisStore) updateInfo(ctx context.Context, info *SessionInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return errors.Wrap(err, "failed to marshal session info")
	}
	if err = m.client.Set(ctx, m.infoKey(info.ID), data, m.ttl).Err(); err != nil {
		return errors.Wrap(err, "failed to store session info in Redis")
	}
	return nil
}

func (m *redisStore) Reset(ctx context.Context, sessionID string) error {
	pipe := m.client.Pipeline()
	pipe.Del(ctx, m.turnsKey(sessionID))
	pipe.Del(ctx, m.infoKey(sessionID))
	pipe.SRem(ctx, m.sessionsKey(), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "failed to reset session in Redis")
	}
	return nil
}

func (m *redisStore) Info(ctx context.Context, sessionID string) (*SessionInfo, error) {
	data, err := m.client.Get(ctx, m.infoKey(sessionID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to get session info from Redis")
	}

	info := &SessionInfo{}
	if err = json.Unmarshal([]byte(data), info); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal session info")
	}
	return info, nil
}

func (m *redisStore) List(ctx context.Context) ([]string, error) {
	ids, err := m.client.SMembers(ctx, m.sessionsKey()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to list sessions from Redis")
	}
	return ids, nil
}

func (m *redisStore) Cleanup(ctx context.Context, olderThan time.Duration) (uint32, error) {
	ids, err := m.List(ctx)
	if err != nil {
		return 0, err
	}

	deleted := uint32(0)
	cutoff := time.Now().Add(-olderThan)
	for _, id := range ids {
		info, err := m.Info(ctx, id)
		if err != nil {
			return deleted, err
		}
		// expired by TTL, or updated before the cutoff
		if info == nil || info.UpdatedAt.Before(cutoff) {
			if err = m.Reset(ctx, id); err != nil {
				return deleted, errors.Wrap(err, "failed to delete session from Redis")
			}
			deleted++
		}
	}
	return deleted, nil
}
