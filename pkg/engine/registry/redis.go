package registry

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voicebridge/voicebridge/pkg/core"
)

const defaultRedisTTL = 24 * time.Hour

// RedisStore persists session records as one hash per session plus an index
// set of session IDs. Records expire after TTL so abandoned sessions never
// accumulate.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, core.NewConnectionError("redis", err)
	}
	return &RedisStore{client: client, prefix: "voicebridge", ttl: defaultRedisTTL}, nil
}

func (s *RedisStore) sessionKey(id string) string { return s.prefix + ":session:" + id }
func (s *RedisStore) indexKey() string            { return s.prefix + ":sessions" }

func (s *RedisStore) fields(rec Record) map[string]any {
	return map[string]any{
		"id":         rec.ID,
		"provider":   rec.Provider,
		"strategy":   rec.Strategy,
		"state":      rec.State,
		"carrier":    rec.Carrier,
		"call_id":    rec.CallID,
		"reason":     rec.Reason,
		"created_at": rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at": rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func recordFromHash(m map[string]string) Record {
	created, _ := time.Parse(time.RFC3339Nano, m["created_at"])
	updated, _ := time.Parse(time.RFC3339Nano, m["updated_at"])
	return Record{
		ID:        m["id"],
		Provider:  m["provider"],
		Strategy:  m["strategy"],
		State:     m["state"],
		Carrier:   m["carrier"],
		CallID:    m["call_id"],
		Reason:    m["reason"],
		CreatedAt: created,
		UpdatedAt: updated,
	}
}

func (s *RedisStore) write(ctx context.Context, rec Record) error {
	key := s.sessionKey(rec.ID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, s.fields(rec))
	pipe.Expire(ctx, key, s.ttl)
	pipe.SAdd(ctx, s.indexKey(), rec.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return core.NewConnectionError("redis", err)
	}
	return nil
}

func (s *RedisStore) CreateSession(ctx context.Context, rec Record) error {
	return s.write(ctx, rec)
}

func (s *RedisStore) GetSession(ctx context.Context, id string) (Record, error) {
	m, err := s.client.HGetAll(ctx, s.sessionKey(id)).Result()
	if err != nil {
		return Record{}, core.NewConnectionError("redis", err)
	}
	if len(m) == 0 {
		return Record{}, core.NewSessionNotFound(id)
	}
	return recordFromHash(m), nil
}

func (s *RedisStore) UpdateSession(ctx context.Context, rec Record) error {
	exists, err := s.client.Exists(ctx, s.sessionKey(rec.ID)).Result()
	if err != nil {
		return core.NewConnectionError("redis", err)
	}
	if exists == 0 {
		return core.NewSessionNotFound(rec.ID)
	}
	return s.write(ctx, rec)
}

func (s *RedisStore) DeleteSession(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.sessionKey(id))
	pipe.SRem(ctx, s.indexKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return core.NewConnectionError("redis", err)
	}
	return nil
}

func (s *RedisStore) ListSessions(ctx context.Context) ([]Record, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, core.NewConnectionError("redis", err)
	}
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.GetSession(ctx, id)
		if core.CodeOf(err) == core.CodeSessionNotFound {
			// Hash expired but the index entry lingered; prune it.
			_ = s.client.SRem(ctx, s.indexKey(), id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
