package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/joescharf/thinkflow/internal/models"
)

const (
	sessionPrefix = "thinkflow:session:"
	groupPrefix   = "thinkflow:group:"
	scanBatch     = 100
)

// RedisStore implements Adapter and GroupArchive on a Redis server.
// Snapshots have no expiry; the in-memory store owns TTL policy.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func sessionKey(id string) string { return sessionPrefix + id }
func groupKey(id string) string   { return groupPrefix + id }

func (r *RedisStore) Save(ctx context.Context, s *models.Session) error {
	data, err := EncodeSession(s)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, sessionKey(s.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (r *RedisStore) Load(ctx context.Context, id string) (*models.Session, error) {
	data, err := r.client.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return DecodeSession(data)
}

// List scans session keys and filters decoded snapshots. Order is unspecified.
func (r *RedisStore) List(ctx context.Context, filter ListFilter) ([]*models.Session, error) {
	m, err := filter.compile()
	if err != nil {
		return nil, err
	}

	var out []*models.Session
	iter := r.client.Scan(ctx, 0, sessionPrefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		s, err := DecodeSession(data)
		if err != nil {
			return nil, err
		}
		if !m.match(s) {
			continue
		}
		out = append(out, s)
		if m.full(len(out)) {
			break
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan sessions: %w", err)
	}
	return out, nil
}

// Delete removes the snapshot of id. Missing ids return ErrNotFound.
func (r *RedisStore) Delete(ctx context.Context, id string) error {
	n, err := r.client.Del(ctx, sessionKey(id)).Result()
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RedisStore) SaveGroup(ctx context.Context, g *models.ParallelSessionGroup) error {
	data, err := EncodeGroup(g)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, groupKey(g.GroupID), data, 0).Err(); err != nil {
		return fmt.Errorf("save group: %w", err)
	}
	return nil
}

func (r *RedisStore) ListGroups(ctx context.Context, status models.GroupStatus) ([]*models.ParallelSessionGroup, error) {
	var groups []*models.ParallelSessionGroup
	iter := r.client.Scan(ctx, 0, groupPrefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list groups: %w", err)
		}
		g, err := DecodeGroup(data)
		if err != nil {
			return nil, err
		}
		if status == "" || g.Status == status {
			groups = append(groups, g)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan groups: %w", err)
	}
	return groups, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
