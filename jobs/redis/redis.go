// Package redis provides a Redis-backed jobs.Store. Records are stored as
// JSON values with a server-side TTL matching the job's deadline, plus a
// sorted-set index scored by creation time so List avoids a keyspace scan.
// Suitable when job state must survive restarts or be shared by replicas
// fronted by a single manager.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/tannht/mcp-compliance-go/jobs"
	"github.com/tannht/mcp-compliance-go/mcp"
)

// Config for the Redis-backed job store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// RedisPassword for servers requiring AUTH. ENV: REDIS_PASSWORD
	RedisPassword string `env:"REDIS_PASSWORD,default="`
	// RedisDB selects the logical database. ENV: REDIS_DB
	RedisDB int `env:"REDIS_DB,default=0"`
	// KeyPrefix for all keys. ENV: JOBS_KEY_PREFIX
	KeyPrefix string `env:"JOBS_KEY_PREFIX,default=mcp:jobs:"`
}

// Store implements jobs.Store on Redis.
type Store struct {
	client    *redis.Client
	keyPrefix string
}

var _ jobs.Store = (*Store)(nil)

// New connects and pings the server so misconfiguration fails at startup.
func New(cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mcp:jobs:"
	}
	return &Store{client: cl, keyPrefix: prefix}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) jobKey(jobID string) string { return s.keyPrefix + "job:" + jobID }
func (s *Store) indexKey() string           { return s.keyPrefix + "index" }

// Put writes the record and its index entry in one transaction. The key's
// server-side TTL tracks the job's deadline so Redis reclaims expired
// records even without traffic.
func (s *Store) Put(ctx context.Context, job *mcp.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	ttl := time.Until(job.TTLDeadline)
	if ttl < time.Second {
		// SET requires a positive expiry; sub-second remainders round up.
		ttl = time.Second
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.jobKey(job.JobID), raw, ttl)
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{
		Score:  float64(job.CreatedAt.UnixMilli()),
		Member: job.JobID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

// Get loads one record. Keys Redis already expired surface as
// jobs.ErrJobNotFound and drop their index entry; the deadline is also
// enforced locally since the server TTL is rounded up.
func (s *Store) Get(ctx context.Context, jobID string) (*mcp.Job, error) {
	raw, err := s.client.Get(ctx, s.jobKey(jobID)).Bytes()
	if err == redis.Nil {
		s.client.ZRem(ctx, s.indexKey(), jobID)
		return nil, jobs.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var job mcp.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	if job.Expired(time.Now()) {
		_ = s.Delete(ctx, jobID)
		return nil, jobs.ErrJobNotFound
	}
	return &job, nil
}

// Delete removes the record and its index entry. Unknown ids are a no-op.
func (s *Store) Delete(ctx context.Context, jobID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.jobKey(jobID))
	pipe.ZRem(ctx, s.indexKey(), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

// List walks the creation-time index and fetches records in one MGET,
// repairing index entries whose keys have expired.
func (s *Store) List(ctx context.Context) ([]*mcp.Job, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.jobKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list mget: %w", err)
	}
	now := time.Now()
	out := make([]*mcp.Job, 0, len(vals))
	var stale []interface{}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var job mcp.Job
		if err := json.Unmarshal([]byte(str), &job); err != nil {
			stale = append(stale, ids[i])
			continue
		}
		if job.Expired(now) {
			stale = append(stale, ids[i])
			s.client.Del(ctx, keys[i])
			continue
		}
		out = append(out, &job)
	}
	if len(stale) > 0 {
		s.client.ZRem(ctx, s.indexKey(), stale...)
	}
	return out, nil
}
