package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	PasswordEnv string        `yaml:"password_env"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"pool_size"`
	KeyPrefix   string        `yaml:"key_prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	ScanCount   int64         `yaml:"scan_count"`
}

// Each record is a hash with a version field and a data field.
const (
	fieldVersion = "v"
	fieldData    = "d"
)

var casScript = redis.NewScript(`
	local current = redis.call('HGET', KEYS[1], 'v')
	local expected = tonumber(ARGV[1])
	if current == false then
		if expected ~= 0 then
			return -1
		end
	elseif tonumber(current) ~= expected then
		return -1
	end
	local version = expected + 1
	redis.call('HSET', KEYS[1], 'v', version, 'd', ARGV[2])
	return version
`)

var putScript = redis.NewScript(`
	local version = redis.call('HINCRBY', KEYS[1], 'v', 1)
	redis.call('HSET', KEYS[1], 'd', ARGV[1])
	return version
`)

// RedisStore is a Store backed by Redis hashes.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	scanCount int64
	logger    *zap.Logger
}

// NewRedisStore connects to Redis. The password is passed in resolved form;
// callers read it from the environment variable named in the config.
func NewRedisStore(cfg RedisConfig, password string, logger *zap.Logger) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
	})
	return NewRedisStoreFromClient(client, cfg, logger)
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, cfg RedisConfig, logger *zap.Logger) *RedisStore {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "incidentforge:"
	}
	count := cfg.ScanCount
	if count <= 0 {
		count = 256
	}
	return &RedisStore{
		client:    client,
		prefix:    prefix,
		scanCount: count,
		logger:    logger.Named("redis-store"),
	}
}

// Client exposes the underlying client so other components (rate limiting)
// can share the connection pool.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Put writes value unconditionally.
func (s *RedisStore) Put(ctx context.Context, key string, value []byte) (int64, error) {
	version, err := putScript.Run(ctx, s.client, []string{s.prefix + key}, value).Int64()
	if err != nil {
		return 0, fmt.Errorf("put %s: %w", key, err)
	}
	return version, nil
}

// Get returns the record for key.
func (s *RedisStore) Get(ctx context.Context, key string) (Record, error) {
	vals, err := s.client.HMGet(ctx, s.prefix+key, fieldVersion, fieldData).Result()
	if err != nil {
		return Record{}, fmt.Errorf("get %s: %w", key, err)
	}
	return decodeRecord(key, vals)
}

// CompareAndSwap writes value if the stored version equals expected.
func (s *RedisStore) CompareAndSwap(ctx context.Context, key string, expected int64, value []byte) (int64, error) {
	version, err := casScript.Run(ctx, s.client, []string{s.prefix + key}, expected, value).Int64()
	if err != nil {
		return 0, fmt.Errorf("compare-and-swap %s: %w", key, err)
	}
	if version < 0 {
		return 0, ErrVersionConflict
	}
	return version, nil
}

// Delete removes key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Query scans keys under the filter prefix and loads them in one pipeline.
func (s *RedisStore) Query(ctx context.Context, filter Filter) ([]Record, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.prefix+filter.Prefix+"*", s.scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", filter.Prefix, err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.SliceCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HMGet(ctx, k, fieldVersion, fieldData)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load %s: %w", filter.Prefix, err)
	}

	records := make([]Record, 0, len(keys))
	for i, cmd := range cmds {
		rec, err := decodeRecord(strings.TrimPrefix(keys[i], s.prefix), cmd.Val())
		if errors.Is(err, ErrNotFound) {
			// deleted between SCAN and HMGET
			continue
		}
		if err != nil {
			s.logger.Warn("Skipping undecodable record", zap.String("key", keys[i]), zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	return applyFilter(records, filter), nil
}

// Ping verifies Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeRecord(key string, vals []interface{}) (Record, error) {
	if len(vals) != 2 || vals[0] == nil {
		return Record{}, ErrNotFound
	}
	vs, ok := vals[0].(string)
	if !ok {
		return Record{}, fmt.Errorf("unexpected version type %T", vals[0])
	}
	version, err := strconv.ParseInt(vs, 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("parse version: %w", err)
	}
	rec := Record{Key: key, Version: version}
	if ds, ok := vals[1].(string); ok {
		rec.Value = []byte(ds)
	}
	return rec, nil
}
