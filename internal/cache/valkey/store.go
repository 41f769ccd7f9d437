// Package valkey stores cache entries as hashes indexed by the search module
// of Valkey or Redis Stack.
package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/querymesh/querymesh/internal/cache"
	"github.com/querymesh/querymesh/internal/embedding"
)

const rangeQuery = "@vector:[VECTOR_RANGE $radius $vec]=>{$YIELD_DISTANCE_AS: score}"

type Client interface {
	Do(ctx context.Context, args ...any) *redis.Cmd
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

type Config struct {
	Address    string
	Username   string
	Password   string
	UseTLS     bool
	IndexName  string
	KeyPrefix  string
	Dimensions int
}

// NewClient builds a RESP2 client; search replies are parsed as flat arrays.
func NewClient(cfg Config) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
		Protocol: 2,
	}
	if cfg.UseTLS {
		options.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return redis.NewClient(options)
}

type Store struct {
	client Client
	cfg    Config
}

func New(client Client, cfg Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("valkey client is required")
	}
	if strings.TrimSpace(cfg.IndexName) == "" {
		return nil, fmt.Errorf("index name is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = cache.DefaultKeyPrefix
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("vector dimensions must be > 0")
	}
	return &Store{client: client, cfg: cfg}, nil
}

// EnsureIndex creates the vector index unless it already exists.
func (s *Store) EnsureIndex(ctx context.Context) error {
	if err := s.client.Do(ctx, "FT.INFO", s.cfg.IndexName).Err(); err == nil {
		return nil
	}

	args := []any{
		"FT.CREATE", s.cfg.IndexName,
		"ON", "HASH",
		"PREFIX", "1", s.cfg.KeyPrefix,
		"SCHEMA",
	}
	for _, field := range cache.TextFields {
		args = append(args, field, "TEXT")
	}
	args = append(args,
		cache.FieldVector, "VECTOR", "HNSW", "6",
		"TYPE", "FLOAT32",
		"DIM", strconv.Itoa(s.cfg.Dimensions),
		"DISTANCE_METRIC", "COSINE",
	)
	if err := s.client.Do(ctx, args...).Err(); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "already exists") {
			return nil
		}
		return fmt.Errorf("create cache index %s: %w", s.cfg.IndexName, err)
	}
	return nil
}

func (s *Store) Search(ctx context.Context, vec []float32, radius float64, topK int) ([]cache.ScoredEntry, error) {
	args := []any{"FT.SEARCH", s.cfg.IndexName, rangeQuery, "RETURN", strconv.Itoa(len(cache.TextFields) + 1)}
	for _, field := range cache.TextFields {
		args = append(args, field)
	}
	args = append(args,
		cache.FieldScore,
		"SORTBY", cache.FieldScore,
		"LIMIT", "0", strconv.Itoa(topK),
		"PARAMS", "4",
		"radius", strconv.FormatFloat(radius, 'f', -1, 64),
		"vec", embedding.Encode(vec),
		"DIALECT", "2",
	)

	reply, err := s.client.Do(ctx, args...).Slice()
	if err != nil {
		return nil, fmt.Errorf("search cache index %s: %w", s.cfg.IndexName, err)
	}
	return parseSearchReply(reply)
}

func (s *Store) Put(ctx context.Context, key string, vec []float32, entry cache.Entry, ttl time.Duration) error {
	fields, err := cache.Fields(entry)
	if err != nil {
		return err
	}
	values := make(map[string]any, len(fields)+1)
	for name, value := range fields {
		values[name] = value
	}
	values[cache.FieldVector] = embedding.Encode(vec)

	if err := s.client.HSet(ctx, key, values).Err(); err != nil {
		return fmt.Errorf("write cache entry %s: %w", key, err)
	}
	ok, err := s.client.Expire(ctx, key, ttl).Result()
	if err == nil && !ok {
		err = fmt.Errorf("key vanished before expiry was set")
	}
	if err != nil {
		_ = s.client.Del(ctx, key).Err()
		return fmt.Errorf("set cache entry expiry %s: %w", key, err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// parseSearchReply reads a RESP2 FT.SEARCH reply:
// [total, key1, [field, value, ...], key2, [...], ...].
func parseSearchReply(reply []any) ([]cache.ScoredEntry, error) {
	if len(reply) == 0 {
		return nil, nil
	}
	if (len(reply)-1)%2 != 0 {
		return nil, fmt.Errorf("malformed search reply of length %d", len(reply))
	}

	entries := make([]cache.ScoredEntry, 0, (len(reply)-1)/2)
	for i := 1; i < len(reply); i += 2 {
		key, ok := replyString(reply[i])
		if !ok {
			return nil, fmt.Errorf("malformed search reply: key at %d is %T", i, reply[i])
		}
		pairs, ok := reply[i+1].([]any)
		if !ok || len(pairs)%2 != 0 {
			return nil, fmt.Errorf("malformed search reply: fields of %s", key)
		}
		fields := make(map[string]string, len(pairs)/2)
		for j := 0; j < len(pairs); j += 2 {
			name, _ := replyString(pairs[j])
			value, _ := replyString(pairs[j+1])
			fields[name] = value
		}

		entry, err := cache.FromFields(fields)
		if err != nil {
			return nil, fmt.Errorf("decode cache entry %s: %w", key, err)
		}
		entry.Key = key
		distance, err := strconv.ParseFloat(fields[cache.FieldScore], 64)
		if err != nil {
			return nil, fmt.Errorf("decode distance of %s: %w", key, err)
		}
		entries = append(entries, cache.ScoredEntry{Entry: entry, Distance: distance})
	}
	return entries, nil
}

func replyString(value any) (string, bool) {
	switch typed := value.(type) {
	case string:
		return typed, true
	case []byte:
		return string(typed), true
	default:
		return "", false
	}
}
