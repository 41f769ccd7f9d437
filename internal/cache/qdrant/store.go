// Package qdrant stores cache entries as points in a Qdrant collection.
// Qdrant has no per-point TTL, so every point carries an expires_at payload
// that searches filter on and that PurgeExpired deletes by.
package qdrant

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/querymesh/querymesh/internal/cache"
)

type Client interface {
	CollectionExists(ctx context.Context, collectionName string) (bool, error)
	CreateCollection(ctx context.Context, request *qdrant.CreateCollection) error
	Upsert(ctx context.Context, request *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Query(ctx context.Context, request *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
	Delete(ctx context.Context, request *qdrant.DeletePoints) (*qdrant.UpdateResult, error)
	HealthCheck(ctx context.Context) (*qdrant.HealthCheckReply, error)
}

type Config struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
	Dimensions int
}

func NewClient(cfg Config) (*qdrant.Client, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("connect qdrant %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return client, nil
}

type Store struct {
	client Client
	cfg    Config
	now    func() time.Time
}

func New(client Client, cfg Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("qdrant client is required")
	}
	if strings.TrimSpace(cfg.Collection) == "" {
		return nil, fmt.Errorf("collection name is required")
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("vector dimensions must be > 0")
	}
	return &Store{client: client, cfg: cfg, now: time.Now}, nil
}

func (s *Store) EnsureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.cfg.Collection)
	if err != nil {
		return fmt.Errorf("check collection %s: %w", s.cfg.Collection, err)
	}
	if exists {
		return nil
	}
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.cfg.Dimensions),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", s.cfg.Collection, err)
	}
	return nil
}

// Search maps the cosine-distance radius onto Qdrant's similarity score:
// distance <= radius is score >= 1 - radius.
func (s *Store) Search(ctx context.Context, vec []float32, radius float64, topK int) ([]cache.ScoredEntry, error) {
	limit := uint64(topK)
	threshold := float32(1 - radius)
	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.cfg.Collection,
		Query:          qdrant.NewQuery(vec...),
		Limit:          &limit,
		ScoreThreshold: &threshold,
		Filter:         expiresFilter(&qdrant.Range{Gt: unixSeconds(s.now())}),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("query collection %s: %w", s.cfg.Collection, err)
	}

	entries := make([]cache.ScoredEntry, 0, len(points))
	for _, point := range points {
		fields := make(map[string]string, len(cache.TextFields))
		for _, name := range cache.TextFields {
			if value, ok := point.GetPayload()[name]; ok {
				fields[name] = value.GetStringValue()
			}
		}
		entry, err := cache.FromFields(fields)
		if err != nil {
			return nil, fmt.Errorf("decode cache point: %w", err)
		}
		if value, ok := point.GetPayload()["key"]; ok {
			entry.Key = value.GetStringValue()
		}
		entries = append(entries, cache.ScoredEntry{Entry: entry, Distance: 1 - float64(point.GetScore())})
	}
	return entries, nil
}

func (s *Store) Put(ctx context.Context, key string, vec []float32, entry cache.Entry, ttl time.Duration) error {
	fields, err := cache.Fields(entry)
	if err != nil {
		return err
	}
	payload := make(map[string]any, len(fields)+2)
	for name, value := range fields {
		payload[name] = value
	}
	payload["key"] = key
	payload[cache.FieldExpiresAt] = s.now().Add(ttl).Unix()

	wait := true
	_, err = s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.cfg.Collection,
		Wait:           &wait,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewID(PointID(key)),
			Vectors: qdrant.NewVectors(vec...),
			Payload: qdrant.NewValueMap(payload),
		}},
	})
	if err != nil {
		return fmt.Errorf("upsert cache point %s: %w", key, err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.HealthCheck(ctx)
	return err
}

// PurgeExpired deletes every point whose expires_at is not after now. Qdrant
// does not report how many points matched, so the count is always zero.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.cfg.Collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: expiresFilter(&qdrant.Range{Lte: unixSeconds(now)}),
			},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("purge expired points in %s: %w", s.cfg.Collection, err)
	}
	return 0, nil
}

// PointID derives a stable UUID from a cache key since Qdrant ids must be
// unsigned integers or UUIDs.
func PointID(key string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()
}

func expiresFilter(r *qdrant.Range) *qdrant.Filter {
	return &qdrant.Filter{
		Must: []*qdrant.Condition{
			{
				ConditionOneOf: &qdrant.Condition_Field{
					Field: &qdrant.FieldCondition{
						Key:   cache.FieldExpiresAt,
						Range: r,
					},
				},
			},
		},
	}
}

func unixSeconds(t time.Time) *float64 {
	value := float64(t.Unix())
	return &value
}
