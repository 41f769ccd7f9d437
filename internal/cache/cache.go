// Package cache is the semantic answer cache. Entries are stored next to the
// embedding of the prompt that produced them and are found again by vector
// range search; admission then decides whether a neighbour is close enough to
// be served instead of generating a new answer.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/querymesh/querymesh/internal/observability"
	"github.com/querymesh/querymesh/internal/query"
)

const (
	ReasonExactMatch = "exact_match"
	ReasonThreshold  = "threshold"
	ReasonMiss       = "miss"
)

const (
	DefaultKeyPrefix = "cache:"
	DefaultTTL       = 10 * time.Minute
	DefaultRadius    = 0.8
	DefaultTopK      = 20
	DefaultThreshold = 0.85
)

// Entry is one resolved prompt. Rows and Columns hold the result set that was
// returned to the caller when the entry was written.
type Entry struct {
	Key        string
	Statement  query.Statement
	Answer     string
	Rows       [][]any
	Columns    []string
	SchemaText string
	PromptText string
}

// ScoredEntry is a search hit. Distance is the cosine distance reported by
// the store and Score is 1 - Distance rounded to two decimals.
type ScoredEntry struct {
	Entry
	Distance float64
	Score    float64
}

type Decision struct {
	Hit    bool
	Entry  ScoredEntry
	Reason string
}

type Store interface {
	Search(ctx context.Context, vec []float32, radius float64, topK int) ([]ScoredEntry, error)
	Put(ctx context.Context, key string, vec []float32, entry Entry, ttl time.Duration) error
	Ping(ctx context.Context) error
}

// Purger is implemented by stores that cannot expire entries on their own.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

type Config struct {
	KeyPrefix string
	TTL       time.Duration
	Radius    float64
	TopK      int
	Threshold float64
}

type Service struct {
	store  Store
	cfg    Config
	logger *slog.Logger
}

// New returns a cache over store. A nil store yields a disabled cache whose
// lookups always miss and whose writes are dropped.
func New(store Store, cfg Config, logger *slog.Logger) *Service {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Radius <= 0 {
		cfg.Radius = DefaultRadius
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultThreshold
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Service{store: store, cfg: cfg, logger: logger}
}

func (s *Service) Enabled() bool {
	return s != nil && s.store != nil
}

func (s *Service) Config() Config {
	return s.cfg
}

// Lookup returns the neighbours of vec within the configured radius, nearest
// first. Store failures are logged and reported as an empty result.
func (s *Service) Lookup(ctx context.Context, vec []float32, topK int) []ScoredEntry {
	if !s.Enabled() {
		return nil
	}
	if topK <= 0 {
		topK = s.cfg.TopK
	}
	entries, err := s.store.Search(ctx, vec, s.cfg.Radius, topK)
	if err != nil {
		s.logger.WarnContext(ctx, "cache lookup failed", slog.Any("error", err))
		return nil
	}
	for i := range entries {
		entries[i].Score = Score(entries[i].Distance)
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Distance < entries[j].Distance })
	if len(entries) > topK {
		entries = entries[:topK]
	}
	return entries
}

func (s *Service) Admit(entries []ScoredEntry, prompt string) Decision {
	return Admit(entries, prompt, s.cfg.Threshold)
}

// Admit picks the entry to serve. An entry whose stored prompt equals prompt
// wins regardless of its score; otherwise only the nearest entry is
// considered and it must reach threshold.
func Admit(entries []ScoredEntry, prompt string, threshold float64) Decision {
	for _, entry := range entries {
		if entry.PromptText == prompt {
			return Decision{Hit: true, Entry: entry, Reason: ReasonExactMatch}
		}
	}
	if len(entries) > 0 && entries[0].Score >= threshold {
		return Decision{Hit: true, Entry: entries[0], Reason: ReasonThreshold}
	}
	return Decision{Reason: ReasonMiss}
}

// Write stores entry under the key derived from prompt. It reports false
// without touching the store when the entry carries no answer or the store
// rejects the write.
func (s *Service) Write(ctx context.Context, prompt string, vec []float32, entry Entry) bool {
	if !s.Enabled() {
		return false
	}
	if strings.TrimSpace(entry.Answer) == "" {
		s.logger.DebugContext(ctx, "cache write skipped: empty answer")
		return false
	}
	entry.Key = Key(s.cfg.KeyPrefix, prompt)
	entry.PromptText = prompt
	if err := s.store.Put(ctx, entry.Key, vec, entry, s.cfg.TTL); err != nil {
		s.logger.WarnContext(ctx, "cache write failed", slog.String("key", entry.Key), slog.Any("error", err))
		return false
	}
	return true
}

func (s *Service) Ping(ctx context.Context) error {
	if !s.Enabled() {
		return nil
	}
	return s.store.Ping(ctx)
}

// PurgeExpired removes expired entries from stores that need it and is a
// no-op for stores with native expiry.
func (s *Service) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	if !s.Enabled() {
		return 0, nil
	}
	purger, ok := s.store.(Purger)
	if !ok {
		return 0, nil
	}
	return purger.PurgeExpired(ctx, now)
}

// Key is prefix followed by the hex sha256 of prompt.
func Key(prefix, prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return prefix + hex.EncodeToString(sum[:])
}

// ID strips prefix from key, leaving the content hash.
func ID(prefix, key string) string {
	return strings.TrimPrefix(key, prefix)
}

func Score(distance float64) float64 {
	return math.Round((1-distance)*100) / 100
}
