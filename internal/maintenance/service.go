// Package maintenance runs the periodic background work of the service:
// schema reindexing, purging of expired cache entries and retention of
// archived results.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/querymesh/querymesh/internal/schemaindex"
)

const (
	TaskReindex     = "reindex"
	TaskCachePurge  = "cache_purge"
	TaskExportPurge = "export_purge"
)

type Reindexer interface {
	Run(ctx context.Context) (schemaindex.RunSummary, error)
}

type CachePurger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

type ResultPurger interface {
	Purge(ctx context.Context, cutoff time.Time) (int, error)
}

// Config intervals of zero or less disable the corresponding task in Run.
type Config struct {
	ReindexInterval     time.Duration
	CachePurgeInterval  time.Duration
	ExportPurgeInterval time.Duration
	ExportRetention     time.Duration
}

type Service struct {
	Indexer Reindexer
	Cache   CachePurger
	Results ResultPurger
	Config  Config
	Logger  *slog.Logger
	Clock   func() time.Time
}

type CachePurgeSummary struct {
	EntriesPurged int `json:"entries_purged"`
}

type ExportPurgeSummary struct {
	Cutoff        time.Time `json:"cutoff"`
	ResultsPurged int       `json:"results_purged"`
}

func (s *Service) Run(ctx context.Context) error {
	s.ensureDefaults()

	reindex := tickerChannel(s.Config.ReindexInterval, s.Indexer != nil)
	defer reindex.stop()
	cachePurge := tickerChannel(s.Config.CachePurgeInterval, s.Cache != nil)
	defer cachePurge.stop()
	exportPurge := tickerChannel(s.Config.ExportPurgeInterval, s.Results != nil)
	defer exportPurge.stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-reindex.c:
			summary, err := s.RunReindexOnce(ctx)
			s.logCycle(ctx, TaskReindex, summary, err)
		case <-cachePurge.c:
			summary, err := s.RunCachePurgeOnce(ctx)
			s.logCycle(ctx, TaskCachePurge, summary, err)
		case <-exportPurge.c:
			summary, err := s.RunExportPurgeOnce(ctx)
			s.logCycle(ctx, TaskExportPurge, summary, err)
		}
	}
}

func (s *Service) RunReindexOnce(ctx context.Context) (schemaindex.RunSummary, error) {
	if s.Indexer == nil {
		return schemaindex.RunSummary{}, fmt.Errorf("schema indexer is required")
	}
	summary, err := s.Indexer.Run(ctx)
	observeRun(TaskReindex, err)
	return summary, err
}

func (s *Service) RunCachePurgeOnce(ctx context.Context) (CachePurgeSummary, error) {
	s.ensureDefaults()
	if s.Cache == nil {
		return CachePurgeSummary{}, fmt.Errorf("cache is required")
	}
	purged, err := s.Cache.PurgeExpired(ctx, s.Clock())
	observeRun(TaskCachePurge, err)
	if err != nil {
		return CachePurgeSummary{}, fmt.Errorf("purge expired cache entries: %w", err)
	}
	cacheEntriesPurgedTotal.Add(float64(purged))
	return CachePurgeSummary{EntriesPurged: purged}, nil
}

func (s *Service) RunExportPurgeOnce(ctx context.Context) (ExportPurgeSummary, error) {
	s.ensureDefaults()
	if s.Results == nil {
		return ExportPurgeSummary{}, fmt.Errorf("result exporter is required")
	}
	summary := ExportPurgeSummary{Cutoff: s.Clock().Add(-s.Config.ExportRetention)}
	purged, err := s.Results.Purge(ctx, summary.Cutoff)
	summary.ResultsPurged = purged
	resultsPurgedTotal.Add(float64(purged))
	observeRun(TaskExportPurge, err)
	if err != nil {
		return summary, fmt.Errorf("purge archived results: %w", err)
	}
	return summary, nil
}

func (s *Service) ensureDefaults() {
	if s.Clock == nil {
		s.Clock = func() time.Time { return time.Now().UTC() }
	}
	if s.Config.ExportRetention <= 0 {
		s.Config.ExportRetention = 24 * time.Hour
	}
}

func (s *Service) logCycle(ctx context.Context, task string, summary any, err error) {
	if s.Logger == nil {
		return
	}
	if err != nil {
		s.Logger.ErrorContext(ctx, "maintenance cycle failed", slog.String("task", task), slog.Any("error", err), slog.Any("summary", summary))
		return
	}
	s.Logger.InfoContext(ctx, "maintenance cycle completed", slog.String("task", task), slog.Any("summary", summary))
}

type ticker struct {
	t *time.Ticker
	c <-chan time.Time
}

// tickerChannel returns a ticker for interval, or a never-firing channel when
// the task is disabled.
func tickerChannel(interval time.Duration, enabled bool) ticker {
	if !enabled || interval <= 0 {
		return ticker{}
	}
	t := time.NewTicker(interval)
	return ticker{t: t, c: t.C}
}

func (t ticker) stop() {
	if t.t != nil {
		t.t.Stop()
	}
}
