// Package export archives resolved result sets as Parquet objects and reads
// them back through a file query engine.
package export

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/querymesh/querymesh/internal/observability"
	"github.com/querymesh/querymesh/internal/query"
	"github.com/querymesh/querymesh/internal/storage"
)

const (
	parquetContentType = "application/vnd.apache.parquet"
	resultView         = "result"
	DefaultReadLimit   = 1000
)

type Exporter struct {
	store  storage.ObjectStore
	engine query.FileEngine
	logger *slog.Logger
}

func NewExporter(store storage.ObjectStore, engine query.FileEngine, logger *slog.Logger) (*Exporter, error) {
	if store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if engine == nil {
		return nil, fmt.Errorf("file query engine is required")
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Exporter{store: store, engine: engine, logger: logger}, nil
}

// Export archives columns and rows under id and returns the object path.
// Result sets without columns have nothing to archive and yield "".
func (e *Exporter) Export(ctx context.Context, id string, columns []string, rows [][]any) (string, error) {
	if len(columns) == 0 {
		return "", nil
	}
	objectPath, err := storage.ResultPath(id)
	if err != nil {
		return "", err
	}
	encoded, err := EncodeResultToParquet(columns, rows)
	if err != nil {
		return "", err
	}

	started := time.Now()
	_, err = e.store.Put(ctx, objectPath, bytes.NewReader(encoded.Data), int64(len(encoded.Data)), storage.PutOptions{
		ContentType: parquetContentType,
		Metadata: map[string]string{
			"record-count": strconv.FormatInt(encoded.RecordCount, 10),
			"columns":      strings.Join(encoded.Columns, ","),
		},
	})
	observability.ObserveStage("export", time.Since(started))
	if err != nil {
		return "", fmt.Errorf("upload result %s: %w", objectPath, err)
	}
	e.logger.DebugContext(ctx, "archived result",
		slog.String("object_path", objectPath),
		slog.Int64("rows", encoded.RecordCount),
		slog.Int("bytes", len(encoded.Data)),
	)
	return objectPath, nil
}

// Read returns up to limit rows of the archived result id in their stored
// order. It fails with storage.ErrObjectNotFound for unknown ids.
func (e *Exporter) Read(ctx context.Context, id string, limit int) (query.Result, error) {
	objectPath, err := storage.ResultPath(id)
	if err != nil {
		return query.Result{}, err
	}
	if _, err := e.store.Stat(ctx, objectPath); err != nil {
		return query.Result{}, err
	}
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	return e.engine.Execute(ctx, query.FileRequest{
		SQL:      "SELECT * FROM " + resultView,
		RowLimit: limit,
		Files:    []query.TableFile{{TableName: resultView, ObjectPath: objectPath}},
	})
}

// Purge deletes archived results last modified before cutoff.
func (e *Exporter) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	objects, err := e.store.List(ctx, storage.ResultsPrefix)
	if err != nil {
		return 0, fmt.Errorf("list archived results: %w", err)
	}
	purged := 0
	for _, object := range objects {
		if !object.LastModified.Before(cutoff) {
			continue
		}
		if err := e.store.Delete(ctx, object.Key); err != nil {
			return purged, fmt.Errorf("delete archived result %s: %w", object.Key, err)
		}
		purged++
	}
	return purged, nil
}
