package schemaindex

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"

	"github.com/querymesh/querymesh/internal/catalog"
	"github.com/querymesh/querymesh/internal/embedding"
)

type memoryStore struct {
	rows       []catalog.RelationDescriptor
	inserts    int
	searchErr  error
	pruneErr   error
	lastLimit  int
	pruneCalls int
}

func (s *memoryStore) Exists(_ context.Context, desc catalog.RelationDescriptor) (bool, error) {
	for _, row := range s.rows {
		if sameRow(row, desc) {
			return true, nil
		}
	}
	return false, nil
}

func (s *memoryStore) Insert(_ context.Context, desc catalog.RelationDescriptor) (bool, error) {
	for _, row := range s.rows {
		if sameRow(row, desc) {
			return false, nil
		}
	}
	s.inserts++
	s.rows = append(s.rows, desc)
	return true, nil
}

func (s *memoryStore) Search(_ context.Context, database string, vec []float32, limit int) ([]catalog.ScoredRelation, error) {
	s.lastLimit = limit
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	var out []catalog.ScoredRelation
	for _, row := range s.rows {
		if row.Database != database {
			continue
		}
		out = append(out, catalog.ScoredRelation{RelationDescriptor: row, Similarity: embedding.Cosine(vec, row.Embedding)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) DeleteStale(_ context.Context, desc catalog.RelationDescriptor) (int64, error) {
	var kept []catalog.RelationDescriptor
	var removed int64
	for _, row := range s.rows {
		if row.Database == desc.Database && row.Schema == desc.Schema && row.Table == desc.Table && row.Hash != desc.Hash {
			removed++
			continue
		}
		kept = append(kept, row)
	}
	s.rows = kept
	return removed, nil
}

func (s *memoryStore) PruneMissing(_ context.Context, database string, live []catalog.Table) (int64, error) {
	s.pruneCalls++
	if s.pruneErr != nil {
		return 0, s.pruneErr
	}
	alive := map[string]bool{}
	for _, t := range live {
		alive[t.Schema+"."+t.Name] = true
	}
	var kept []catalog.RelationDescriptor
	var removed int64
	for _, row := range s.rows {
		if row.Database == database && !alive[row.Schema+"."+row.Table] {
			removed++
			continue
		}
		kept = append(kept, row)
	}
	s.rows = kept
	return removed, nil
}

func sameRow(a, b catalog.RelationDescriptor) bool {
	return a.Database == b.Database && a.Schema == b.Schema && a.Table == b.Table && a.Hash == b.Hash
}

func descriptor(table string, vec []float32) catalog.RelationDescriptor {
	return catalog.RelationDescriptor{
		Database:  "postgres",
		Schema:    "public",
		Table:     table,
		Text:      "Table: " + table,
		Hash:      catalog.ContentHash("Table: " + table),
		Embedding: vec,
	}
}

func TestUpsertTwiceStoresOneRow(t *testing.T) {
	store := &memoryStore{}
	index := New(store, Config{Database: "postgres"}, nil)
	desc := descriptor("listings", []float32{1, 0})

	first, err := index.Upsert(context.Background(), desc)
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	second, err := index.Upsert(context.Background(), desc)
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if !first || second {
		t.Fatalf("Upsert() inserted = %v, %v; want true, false", first, second)
	}
	if len(store.rows) != 1 || store.inserts != 1 {
		t.Fatalf("rows = %d, inserts = %d; want 1, 1", len(store.rows), store.inserts)
	}
}

func TestRetrieveAppliesRelevanceFloor(t *testing.T) {
	store := &memoryStore{rows: []catalog.RelationDescriptor{
		descriptor("listings", []float32{1, 0}),
		descriptor("brokers", []float32{0.8, 0.6}),
		descriptor("weather", []float32{0.1, 0.995}),
		descriptor("audit", []float32{0, 1}),
	}}
	index := New(store, Config{Database: "postgres", MinSimilarity: 0.10}, nil)

	got, err := index.Retrieve(context.Background(), []float32{1, 0}, 5)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Retrieve() len = %d, want 2 (floor excludes weak matches)", len(got))
	}
	if got[0].Table != "listings" || got[1].Table != "brokers" {
		t.Fatalf("Retrieve() order = %s, %s", got[0].Table, got[1].Table)
	}
	for _, rel := range got {
		if rel.Similarity <= 0.10 {
			t.Fatalf("Retrieve() returned %s with similarity %v", rel.Table, rel.Similarity)
		}
	}
}

func TestRetrieveCapsAtTopK(t *testing.T) {
	store := &memoryStore{rows: []catalog.RelationDescriptor{
		descriptor("a", []float32{1, 0}),
		descriptor("b", []float32{0.9, 0.1}),
		descriptor("c", []float32{0.8, 0.2}),
	}}
	index := New(store, Config{Database: "postgres", TopK: 2}, nil)

	got, err := index.Retrieve(context.Background(), []float32{1, 0}, 0)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(got) != 2 || store.lastLimit != 2 {
		t.Fatalf("Retrieve() len = %d, limit = %d", len(got), store.lastLimit)
	}
}

func TestRetrieveWrapsStoreError(t *testing.T) {
	boom := errors.New("boom")
	index := New(&memoryStore{searchErr: boom}, Config{Database: "postgres"}, nil)
	if _, err := index.Retrieve(context.Background(), []float32{1}, 5); !errors.Is(err, boom) {
		t.Fatalf("Retrieve() error = %v", err)
	}
}

type fakeSource struct {
	tables []catalog.Table
	err    error
}

func (f *fakeSource) Tables(context.Context, string) ([]catalog.Table, error) {
	return f.tables, f.err
}

type countingEmbedder struct {
	calls int
	fail  string
}

func (e *countingEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.calls++
	if e.fail != "" && strings.Contains(text, e.fail) {
		return nil, &embedding.Error{Provider: "fake", Err: errors.New("unavailable")}
	}
	return []float32{float32(len(text)), 1}, nil
}

func table(name string, cols ...string) catalog.Table {
	t := catalog.Table{Schema: "public", Name: name}
	for _, c := range cols {
		t.Columns = append(t.Columns, catalog.Column{Name: c, DataType: "text", Nullable: true})
	}
	return t
}

func TestIndexerSkipsUnchangedTables(t *testing.T) {
	store := &memoryStore{}
	source := &fakeSource{tables: []catalog.Table{table("listings", "id"), table("brokers", "name")}}
	embedder := &countingEmbedder{}
	indexer := NewIndexer(New(store, Config{Database: "postgres"}, nil), source, embedder, IndexerConfig{Database: "postgres"}, nil)

	first, err := indexer.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if first.Embedded != 2 || first.Unchanged != 0 {
		t.Fatalf("first run = %+v", first)
	}

	second, err := indexer.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if second.Embedded != 0 || second.Unchanged != 2 {
		t.Fatalf("second run = %+v", second)
	}
	if embedder.calls != 2 {
		t.Fatalf("embedder calls = %d, want 2", embedder.calls)
	}
	if len(store.rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(store.rows))
	}
}

func TestIndexerReplacesChangedAndPrunesDropped(t *testing.T) {
	store := &memoryStore{}
	source := &fakeSource{tables: []catalog.Table{table("listings", "id"), table("brokers", "name")}}
	indexer := NewIndexer(New(store, Config{Database: "postgres"}, nil), source, &countingEmbedder{}, IndexerConfig{Database: "postgres"}, nil)
	if _, err := indexer.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	source.tables = []catalog.Table{table("listings", "id", "price")}
	summary, err := indexer.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Embedded != 1 || summary.Stale != 1 || summary.Pruned != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if len(store.rows) != 1 || !strings.Contains(store.rows[0].Text, "price") {
		t.Fatalf("rows = %+v", store.rows)
	}
}

func TestIndexerContinuesPastFailedTable(t *testing.T) {
	store := &memoryStore{}
	source := &fakeSource{tables: []catalog.Table{table("listings", "id"), table("brokers", "name")}}
	embedder := &countingEmbedder{fail: "brokers"}
	indexer := NewIndexer(New(store, Config{Database: "postgres"}, nil), source, embedder, IndexerConfig{Database: "postgres"}, nil)

	summary, err := indexer.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v, single table failures belong in the summary", err)
	}
	if summary.Embedded != 1 || summary.Failed != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if len(summary.Errors) != 1 || !strings.Contains(summary.Errors[0], "public.brokers") {
		t.Fatalf("Errors = %v", summary.Errors)
	}
	if store.pruneCalls != 1 {
		t.Fatalf("prune calls = %d, want 1", store.pruneCalls)
	}
}

func TestIndexerFailsWhenMetadataUnavailable(t *testing.T) {
	indexer := NewIndexer(New(&memoryStore{}, Config{}, nil), &fakeSource{err: errors.New("down")}, &countingEmbedder{}, IndexerConfig{}, nil)
	if _, err := indexer.Run(context.Background()); err == nil {
		t.Fatal("expected metadata error")
	}
}

func TestIndexerFailsWhenPruneFails(t *testing.T) {
	store := &memoryStore{pruneErr: errors.New("connection reset")}
	source := &fakeSource{tables: []catalog.Table{table("listings", "id")}}
	indexer := NewIndexer(New(store, Config{Database: "postgres"}, nil), source, &countingEmbedder{}, IndexerConfig{Database: "postgres"}, nil)

	summary, err := indexer.Run(context.Background())
	if err == nil {
		t.Fatal("expected prune error")
	}
	if summary.Embedded != 1 {
		t.Fatalf("summary = %+v", summary)
	}
}
