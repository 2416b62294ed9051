package retrieval

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nikhilsnayak/sage/internal/knowledge"
	"github.com/nikhilsnayak/sage/internal/log"
)

type fakeSearcher struct {
	results []knowledge.Result
	err     error
	queries []string
	opts    [][]knowledge.SearchOption
}

func (f *fakeSearcher) Search(_ context.Context, query string, opts ...knowledge.SearchOption) ([]knowledge.Result, error) {
	f.queries = append(f.queries, query)
	f.opts = append(f.opts, opts)
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

func TestRetrieveBlankQuery(t *testing.T) {
	searcher := &fakeSearcher{}
	r := New(searcher, Config{}, log.NewNop())

	results, err := r.Retrieve(context.Background(), "   \n ")
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}
	if results != nil {
		t.Errorf("blank query should yield nil results, got %v", results)
	}
	if len(searcher.queries) != 0 {
		t.Error("blank query must not hit the store")
	}
}

func TestRetrieveEmptyStore(t *testing.T) {
	r := New(&fakeSearcher{}, Config{}, log.NewNop())

	results, err := r.Retrieve(context.Background(), "where does nikhil work")
	if err != nil {
		t.Fatalf("empty result must not be an error: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("results = %v", results)
	}
}

func TestRetrievePassesQuery(t *testing.T) {
	searcher := &fakeSearcher{
		results: []knowledge.Result{
			{Document: knowledge.Document{Content: "Nikhil works at CodeCraft Technologies."}, Similarity: 0.9},
		},
	}
	r := New(searcher, Config{Limit: 5, MinSimilarity: 0.7}, log.NewNop())

	results, err := r.Retrieve(context.Background(), "  where does nikhil work  ")
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if searcher.queries[0] != "where does nikhil work" {
		t.Errorf("query not trimmed: %q", searcher.queries[0])
	}
	if len(searcher.opts[0]) != 2 {
		t.Errorf("expected limit and threshold options, got %d", len(searcher.opts[0]))
	}
}

func TestRetrieveSearchError(t *testing.T) {
	r := New(&fakeSearcher{err: errors.New("db down")}, Config{}, log.NewNop())

	if _, err := r.Retrieve(context.Background(), "query"); err == nil {
		t.Fatal("expected error from failing searcher")
	}
}

func TestNewClampsConfig(t *testing.T) {
	r := New(&fakeSearcher{}, Config{Limit: -1, MinSimilarity: 3}, log.NewNop())

	if r.cfg.Limit != knowledge.DefaultSearchLimit {
		t.Errorf("limit = %d", r.cfg.Limit)
	}
	if r.cfg.MinSimilarity != knowledge.DefaultMinSimilarity {
		t.Errorf("min similarity = %v", r.cfg.MinSimilarity)
	}
}

func TestFormatContext(t *testing.T) {
	results := []knowledge.Result{
		{Document: knowledge.Document{SourceKey: "about.md", Content: "Works at CodeCraft."}, Similarity: 0.9},
		{Document: knowledge.Document{SourceKey: "posts/go.md", Content: "Writes Go."}, Similarity: 0.7},
	}

	got := FormatContext(results)

	if !strings.Contains(got, "[1] (source: about.md)") {
		t.Errorf("missing first entry: %q", got)
	}
	if !strings.Contains(got, "Writes Go.") {
		t.Errorf("missing second entry content: %q", got)
	}
	if FormatContext(nil) != "" {
		t.Error("empty results must format to empty string")
	}
}
