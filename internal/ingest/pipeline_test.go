package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gofrs/flock"

	"github.com/nikhilsnayak/sage/internal/chunk"
	"github.com/nikhilsnayak/sage/internal/knowledge"
	"github.com/nikhilsnayak/sage/internal/log"
)

// ============================================================================
// Fake store
// ============================================================================

type fakeStore struct {
	docs map[string]knowledge.Document // by ID

	addBatchCalls int
	failSources   map[string]bool // sources whose AddBatch fails
	deleteAllHits int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		docs:        make(map[string]knowledge.Document),
		failSources: make(map[string]bool),
	}
}

func (f *fakeStore) AddBatch(_ context.Context, docs []knowledge.Document) error {
	f.addBatchCalls++
	if len(docs) > 0 && f.failSources[docs[0].SourceKey] {
		return errors.New("embedding provider unavailable")
	}
	for _, d := range docs {
		f.docs[d.ID] = d
	}
	return nil
}

func (f *fakeStore) Sources(context.Context) (map[string]string, error) {
	out := make(map[string]string)
	for _, d := range f.docs {
		out[d.SourceKey] = d.ContentHash
	}
	return out, nil
}

func (f *fakeStore) DeleteSource(_ context.Context, sourceKey string) (int64, error) {
	var n int64
	for id, d := range f.docs {
		if d.SourceKey == sourceKey {
			delete(f.docs, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) DeleteAll(context.Context) (int64, error) {
	f.deleteAllHits++
	n := int64(len(f.docs))
	f.docs = make(map[string]knowledge.Document)
	return n, nil
}

// partialStore persists a prefix of one source's batch before failing,
// once, then behaves normally. Models an embedding provider dying
// mid-batch.
type partialStore struct {
	*fakeStore
	failSource string
	keep       int
	tripped    bool
}

func (p *partialStore) AddBatch(ctx context.Context, docs []knowledge.Document) error {
	if !p.tripped && len(docs) > 0 && docs[0].SourceKey == p.failSource {
		p.tripped = true
		for _, d := range docs[:min(p.keep, len(docs))] {
			p.fakeStore.docs[d.ID] = d
		}
		return errors.New("embedding provider dropped mid-batch")
	}
	return p.fakeStore.AddBatch(ctx, docs)
}

func (f *fakeStore) sourceKeys() map[string]bool {
	out := make(map[string]bool)
	for _, d := range f.docs {
		out[d.SourceKey] = true
	}
	return out
}

// ============================================================================
// Helpers
// ============================================================================

func newTestPipeline(t *testing.T, store Store) *Pipeline {
	t.Helper()
	return New(store, chunk.NewSplitter(chunk.DefaultMaxSize), log.NewNop(),
		WithLockPath(filepath.Join(t.TempDir(), "ingest.lock")))
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

// ============================================================================
// Tests
// ============================================================================

func TestRunIndexesNewFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "about.md", "# About\n\nNikhil works at CodeCraft Technologies.")
	writeFile(t, dir, "posts/go.md", "# Go\n\nNotes about Go.")
	writeFile(t, dir, "ignored.png", "binary")

	store := newFakeStore()
	p := newTestPipeline(t, store)

	result, err := p.Run(context.Background(), dir, false)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if result.Indexed != 2 {
		t.Errorf("indexed = %d, want 2", result.Indexed)
	}
	if result.Chunks == 0 {
		t.Error("expected chunks written")
	}
	keys := store.sourceKeys()
	if !keys["about.md"] || !keys["posts/go.md"] {
		t.Errorf("stored sources = %v", keys)
	}
	if keys["ignored.png"] {
		t.Error("non-text file must not be ingested")
	}
}

func TestRunIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "about.md", "# About\n\nSome content.")

	store := newFakeStore()
	p := newTestPipeline(t, store)

	if _, err := p.Run(context.Background(), dir, false); err != nil {
		t.Fatalf("first Run() error: %v", err)
	}
	callsAfterFirst := store.addBatchCalls

	result, err := p.Run(context.Background(), dir, false)
	if err != nil {
		t.Fatalf("second Run() error: %v", err)
	}

	if store.addBatchCalls != callsAfterFirst {
		t.Errorf("unchanged corpus triggered %d extra embedding batches",
			store.addBatchCalls-callsAfterFirst)
	}
	if result.Skipped != 1 || result.Indexed != 0 {
		t.Errorf("result = %+v, want 1 skipped, 0 indexed", result)
	}
}

func TestRunReindexesChangedFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "about.md", "Original content.")

	store := newFakeStore()
	p := newTestPipeline(t, store)

	if _, err := p.Run(context.Background(), dir, false); err != nil {
		t.Fatal(err)
	}
	var oldIDs []string
	for id := range store.docs {
		oldIDs = append(oldIDs, id)
	}

	writeFile(t, dir, "about.md", "Updated content with more words.")
	result, err := p.Run(context.Background(), dir, false)
	if err != nil {
		t.Fatal(err)
	}

	if result.Indexed != 1 {
		t.Errorf("indexed = %d, want 1", result.Indexed)
	}
	for _, id := range oldIDs {
		if _, ok := store.docs[id]; ok {
			t.Errorf("stale chunk %q survived re-ingestion", id)
		}
	}
	for _, d := range store.docs {
		if !strings.Contains(d.Content, "Updated content") {
			t.Errorf("chunk content = %q", d.Content)
		}
	}
}

func TestRunRemovesStaleSources(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "keep.md", "Keep this.")
	writeFile(t, dir, "drop.md", "Drop this.")

	store := newFakeStore()
	p := newTestPipeline(t, store)

	if _, err := p.Run(context.Background(), dir, false); err != nil {
		t.Fatal(err)
	}

	if err := os.Remove(filepath.Join(dir, "drop.md")); err != nil {
		t.Fatal(err)
	}
	result, err := p.Run(context.Background(), dir, false)
	if err != nil {
		t.Fatal(err)
	}

	if result.Removed != 1 {
		t.Errorf("removed = %d, want 1", result.Removed)
	}
	keys := store.sourceKeys()
	if keys["drop.md"] {
		t.Error("stale source still present")
	}
	if !keys["keep.md"] {
		t.Error("surviving source was removed")
	}
}

func TestRunRebuild(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "about.md", "Content.")

	store := newFakeStore()
	p := newTestPipeline(t, store)

	if _, err := p.Run(context.Background(), dir, false); err != nil {
		t.Fatal(err)
	}
	result, err := p.Run(context.Background(), dir, true)
	if err != nil {
		t.Fatal(err)
	}

	if store.deleteAllHits != 1 {
		t.Errorf("DeleteAll hits = %d, want 1", store.deleteAllHits)
	}
	// Rebuild re-embeds everything, unchanged or not.
	if result.Indexed != 1 || result.Skipped != 0 {
		t.Errorf("result = %+v, want 1 indexed, 0 skipped", result)
	}
}

func TestRunPartialBatchRepairedOnRerun(t *testing.T) {
	dir := t.TempDir()
	// Two sections so the file splits into at least two chunks.
	writeFile(t, dir, "about.md",
		"# Work\n\n"+strings.Repeat("builds Go services ", 20)+
			"\n\n# Writing\n\n"+strings.Repeat("writes about Go ", 20))

	store := &partialStore{fakeStore: newFakeStore(), failSource: "about.md", keep: 1}
	p := newTestPipeline(t, store)

	first, err := p.Run(context.Background(), dir, false)
	if err != nil {
		t.Fatalf("Run() must not fail on per-file errors: %v", err)
	}
	if first.Failed != 1 || first.Indexed != 0 {
		t.Fatalf("first run: failed = %d, indexed = %d, want 1/0", first.Failed, first.Indexed)
	}
	// Chunks written before the failure already carry the new content
	// hash; if they survive, the next run sees the source as unchanged
	// and the corpus stays incomplete forever.
	if got := len(store.docs); got != 0 {
		t.Fatalf("%d partial chunks left after failed batch, want 0", got)
	}

	second, err := p.Run(context.Background(), dir, false)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Indexed != 1 {
		t.Errorf("second run indexed = %d, want 1 (re-ingest after failure)", second.Indexed)
	}
	if second.Skipped != 0 {
		t.Errorf("second run skipped = %d, want 0", second.Skipped)
	}
	if second.Chunks < 2 {
		t.Errorf("second run wrote %d chunks, want the full set", second.Chunks)
	}
	if !store.sourceKeys()["about.md"] {
		t.Error("source missing after repair run")
	}
}

func TestRunFailureIsolation(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bad.md", "This one fails.")
	writeFile(t, dir, "good.md", "This one succeeds.")

	store := newFakeStore()
	store.failSources["bad.md"] = true
	p := newTestPipeline(t, store)

	result, err := p.Run(context.Background(), dir, false)
	if err != nil {
		t.Fatalf("Run() must not fail on per-file errors: %v", err)
	}

	if result.Failed != 1 {
		t.Errorf("failed = %d, want 1", result.Failed)
	}
	if result.Indexed != 1 {
		t.Errorf("indexed = %d, want 1", result.Indexed)
	}
	if !store.sourceKeys()["good.md"] {
		t.Error("healthy file must still be ingested")
	}
}

func TestRunLockContention(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "about.md", "Content.")

	lockPath := filepath.Join(t.TempDir(), "ingest.lock")
	held := flock.New(lockPath)
	locked, err := held.TryLock()
	if err != nil || !locked {
		t.Fatalf("could not pre-acquire lock: locked=%v err=%v", locked, err)
	}
	defer func() {
		if err := held.Unlock(); err != nil {
			t.Errorf("unlock: %v", err)
		}
	}()

	p := New(newFakeStore(), chunk.NewSplitter(chunk.DefaultMaxSize), log.NewNop(),
		WithLockPath(lockPath))

	if _, err := p.Run(context.Background(), dir, false); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("Run() = %v, want ErrAlreadyRunning", err)
	}
}

func TestRunStableChunkIDs(t *testing.T) {
	id1 := chunkID("about.md", "hash1", 0)
	id2 := chunkID("about.md", "hash1", 0)
	id3 := chunkID("about.md", "hash1", 1)
	id4 := chunkID("about.md", "hash2", 0)

	if id1 != id2 {
		t.Error("identical inputs must produce identical IDs")
	}
	if id1 == id3 {
		t.Error("different chunk indexes must differ")
	}
	if id1 == id4 {
		t.Error("different content hashes must differ")
	}
	if !strings.HasPrefix(id1, "chunk_") {
		t.Errorf("id = %q", id1)
	}
}
