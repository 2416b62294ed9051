// Package ingest walks a content directory and feeds changed documents into
// the knowledge store.
//
// Change detection hashes each source file; unchanged files are skipped
// without any embedding call, so repeated runs over an unchanged corpus are
// free. A file lock prevents overlapping runs from interleaving writes.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/nikhilsnayak/sage/internal/chunk"
	"github.com/nikhilsnayak/sage/internal/knowledge"
)

// ErrAlreadyRunning indicates another ingestion run holds the lock.
var ErrAlreadyRunning = errors.New("ingestion already running")

// Store is the knowledge store surface the pipeline needs.
type Store interface {
	AddBatch(ctx context.Context, docs []knowledge.Document) error
	Sources(ctx context.Context) (map[string]string, error)
	DeleteSource(ctx context.Context, sourceKey string) (int64, error)
	DeleteAll(ctx context.Context) (int64, error)
}

// Result summarizes one ingestion run.
type Result struct {
	Indexed int // files embedded and stored
	Skipped int // files unchanged since the last run
	Removed int // stale sources deleted
	Failed  int // files that errored; processing continued
	Chunks  int // chunks written
}

// indexableExtensions are the file types the pipeline picks up.
var indexableExtensions = map[string]bool{
	".md":       true,
	".mdx":      true,
	".markdown": true,
	".txt":      true,
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLockPath overrides the run lock location. Tests point this at a
// temp directory.
func WithLockPath(path string) Option {
	return func(p *Pipeline) {
		p.lockPath = path
	}
}

// Pipeline ingests a content directory into the knowledge store.
type Pipeline struct {
	store    Store
	splitter *chunk.Splitter
	logger   *slog.Logger
	lockPath string
}

// New creates a Pipeline. A nil logger falls back to slog.Default().
func New(store Store, splitter *chunk.Splitter, logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		store:    store,
		splitter: splitter,
		logger:   logger,
		lockPath: defaultLockPath(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func defaultLockPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "sage-ingest.lock")
	}
	return filepath.Join(home, ".sage", "ingest.lock")
}

// Run ingests dir. With rebuild set, the store is emptied first and every
// file is re-embedded; otherwise only new, changed, and removed sources are
// touched. Individual file failures are counted and logged, not fatal.
func (p *Pipeline) Run(ctx context.Context, dir string, rebuild bool) (*Result, error) {
	unlock, err := p.acquireLock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if rebuild {
		n, err := p.store.DeleteAll(ctx)
		if err != nil {
			return nil, fmt.Errorf("clearing store for rebuild: %w", err)
		}
		p.logger.Info("cleared store for rebuild", "chunks_removed", n)
	}

	existing := map[string]string{}
	if !rebuild {
		existing, err = p.store.Sources(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing stored sources: %w", err)
		}
	}

	result := &Result{}
	seen := make(map[string]bool)

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if !indexableExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}

		sourceKey, err := filepath.Rel(dir, path)
		if err != nil {
			return fmt.Errorf("relativizing %q: %w", path, err)
		}
		sourceKey = filepath.ToSlash(sourceKey)
		seen[sourceKey] = true

		if err := p.ingestFile(ctx, path, sourceKey, existing, result); err != nil {
			result.Failed++
			p.logger.Warn("failed to ingest file", "source", sourceKey, "error", err)
		}
		return nil
	})
	if walkErr != nil {
		return result, fmt.Errorf("walking %q: %w", dir, walkErr)
	}

	// Sources present in the store but gone from disk are stale.
	for sourceKey := range existing {
		if seen[sourceKey] {
			continue
		}
		if _, err := p.store.DeleteSource(ctx, sourceKey); err != nil {
			result.Failed++
			p.logger.Warn("failed to remove stale source", "source", sourceKey, "error", err)
			continue
		}
		result.Removed++
		p.logger.Info("removed stale source", "source", sourceKey)
	}

	p.logger.Info("ingestion complete",
		"indexed", result.Indexed,
		"skipped", result.Skipped,
		"removed", result.Removed,
		"failed", result.Failed,
		"chunks", result.Chunks)

	return result, nil
}

// ingestFile processes one source file.
func (p *Pipeline) ingestFile(ctx context.Context, path, sourceKey string, existing map[string]string, result *Result) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	contentHash := hashContent(data)
	if existing[sourceKey] == contentHash {
		result.Skipped++
		p.logger.Debug("source unchanged", "source", sourceKey)
		return nil
	}

	// Changed content: drop old chunks before writing the new set, so a
	// shrinking file leaves no orphans behind.
	if _, ok := existing[sourceKey]; ok {
		if _, err := p.store.DeleteSource(ctx, sourceKey); err != nil {
			return fmt.Errorf("removing outdated chunks: %w", err)
		}
	}

	kind := chunk.KindForPath(path)
	chunks := p.splitter.Split(string(data), kind)
	if len(chunks) == 0 {
		result.Skipped++
		p.logger.Debug("source produced no chunks", "source", sourceKey)
		return nil
	}

	now := time.Now()
	docs := make([]knowledge.Document, len(chunks))
	for i, c := range chunks {
		docs[i] = knowledge.Document{
			ID:          chunkID(sourceKey, contentHash, i),
			SourceKey:   sourceKey,
			Content:     c,
			ContentHash: contentHash,
			Metadata: map[string]string{
				"source":       sourceKey,
				"content_type": string(kind),
			},
			CreatedAt: now,
		}
	}

	if err := p.store.AddBatch(ctx, docs); err != nil {
		// A partial batch already carries the new content hash, so leaving
		// it behind would make the next run skip the source as unchanged.
		// Drop whatever landed; the next run then re-ingests from scratch.
		if _, cleanupErr := p.store.DeleteSource(ctx, sourceKey); cleanupErr != nil {
			p.logger.Error("failed to remove partial chunks, source may be skipped until content changes",
				"source", sourceKey, "error", cleanupErr)
		}
		return fmt.Errorf("storing chunks: %w", err)
	}

	result.Indexed++
	result.Chunks += len(chunks)
	p.logger.Info("ingested source", "source", sourceKey, "chunks", len(chunks))
	return nil
}

// acquireLock takes the run lock, failing fast when another run holds it.
func (p *Pipeline) acquireLock(_ context.Context) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(p.lockPath), 0o750); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	lock := flock.New(p.lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring ingestion lock: %w", err)
	}
	if !locked {
		return nil, ErrAlreadyRunning
	}
	return func() {
		if err := lock.Unlock(); err != nil {
			p.logger.Warn("failed to release ingestion lock", "error", err)
		}
	}, nil
}

// hashContent returns the hex SHA-256 of the raw file content.
func hashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// chunkID derives a stable document ID from source identity and chunk
// position. Re-ingesting identical content yields identical IDs.
func chunkID(sourceKey, contentHash string, index int) string {
	sum := sha256.Sum256([]byte(sourceKey + "\x00" + contentHash + "\x00" + strconv.Itoa(index)))
	return "chunk_" + hex.EncodeToString(sum[:])[:32]
}
