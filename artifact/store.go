// Package artifact keeps what a run produced: per-job collection
// directories on disk, a registry of what landed where, and an
// optional uploader pushing copies to long-term storage.
package artifact

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/dustin/go-humanize"
)

// Record is one registered artifact file.
type Record struct {
	RunID     string    `json:"run_id"`
	Job       string    `json:"job"`
	Name      string    `json:"name"` // artifact map key the file matched
	File      string    `json:"file"` // base name
	Rel       string    `json:"path"` // run-relative path, what Open takes
	Path      string    `json:"-"`
	Size      uint64    `json:"size"`
	MimeType  string    `json:"mime_type"`
	CreatedAt time.Time `json:"created_at"`

	// Degraded marks a file whose upload to long-term storage failed.
	// The local copy under the store is intact.
	Degraded bool `json:"degraded,omitempty"`
}

// Uploader pushes registered artifacts to long-term storage. Nil is
// fine; artifacts then live only under the store's base directory.
type Uploader interface {
	Upload(ctx context.Context, rec Record, r io.Reader) error
}

type Store struct {
	baseDir  string
	uploader Uploader
	logger   *slog.Logger

	mu      sync.Mutex
	records map[string][]Record // run id -> records
}

type StoreOpt func(*Store)

func WithUploader(u Uploader) StoreOpt {
	return func(s *Store) {
		s.uploader = u
	}
}

func NewStore(baseDir string, logger *slog.Logger, opts ...StoreOpt) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("creating artifact dir: %w", err)
	}

	s := &Store{
		baseDir: baseDir,
		logger:  logger,
		records: make(map[string][]Record),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Dir returns the store's base directory.
func (s *Store) Dir() string { return s.baseDir }

// Dest returns the collection directory for one job, creating it.
// Runtimes write whatever they collected under it, one subdirectory
// per artifact name.
func (s *Store) Dest(runID, job string) (string, error) {
	dir, err := securejoin.SecureJoin(s.baseDir, filepath.Join(runID, job))
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating collection dir: %w", err)
	}
	return dir, nil
}

// Register records one collected file and hands it to the uploader
// when one is configured. An upload failure never loses the record:
// the local copy stays listed, marked degraded.
func (s *Store) Register(ctx context.Context, runID, job, name, path string) (Record, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Record{}, fmt.Errorf("stat artifact: %w", err)
	}

	rel, err := filepath.Rel(s.baseDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return Record{}, fmt.Errorf("artifact %s is outside the store", path)
	}
	rel = filepath.ToSlash(rel)
	// drop the run component, records address files within their run
	if _, rest, ok := strings.Cut(rel, "/"); ok {
		rel = rest
	}

	rec := Record{
		RunID:     runID,
		Job:       job,
		Name:      name,
		File:      filepath.Base(path),
		Rel:       rel,
		Path:      path,
		Size:      uint64(info.Size()),
		MimeType:  mimeTypeOf(path),
		CreatedAt: time.Now(),
	}

	if s.uploader != nil {
		if err := s.upload(ctx, rec); err != nil {
			s.logger.Warn("artifact upload failed",
				"run", runID,
				"job", job,
				"name", name,
				"err", err,
			)
			rec.Degraded = true
		}
	}

	s.mu.Lock()
	s.records[runID] = append(s.records[runID], rec)
	s.mu.Unlock()

	s.logger.Info("registered artifact",
		"run", runID,
		"job", job,
		"name", name,
		"file", rec.File,
		"size", humanize.Bytes(rec.Size),
	)
	return rec, nil
}

func (s *Store) upload(ctx context.Context, rec Record) error {
	f, err := os.Open(rec.Path)
	if err != nil {
		return err
	}
	defer f.Close()
	return s.uploader.Upload(ctx, rec, f)
}

// List returns every record of one run, ordered by job, name, file.
func (s *Store) List(runID string) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, len(s.records[runID]))
	copy(out, s.records[runID])
	sort.Slice(out, func(i, j int) bool {
		if out[i].Job != out[j].Job {
			return out[i].Job < out[j].Job
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].File < out[j].File
	})
	return out
}

// Open serves one artifact file back by its run-relative path, as
// listed on the record. Both components come straight from a request
// path; SecureJoin keeps them inside the base directory no matter
// what they contain.
func (s *Store) Open(runID, rel string) (*os.File, error) {
	path, err := securejoin.SecureJoin(s.baseDir, filepath.Join(runID, rel))
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}

func mimeTypeOf(path string) string {
	mt := mime.TypeByExtension(filepath.Ext(path))
	if mt == "" {
		mt = "application/octet-stream"
	}
	return mt
}
