package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fyrsmithlabs/dispatchd/internal/job"
	"go.uber.org/zap"
)

// record is one line of the durable file. Lines are self-describing so
// jobs and supervisor run state share one file; the last record for a
// given id wins on reload.
type record struct {
	Kind string          `json:"kind"` // "job" or "run"
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data"`
}

// FileStore is a MemoryStore whose state survives restarts as
// newline-delimited JSON. Every mutation rewrites the whole file through
// a temp-file-and-rename so a crash never leaves a partial file.
//
// Whole-file rewrite is a deliberate scalability ceiling: fine at modest
// job volumes, to be replaced by an append-only log if volumes grow.
type FileStore struct {
	*MemoryStore
	path   string
	logger *zap.Logger
}

// NewFileStore opens or creates the store file at path.
func NewFileStore(path string, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	fs := &FileStore{
		MemoryStore: NewMemoryStore(logger),
		path:        path,
		logger:      logger,
	}

	if err := fs.load(); err != nil {
		return nil, err
	}

	// Persist synchronously after every mutation. Called with the
	// memory store's lock held, so it reads the maps directly.
	fs.MemoryStore.onMutate = func() {
		if err := fs.saveLocked(); err != nil {
			fs.logger.Error("failed to persist store", zap.Error(err))
		}
	}

	return fs, nil
}

// load replays the file into memory. Malformed lines are skipped with a
// warning rather than treated as fatal corruption.
func (fs *FileStore) load() error {
	f, err := os.Open(fs.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open store file: %w", err)
	}
	defer f.Close()

	loaded, skipped := 0, 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			fs.logger.Warn("skipping malformed store record", zap.Error(err))
			skipped++
			continue
		}

		switch rec.Kind {
		case "job":
			var j job.Job
			if err := json.Unmarshal(rec.Data, &j); err != nil || j.ID == "" {
				fs.logger.Warn("skipping malformed job record", zap.Error(err))
				skipped++
				continue
			}
			fs.jobs[j.ID] = &j
			loaded++
		case "run":
			if rec.ID == "" {
				skipped++
				continue
			}
			fs.runs[rec.ID] = append([]byte(nil), rec.Data...)
			loaded++
		default:
			fs.logger.Warn("skipping record of unknown kind", zap.String("kind", rec.Kind))
			skipped++
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read store file: %w", err)
	}

	// Rebuild the active-key index from live jobs.
	for id, j := range fs.jobs {
		if !j.Status.Terminal() {
			fs.activeKeys[j.Key] = id
		}
	}

	fs.logger.Info("store loaded",
		zap.String("path", fs.path),
		zap.Int("records", loaded),
		zap.Int("skipped", skipped),
	)
	return nil
}

// saveLocked writes the full state. Caller holds the memory store lock.
func (fs *FileStore) saveLocked() error {
	tmp, err := os.CreateTemp(filepath.Dir(fs.path), ".dispatchd-store-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, j := range fs.jobs {
		data, err := json.Marshal(j)
		if err != nil {
			tmp.Close()
			return fmt.Errorf("failed to marshal job %s: %w", j.ID, err)
		}
		if err := enc.Encode(record{Kind: "job", ID: j.ID, Data: data}); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to write job record: %w", err)
		}
	}
	for runID, state := range fs.runs {
		if err := enc.Encode(record{Kind: "run", ID: runID, Data: state}); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to write run record: %w", err)
		}
	}

	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to flush store file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close store file: %w", err)
	}

	if err := os.Rename(tmp.Name(), fs.path); err != nil {
		return fmt.Errorf("failed to replace store file: %w", err)
	}
	return nil
}

// StartAutoSave periodically flushes state until ctx is canceled. It is
// a safety net behind save-on-mutation; interval <= 0 disables it.
func (fs *FileStore) StartAutoSave(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fs.flush()
			}
		}
	}()
}

func (fs *FileStore) flush() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.saveLocked(); err != nil {
		fs.logger.Error("autosave failed", zap.Error(err))
	}
}

// Close flushes state. The autosave loop, if running, exits with its
// context.
func (fs *FileStore) Close() error {
	fs.flush()
	return nil
}
