// ABOUTME: Versioned JSON document file guarded by an advisory flock for cross-process access
// ABOUTME: Provides View (shared lock) and Update (exclusive load-modify-write with atomic rename)

package docstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

type envelope[T any] struct {
	Version int64 `json:"version"`
	Data    T     `json:"data"`
}

// File is one shared document of type T.
type File[T any] struct {
	path   string
	mu     sync.Mutex // serializes goroutines; flock serializes processes
	logger *slog.Logger
}

// New returns a handle for the document at path. Nothing is touched on disk
// until the first View or Update.
func New[T any](path string, logger *slog.Logger) *File[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &File[T]{
		path:   path,
		logger: logger.With("component", "docstore", "file", filepath.Base(path)),
	}
}

// Path returns the document's file path.
func (f *File[T]) Path() string {
	return f.path
}

// View returns the current document and its version. A missing file yields
// the zero T and version 0.
func (f *File[T]) View() (T, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var zero T
	unlock, err := f.lock(unix.LOCK_SH)
	if err != nil {
		return zero, 0, err
	}
	defer unlock()

	env, err := f.read()
	if err != nil {
		return zero, 0, err
	}
	return env.Data, env.Version, nil
}

// Update loads the document, passes it to fn, and writes back whatever fn
// leaves in place. Returning an error from fn aborts without writing. The
// new version is returned.
func (f *File[T]) Update(fn func(doc *T) error) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	unlock, err := f.lock(unix.LOCK_EX)
	if err != nil {
		return 0, err
	}
	defer unlock()

	env, err := f.read()
	if err != nil {
		return 0, err
	}
	if err := fn(&env.Data); err != nil {
		return env.Version, err
	}
	env.Version++
	if err := f.write(env); err != nil {
		return 0, err
	}
	return env.Version, nil
}

func (f *File[T]) lock(how int) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return nil, fmt.Errorf("creating document directory: %w", err)
	}
	lf, err := os.OpenFile(f.path+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	if err := unix.Flock(int(lf.Fd()), how); err != nil {
		_ = lf.Close()
		return nil, fmt.Errorf("acquiring lock: %w", err)
	}
	return func() {
		_ = unix.Flock(int(lf.Fd()), unix.LOCK_UN)
		_ = lf.Close()
	}, nil
}

func (f *File[T]) read() (envelope[T], error) {
	var env envelope[T]
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return env, nil
	}
	if err != nil {
		return env, fmt.Errorf("reading document: %w", err)
	}
	if err := json.Unmarshal(data, &env); err != nil {
		aside := f.path + ".corrupt-" + strconv.FormatInt(time.Now().Unix(), 10)
		f.logger.Warn("document unreadable, moving aside", "error", err, "moved_to", aside)
		if rerr := os.Rename(f.path, aside); rerr != nil {
			return envelope[T]{}, fmt.Errorf("quarantining corrupt document: %w", rerr)
		}
		return envelope[T]{}, nil
	}
	return env, nil
}

func (f *File[T]) write(env envelope[T]) error {
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling document: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("renaming document into place: %w", err)
	}
	return nil
}
