package segment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/loqalabs/loqa-readaloud/internal/config"
)

// Workspace hands out scratch directories to pipeline runs. In shared mode
// there is a single directory and runs take turns on it; in isolated mode
// every run gets a fresh arena of its own.
type Workspace struct {
	root    string
	isolate bool
	turn    chan struct{}
	log     *slog.Logger
}

func NewWorkspace(cfg config.WorkspaceConfig, log *slog.Logger) *Workspace {
	return &Workspace{
		root:    cfg.Root,
		isolate: cfg.IsolateRuns,
		turn:    make(chan struct{}, 1),
		log:     log.With(slog.String("component", "workspace")),
	}
}

// Arena is the scratch directory owned by one run until Release.
type Arena struct {
	dir     string
	once    sync.Once
	release func() error
}

// Acquire returns an empty arena for runID. In shared mode it blocks until
// the previous run released the workspace or ctx is done.
func (w *Workspace) Acquire(ctx context.Context, runID string) (*Arena, error) {
	if runID == "" {
		return nil, errors.New("run id must not be empty")
	}
	if w.isolate {
		dir := filepath.Join(w.root, "runs", runID)
		if err := resetDir(dir); err != nil {
			return nil, err
		}
		return &Arena{dir: dir, release: func() error { return os.RemoveAll(dir) }}, nil
	}

	select {
	case w.turn <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := resetDir(w.root); err != nil {
		<-w.turn
		return nil, err
	}
	w.log.Debug("workspace cleared", slog.String("dir", w.root), slog.String("run_id", runID))
	return &Arena{dir: w.root, release: func() error {
		<-w.turn
		return nil
	}}, nil
}

func (a *Arena) Dir() string { return a.dir }

// Path joins name onto the arena directory.
func (a *Arena) Path(name string) string { return filepath.Join(a.dir, name) }

// Release gives the arena back. Calling it more than once is harmless.
func (a *Arena) Release() error {
	var err error
	a.once.Do(func() { err = a.release() })
	return err
}

// resetDir leaves dir existing and empty.
func resetDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create workspace %s: %w", dir, err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("list workspace %s: %w", dir, err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("clear workspace: %w", err)
		}
	}
	return nil
}
