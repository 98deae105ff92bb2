package segment

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-readaloud/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestFileNameSortsByIndex(t *testing.T) {
	if FileName(2, "mp3") >= FileName(10, "mp3") {
		t.Fatalf("expected %s < %s", FileName(2, "mp3"), FileName(10, "mp3"))
	}
	if got := FileName(7, "mp3"); got != "000007.mp3" {
		t.Fatalf("unexpected name %s", got)
	}
}

func TestStageWritesAndOverwrites(t *testing.T) {
	ws := NewWorkspace(config.WorkspaceConfig{Root: t.TempDir()}, newLogger())
	arena, err := ws.Acquire(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer arena.Release()

	store := NewStore(arena)
	ref, err := store.Stage(context.Background(), Audio{Index: 4, Data: []byte("first"), Format: "mp3"})
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if ref.Index != 4 || ref.Size != 5 || filepath.Base(ref.Path) != "000004.mp3" {
		t.Fatalf("unexpected ref: %+v", ref)
	}
	if _, err := store.Stage(context.Background(), Audio{Index: 4, Data: []byte("second"), Format: "mp3"}); err != nil {
		t.Fatalf("restage: %v", err)
	}
	data, err := os.ReadFile(ref.Path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "second" {
		t.Fatalf("expected overwrite, got %q", data)
	}
	entries, _ := os.ReadDir(arena.Dir())
	if len(entries) != 1 {
		t.Fatalf("expected a single staged file, got %d", len(entries))
	}
}

func TestStageFailsWhenArenaMissing(t *testing.T) {
	root := t.TempDir()
	ws := NewWorkspace(config.WorkspaceConfig{Root: root, IsolateRuns: true}, newLogger())
	arena, err := ws.Acquire(context.Background(), "run-gone")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	store := NewStore(arena)
	if err := arena.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := store.Stage(context.Background(), Audio{Index: 0, Data: []byte("x"), Format: "mp3"}); err == nil {
		t.Fatal("expected write failure")
	}
}

func TestSharedWorkspaceClearedOnAcquire(t *testing.T) {
	root := t.TempDir()
	leftover := filepath.Join(root, "000000.mp3")
	if err := os.WriteFile(leftover, []byte("stale"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(root, "nested"), 0o755); err != nil {
		t.Fatalf("seed dir: %v", err)
	}

	ws := NewWorkspace(config.WorkspaceConfig{Root: root}, newLogger())
	arena, err := ws.Acquire(context.Background(), "run-2")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer arena.Release()

	entries, err := os.ReadDir(arena.Dir())
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty workspace, found %d entries", len(entries))
	}
}

func TestSharedWorkspaceSerializesRuns(t *testing.T) {
	ws := NewWorkspace(config.WorkspaceConfig{Root: t.TempDir()}, newLogger())
	first, err := ws.Acquire(context.Background(), "a")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := ws.Acquire(ctx, "b"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected second acquire to wait, got %v", err)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	_ = first.Release()
	second, err := ws.Acquire(context.Background(), "b")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	second.Release()
}

func TestIsolatedArenasDoNotShareFiles(t *testing.T) {
	root := t.TempDir()
	ws := NewWorkspace(config.WorkspaceConfig{Root: root, IsolateRuns: true}, newLogger())
	a, err := ws.Acquire(context.Background(), "run-a")
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	b, err := ws.Acquire(context.Background(), "run-b")
	if err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	if a.Dir() == b.Dir() {
		t.Fatal("expected distinct arenas")
	}
	if _, err := NewStore(a).Stage(context.Background(), Audio{Index: 0, Data: []byte("a"), Format: "mp3"}); err != nil {
		t.Fatalf("stage a: %v", err)
	}
	entries, _ := os.ReadDir(b.Dir())
	if len(entries) != 0 {
		t.Fatal("run b sees run a's segments")
	}
	if err := a.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(a.Dir()); !os.IsNotExist(err) {
		t.Fatalf("expected arena removed, stat err=%v", err)
	}
	b.Release()
}

func TestOrdered(t *testing.T) {
	refs := []Ref{{Index: 2}, {Index: 0}, {Index: 1}}
	if err := Ordered(refs); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder, got %v", err)
	}
	if err := Ordered(Sorted(refs)); err != nil {
		t.Fatalf("sorted refs rejected: %v", err)
	}
	if err := Ordered([]Ref{{Index: 0}, {Index: 2}}); err == nil {
		t.Fatal("expected gap to be rejected")
	}
	if err := Ordered([]Ref{{Index: 0}, {Index: 0}}); err == nil {
		t.Fatal("expected duplicate to be rejected")
	}
}
