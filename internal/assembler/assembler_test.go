package assembler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-readaloud/internal/config"
	"github.com/loqalabs/loqa-readaloud/internal/segment"
)

func stage(t *testing.T, dir string, parts ...string) []segment.Ref {
	t.Helper()
	refs := make([]segment.Ref, 0, len(parts))
	for i, p := range parts {
		path := filepath.Join(dir, segment.FileName(i, "mp3"))
		if err := os.WriteFile(path, []byte(p), 0o644); err != nil {
			t.Fatalf("write segment: %v", err)
		}
		refs = append(refs, segment.Ref{Index: i, Path: path, Size: int64(len(p)), Format: "mp3", ContentType: "audio/mpeg"})
	}
	return refs
}

func TestConcatJoinsInIndexOrder(t *testing.T) {
	dir := t.TempDir()
	refs := stage(t, dir, "aa", "bb", "cc")
	dst := filepath.Join(dir, "article.mp3")

	out, err := Concat{}.Assemble(context.Background(), refs, dst)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	data, err := os.ReadFile(out.Path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "aabbcc" || out.Size != 6 || out.Segments != 3 {
		t.Fatalf("unexpected output %q %+v", data, out)
	}
	if out.ContentType != "audio/mpeg" {
		t.Fatalf("unexpected content type %s", out.ContentType)
	}
}

func TestSingleSegmentIsReturnedUnchanged(t *testing.T) {
	dir := t.TempDir()
	refs := stage(t, dir, "only")
	dst := filepath.Join(dir, "article.mp3")

	ff, err := NewFFmpeg("ffmpeg")
	if err != nil {
		t.Fatalf("new ffmpeg: %v", err)
	}
	ff.run = func(context.Context, string, ...string) error {
		t.Fatal("ffmpeg must not run for a single segment")
		return nil
	}
	for _, a := range []Assembler{Concat{}, ff} {
		out, err := a.Assemble(context.Background(), refs, dst)
		if err != nil {
			t.Fatalf("assemble: %v", err)
		}
		if out.Path != refs[0].Path || out.Segments != 1 {
			t.Fatalf("expected segment path back, got %+v", out)
		}
		if _, err := os.Stat(dst); !os.IsNotExist(err) {
			t.Fatal("single segment must not be copied")
		}
	}
}

func TestAssembleRejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "article.mp3")

	if _, err := (Concat{}).Assemble(context.Background(), nil, dst); !errors.Is(err, ErrNoSegments) {
		t.Fatalf("expected ErrNoSegments, got %v", err)
	}

	refs := stage(t, dir, "a", "b")
	swapped := []segment.Ref{refs[1], refs[0]}
	if _, err := (Concat{}).Assemble(context.Background(), swapped, dst); !errors.Is(err, segment.ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder, got %v", err)
	}

	empty := stage(t, t.TempDir(), "", "")
	if _, err := (Concat{}).Assemble(context.Background(), empty, dst); !errors.Is(err, ErrEmptyOutput) {
		t.Fatalf("expected ErrEmptyOutput, got %v", err)
	}

	missing := stage(t, t.TempDir(), "a", "b")
	os.Remove(missing[1].Path)
	if _, err := (Concat{}).Assemble(context.Background(), missing, dst); err == nil || !strings.Contains(err.Error(), "unreadable") {
		t.Fatalf("expected unreadable error, got %v", err)
	}
}

func TestFFmpegInvocation(t *testing.T) {
	dir := t.TempDir()
	refs := stage(t, dir, "a", "b")
	dst := filepath.Join(dir, "article.mp3")

	ff, err := NewFFmpeg("/usr/bin/ffmpeg -hide_banner")
	if err != nil {
		t.Fatalf("new ffmpeg: %v", err)
	}
	var gotName string
	var gotArgs []string
	var gotList string
	ff.run = func(_ context.Context, name string, args ...string) error {
		gotName, gotArgs = name, args
		list, err := os.ReadFile(filepath.Join(dir, ".concat.txt"))
		if err != nil {
			return err
		}
		gotList = string(list)
		return os.WriteFile(dst, []byte("joined"), 0o644)
	}

	out, err := ff.Assemble(context.Background(), refs, dst)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if gotName != "/usr/bin/ffmpeg" || gotArgs[0] != "-hide_banner" || gotArgs[len(gotArgs)-1] != dst {
		t.Fatalf("unexpected invocation %s %v", gotName, gotArgs)
	}
	want := "file '" + refs[0].Path + "'\nfile '" + refs[1].Path + "'\n"
	if gotList != want {
		t.Fatalf("unexpected concat list:\n%s", gotList)
	}
	if out.Size != 6 || out.Segments != 2 {
		t.Fatalf("unexpected output %+v", out)
	}
	if _, err := os.Stat(filepath.Join(dir, ".concat.txt")); !os.IsNotExist(err) {
		t.Fatal("concat list not cleaned up")
	}
}

func TestFFmpegFailureSurfaces(t *testing.T) {
	dir := t.TempDir()
	refs := stage(t, dir, "a", "b")
	ff, _ := NewFFmpeg("ffmpeg")
	ff.run = func(context.Context, string, ...string) error { return errors.New("ffmpeg: exit status 1") }
	if _, err := ff.Assemble(context.Background(), refs, filepath.Join(dir, "out.mp3")); err == nil {
		t.Fatal("expected ffmpeg error")
	}
}

func TestNewSelectsMode(t *testing.T) {
	a, err := New(config.AssemblerConfig{Mode: "concat"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, ok := a.(Concat); !ok {
		t.Fatalf("expected Concat, got %T", a)
	}
	if _, err := New(config.AssemblerConfig{Mode: "sox"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
