// Package assembler joins staged segments into the single audio file that
// gets published.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/loqalabs/loqa-readaloud/internal/config"
	"github.com/loqalabs/loqa-readaloud/internal/segment"
)

var (
	ErrNoSegments  = errors.New("no segments to assemble")
	ErrEmptyOutput = errors.New("assembled audio is empty")
)

// Assembled is the joined audio for one run. Path may be the single staged
// segment itself.
type Assembled struct {
	Path        string
	Size        int64
	Format      string
	ContentType string
	Segments    int
}

// Assembler concatenates refs, which must already be in index order, into
// dst.
type Assembler interface {
	Assemble(ctx context.Context, refs []segment.Ref, dst string) (Assembled, error)
}

// New builds the assembler selected by cfg.Mode.
func New(cfg config.AssemblerConfig) (Assembler, error) {
	switch cfg.Mode {
	case "concat":
		return Concat{}, nil
	case "ffmpeg":
		return NewFFmpeg(cfg.FFmpegCommand)
	}
	return nil, fmt.Errorf("unknown assembler mode %q", cfg.Mode)
}

// prepare validates refs and handles the single segment case. done is true
// when the returned Assembled is final.
func prepare(refs []segment.Ref) (Assembled, bool, error) {
	if len(refs) == 0 {
		return Assembled{}, false, ErrNoSegments
	}
	if err := segment.Ordered(refs); err != nil {
		return Assembled{}, false, err
	}
	if len(refs) > 1 {
		return Assembled{}, false, nil
	}
	info, err := os.Stat(refs[0].Path)
	if err != nil {
		return Assembled{}, false, fmt.Errorf("segment %d unreadable: %w", refs[0].Index, err)
	}
	if info.Size() == 0 {
		return Assembled{}, false, ErrEmptyOutput
	}
	return Assembled{
		Path:        refs[0].Path,
		Size:        info.Size(),
		Format:      refs[0].Format,
		ContentType: refs[0].ContentType,
		Segments:    1,
	}, true, nil
}

func finish(refs []segment.Ref, dst string) (Assembled, error) {
	info, err := os.Stat(dst)
	if err != nil {
		return Assembled{}, fmt.Errorf("stat assembled audio: %w", err)
	}
	if info.Size() == 0 {
		return Assembled{}, ErrEmptyOutput
	}
	return Assembled{
		Path:        dst,
		Size:        info.Size(),
		Format:      refs[0].Format,
		ContentType: refs[0].ContentType,
		Segments:    len(refs),
	}, nil
}

// Concat appends segment bytes back to back. MP3 streams are sequences of
// self-contained frames, so the result plays as one file.
type Concat struct{}

func (Concat) Assemble(ctx context.Context, refs []segment.Ref, dst string) (Assembled, error) {
	out, done, err := prepare(refs)
	if err != nil || done {
		return out, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".assemble-*")
	if err != nil {
		return Assembled{}, fmt.Errorf("create output: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			tmp.Close()
			return Assembled{}, err
		}
		if err := appendFile(tmp, ref); err != nil {
			tmp.Close()
			return Assembled{}, err
		}
	}
	if err := tmp.Close(); err != nil {
		return Assembled{}, fmt.Errorf("close output: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return Assembled{}, fmt.Errorf("commit output: %w", err)
	}
	return finish(refs, dst)
}

func appendFile(w io.Writer, ref segment.Ref) error {
	f, err := os.Open(ref.Path)
	if err != nil {
		return fmt.Errorf("segment %d unreadable: %w", ref.Index, err)
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("copy segment %d: %w", ref.Index, err)
	}
	return nil
}
