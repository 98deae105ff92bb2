// Package segment stages synthesized audio on disk and keeps track of the
// chunk index each file belongs to.
package segment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

var ErrOutOfOrder = errors.New("segment refs out of order")

// Audio is the synthesized speech for one chunk.
type Audio struct {
	Index       int
	Data        []byte
	Format      string
	ContentType string
}

// Ref points at a staged segment. Index is carried explicitly and is the only
// thing used to order segments.
type Ref struct {
	Index       int
	Path        string
	Size        int64
	Format      string
	ContentType string
}

// Store writes segments into an arena.
type Store struct {
	dir string
}

func NewStore(arena *Arena) *Store {
	return &Store{dir: arena.Dir()}
}

// FileName is the name a segment is staged under. Zero padding keeps the
// lexical order of names equal to index order.
func FileName(index int, format string) string {
	return fmt.Sprintf("%06d.%s", index, format)
}

// Stage writes audio to the arena, replacing any earlier segment with the
// same index.
func (s *Store) Stage(ctx context.Context, audio Audio) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return Ref{}, err
	}
	if audio.Index < 0 {
		return Ref{}, fmt.Errorf("negative segment index %d", audio.Index)
	}
	if audio.Format == "" {
		return Ref{}, fmt.Errorf("segment %d has no format", audio.Index)
	}
	path := filepath.Join(s.dir, FileName(audio.Index, audio.Format))

	tmp, err := os.CreateTemp(s.dir, ".stage-*")
	if err != nil {
		return Ref{}, fmt.Errorf("stage segment %d: %w", audio.Index, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(audio.Data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return Ref{}, fmt.Errorf("write segment %d: %w", audio.Index, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return Ref{}, fmt.Errorf("close segment %d: %w", audio.Index, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return Ref{}, fmt.Errorf("commit segment %d: %w", audio.Index, err)
	}
	return Ref{
		Index:       audio.Index,
		Path:        path,
		Size:        int64(len(audio.Data)),
		Format:      audio.Format,
		ContentType: audio.ContentType,
	}, nil
}

// Sorted returns a copy of refs ordered by Index.
func Sorted(refs []Ref) []Ref {
	out := append([]Ref(nil), refs...)
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Ordered reports whether refs are exactly indices 0..n-1 in order, with no
// gaps or duplicates.
func Ordered(refs []Ref) error {
	for i, ref := range refs {
		if ref.Index != i {
			return fmt.Errorf("%w: position %d holds index %d", ErrOutOfOrder, i, ref.Index)
		}
	}
	return nil
}
