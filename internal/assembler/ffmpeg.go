package assembler

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/loqalabs/loqa-readaloud/internal/segment"
	"github.com/mattn/go-shellwords"
)

type runFunc func(ctx context.Context, name string, args ...string) error

// FFmpeg joins segments with the ffmpeg concat demuxer and stream copy, so
// nothing is re-encoded.
type FFmpeg struct {
	cmd []string
	run runFunc
}

func NewFFmpeg(command string) (*FFmpeg, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse ffmpeg command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("ffmpeg command empty")
	}
	return &FFmpeg{cmd: args, run: runCommand}, nil
}

func (f *FFmpeg) Assemble(ctx context.Context, refs []segment.Ref, dst string) (Assembled, error) {
	out, done, err := prepare(refs)
	if err != nil || done {
		return out, err
	}
	for _, ref := range refs {
		if _, err := os.Stat(ref.Path); err != nil {
			return Assembled{}, fmt.Errorf("segment %d unreadable: %w", ref.Index, err)
		}
	}

	list := filepath.Join(filepath.Dir(dst), ".concat.txt")
	if err := os.WriteFile(list, concatList(refs), 0o644); err != nil {
		return Assembled{}, fmt.Errorf("write concat list: %w", err)
	}
	defer os.Remove(list)

	args := append([]string{}, f.cmd[1:]...)
	args = append(args, "-y", "-f", "concat", "-safe", "0", "-i", list, "-c", "copy", dst)
	if err := f.run(ctx, f.cmd[0], args...); err != nil {
		return Assembled{}, err
	}
	return finish(refs, dst)
}

func concatList(refs []segment.Ref) []byte {
	var b bytes.Buffer
	for _, ref := range refs {
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(ref.Path, "'", `'\''`))
	}
	return b.Bytes()
}

func runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("ffmpeg: %w: %s", err, msg)
		}
		return fmt.Errorf("ffmpeg: %w", err)
	}
	return nil
}
