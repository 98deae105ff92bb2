package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-readaloud/internal/article"
	"github.com/loqalabs/loqa-readaloud/internal/assembler"
	"github.com/loqalabs/loqa-readaloud/internal/config"
	"github.com/loqalabs/loqa-readaloud/internal/publisher"
	"github.com/loqalabs/loqa-readaloud/internal/segment"
	"github.com/loqalabs/loqa-readaloud/internal/tts"
)

const testURL = "https://example.com/articles/42"

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeSource struct {
	body  string
	err   error
	calls atomic.Int32
}

func (f *fakeSource) Fetch(_ context.Context, rawURL string) (article.Document, error) {
	f.calls.Add(1)
	if f.err != nil {
		return article.Document{}, f.err
	}
	return article.Document{Title: "Title", SourceURL: rawURL, Body: f.body}, nil
}

type synthFunc func(ctx context.Context, req tts.Request) (tts.Audio, error)

func (f synthFunc) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	return f(ctx, req)
}

func echoSynth(ctx context.Context, req tts.Request) (tts.Audio, error) {
	return tts.Audio{Data: []byte(req.Text), Format: "mp3", ContentType: "audio/mpeg"}, nil
}

type recordingPublisher struct {
	mu        sync.Mutex
	calls     int
	path      string
	data      []byte
	err       error
	assembled assembler.Assembled
}

func (p *recordingPublisher) Publish(_ context.Context, audio assembler.Assembled, doc article.Document) (publisher.Artifact, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return publisher.Artifact{}, p.err
	}
	data, err := os.ReadFile(audio.Path)
	if err != nil {
		return publisher.Artifact{}, err
	}
	p.path, p.data, p.assembled = audio.Path, data, audio
	return publisher.Artifact{
		ObjectID:    publisher.ObjectID(doc.SourceURL, audio.Format),
		ContentType: audio.ContentType,
		Size:        audio.Size,
	}, nil
}

type assembleFunc func(ctx context.Context, refs []segment.Ref, dst string) (assembler.Assembled, error)

func (f assembleFunc) Assemble(ctx context.Context, refs []segment.Ref, dst string) (assembler.Assembled, error) {
	return f(ctx, refs, dst)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Observe(_ context.Context, evt Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
}

func (l *eventLog) states() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]State, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.State)
	}
	return out
}

type harness struct {
	root   string
	source *fakeSource
	pub    *recordingPublisher
	events *eventLog
	orch   *Orchestrator
}

func newHarness(t *testing.T, body string, synth tts.Synthesizer, opts Options) *harness {
	t.Helper()
	h := &harness{
		root:   t.TempDir(),
		source: &fakeSource{body: body},
		pub:    &recordingPublisher{},
		events: &eventLog{},
	}
	orch, err := New(Deps{
		Source:      h.source,
		Synthesizer: synth,
		Workspace:   segment.NewWorkspace(config.WorkspaceConfig{Root: h.root}, newLogger()),
		Assembler:   assembler.Concat{},
		Publisher:   h.pub,
		Observer:    h.events,
	}, opts, newLogger())
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	h.orch = orch
	return h
}

func stagedFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*.mp3"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	return matches
}

func TestRunTwelveThousandChars(t *testing.T) {
	body := strings.Repeat("lorem ", 2000)
	h := newHarness(t, body, synthFunc(echoSynth), Options{MaxChunkSize: 5000, MaxInFlight: 3})

	res, err := h.orch.Run(context.Background(), testURL)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Chunks != 3 {
		t.Fatalf("expected 3 chunks, got %d", res.Chunks)
	}
	if string(h.pub.data) != body {
		t.Fatal("assembled audio does not match in-order concatenation")
	}
	if h.pub.assembled.Segments != 3 {
		t.Fatalf("expected 3 segments assembled, got %d", h.pub.assembled.Segments)
	}
	if res.Artifact.ObjectID != publisher.ObjectID(testURL, "mp3") {
		t.Fatalf("unexpected object id %s", res.Artifact.ObjectID)
	}
	want := []State{StateIdle, StateCleaning, StateFetching, StateChunking, StateSynthesizing, StateStaging, StateAssembling, StatePublishing, StateDone}
	got := h.events.states()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("unexpected transitions %v", got)
	}
}

func TestRunOrderIndependentOfCompletion(t *testing.T) {
	var words []string
	for i := 0; i < 40; i++ {
		words = append(words, fmt.Sprintf("word%02d", i))
	}
	body := strings.Join(words, " ")

	var expected []byte
	for seed := int64(1); seed <= 5; seed++ {
		rng := rand.New(rand.NewSource(seed))
		var mu sync.Mutex
		delays := map[int]time.Duration{}
		synth := synthFunc(func(ctx context.Context, req tts.Request) (tts.Audio, error) {
			mu.Lock()
			d, ok := delays[req.Index]
			if !ok {
				d = time.Duration(rng.Intn(15)) * time.Millisecond
				delays[req.Index] = d
			}
			mu.Unlock()
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return tts.Audio{}, ctx.Err()
			}
			return tts.Audio{Data: []byte(fmt.Sprintf("<%d:%s>", req.Index, req.Text)), Format: "mp3"}, nil
		})
		h := newHarness(t, body, synth, Options{MaxChunkSize: 20, MaxInFlight: 8})
		if _, err := h.orch.Run(context.Background(), testURL); err != nil {
			t.Fatalf("seed %d: run: %v", seed, err)
		}
		if expected == nil {
			expected = h.pub.data
			continue
		}
		if string(h.pub.data) != string(expected) {
			t.Fatalf("seed %d: assembly depends on completion order", seed)
		}
	}
	if !strings.HasPrefix(string(expected), "<0:word00") {
		t.Fatalf("unexpected assembly start %q", expected[:12])
	}
}

func TestRunFailsFastWhenChunkFails(t *testing.T) {
	body := strings.Repeat("abcd ", 10) // five chunks of ten runes
	var succeeded, cancelled atomic.Int32
	synth := synthFunc(func(ctx context.Context, req tts.Request) (tts.Audio, error) {
		if req.Index == 2 {
			return tts.Audio{}, errors.New("quota exceeded")
		}
		select {
		case <-ctx.Done():
			cancelled.Add(1)
			return tts.Audio{}, ctx.Err()
		case <-time.After(5 * time.Second):
			succeeded.Add(1)
			return echoSynth(ctx, req)
		}
	})
	h := newHarness(t, body, synth, Options{MaxChunkSize: 10, MaxInFlight: 5})

	start := time.Now()
	_, err := h.orch.Run(context.Background(), testURL)
	if err == nil {
		t.Fatal("expected failure")
	}
	if time.Since(start) > 3*time.Second {
		t.Fatal("siblings were not cancelled")
	}
	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if perr.Stage != StateSynthesizing || perr.Index != 2 || !errors.Is(err, ErrSynthesis) {
		t.Fatalf("unexpected failure %+v", perr)
	}
	if perr.Cause() != "quota exceeded" {
		t.Fatalf("unexpected cause %q", perr.Cause())
	}
	if succeeded.Load() != 0 {
		t.Fatalf("%d chunks completed after failure", succeeded.Load())
	}
	if files := stagedFiles(t, h.root); len(files) != 0 {
		t.Fatalf("expected no staged segments, found %v", files)
	}
	if h.pub.calls != 0 {
		t.Fatal("publish must not run after a failure")
	}
	states := h.events.states()
	if states[len(states)-1] != StateFailed {
		t.Fatalf("expected final failed event, got %v", states)
	}
	last := h.events.events[len(h.events.events)-1]
	if last.FailedAt != StateSynthesizing || last.Kind != "synthesis_error" || last.Index != 2 {
		t.Fatalf("unexpected failed event %+v", last)
	}
	for _, s := range states {
		if s == StateStaging || s == StatePublishing {
			t.Fatalf("stage %s entered after failure", s)
		}
	}
}

func TestRunSingleChunkIsPublishedUnchanged(t *testing.T) {
	h := newHarness(t, "A short article.", synthFunc(echoSynth), Options{MaxChunkSize: 5000, MaxInFlight: 2})
	res, err := h.orch.Run(context.Background(), testURL)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Chunks != 1 {
		t.Fatalf("expected 1 chunk, got %d", res.Chunks)
	}
	if filepath.Base(h.pub.path) != segment.FileName(0, "mp3") {
		t.Fatalf("expected staged segment to be published as is, got %s", h.pub.path)
	}
	if string(h.pub.data) != "A short article." {
		t.Fatalf("unexpected audio %q", h.pub.data)
	}
}

func TestRunClearsWorkspaceFromPriorRun(t *testing.T) {
	h := newHarness(t, "one two three four five six", synthFunc(echoSynth), Options{MaxChunkSize: 10, MaxInFlight: 2})
	stale := filepath.Join(h.root, segment.FileName(9, "mp3"))
	if err := os.WriteFile(stale, []byte("STALE"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := h.orch.Run(context.Background(), testURL); err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.Contains(string(h.pub.data), "STALE") {
		t.Fatal("leftover segment leaked into assembly")
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("stale segment survived workspace cleaning")
	}
	if string(h.pub.data) != "one two three four five six" {
		t.Fatalf("unexpected assembly %q", h.pub.data)
	}
}

func TestRunRejectsInvalidURL(t *testing.T) {
	h := newHarness(t, "body", synthFunc(echoSynth), Options{MaxChunkSize: 100})
	_, err := h.orch.Run(context.Background(), "not a url")
	var perr *Error
	if !errors.As(err, &perr) || perr.Stage != StateIdle || !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input at idle, got %v", err)
	}
	if HTTPStatusCode(err) != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", HTTPStatusCode(err))
	}
	if h.source.calls.Load() != 0 {
		t.Fatal("source must not be called for an invalid url")
	}
}

func TestRunStageFailures(t *testing.T) {
	t.Run("fetch", func(t *testing.T) {
		h := newHarness(t, "", synthFunc(echoSynth), Options{MaxChunkSize: 100})
		h.source.err = article.ErrNoContent
		_, err := h.orch.Run(context.Background(), testURL)
		if !errors.Is(err, ErrFetch) || !errors.Is(err, article.ErrNoContent) {
			t.Fatalf("expected fetch error, got %v", err)
		}
		if HTTPStatusCode(err) != http.StatusBadGateway {
			t.Fatalf("unexpected status %d", HTTPStatusCode(err))
		}
	})
	t.Run("blank body", func(t *testing.T) {
		h := newHarness(t, "   \n  ", synthFunc(echoSynth), Options{MaxChunkSize: 100})
		_, err := h.orch.Run(context.Background(), testURL)
		var perr *Error
		if !errors.As(err, &perr) || perr.Stage != StateChunking || !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected invalid input while chunking, got %v", err)
		}
	})
	t.Run("empty audio", func(t *testing.T) {
		synth := synthFunc(func(context.Context, tts.Request) (tts.Audio, error) {
			return tts.Audio{Format: "mp3"}, nil
		})
		h := newHarness(t, "text", synth, Options{MaxChunkSize: 100})
		if _, err := h.orch.Run(context.Background(), testURL); !errors.Is(err, ErrSynthesis) {
			t.Fatalf("expected synthesis error, got %v", err)
		}
	})
	t.Run("staging", func(t *testing.T) {
		// A segment without a format cannot be written to the arena.
		synth := synthFunc(func(_ context.Context, req tts.Request) (tts.Audio, error) {
			return tts.Audio{Data: []byte(req.Text)}, nil
		})
		h := newHarness(t, "text", synth, Options{MaxChunkSize: 100})
		_, err := h.orch.Run(context.Background(), testURL)
		var perr *Error
		if !errors.As(err, &perr) || perr.Stage != StateStaging || !errors.Is(err, ErrIO) {
			t.Fatalf("expected io error while staging, got %v", err)
		}
		if perr.Index != 0 {
			t.Fatalf("expected failing chunk 0, got %d", perr.Index)
		}
		if HTTPStatusCode(err) != http.StatusInternalServerError {
			t.Fatalf("unexpected status %d", HTTPStatusCode(err))
		}
		if h.pub.calls != 0 {
			t.Fatal("publish must not run after a staging failure")
		}
		for _, s := range h.events.states() {
			if s == StateAssembling {
				t.Fatal("assembling entered after staging failure")
			}
		}
	})
	t.Run("assembling", func(t *testing.T) {
		h := newHarness(t, "one two three four", synthFunc(echoSynth), Options{MaxChunkSize: 8})
		var got []segment.Ref
		h.orch.deps.Assembler = assembleFunc(func(_ context.Context, refs []segment.Ref, _ string) (assembler.Assembled, error) {
			got = refs
			return assembler.Assembled{}, errors.New("ffmpeg exited with status 1")
		})
		_, err := h.orch.Run(context.Background(), testURL)
		var perr *Error
		if !errors.As(err, &perr) || perr.Stage != StateAssembling || !errors.Is(err, ErrAssembly) {
			t.Fatalf("expected assembly error, got %v", err)
		}
		if !strings.Contains(err.Error(), "ffmpeg exited") {
			t.Fatalf("cause missing from %q", err.Error())
		}
		if len(got) < 2 {
			t.Fatalf("expected the staged segments to reach the assembler, got %d", len(got))
		}
		if h.pub.calls != 0 {
			t.Fatal("publish must not run after an assembly failure")
		}
		states := h.events.states()
		if states[len(states)-1] != StateFailed {
			t.Fatalf("expected final failed event, got %v", states)
		}
	})
	t.Run("publish", func(t *testing.T) {
		h := newHarness(t, "text", synthFunc(echoSynth), Options{MaxChunkSize: 100})
		h.pub.err = errors.New("bucket unavailable")
		_, err := h.orch.Run(context.Background(), testURL)
		var perr *Error
		if !errors.As(err, &perr) || perr.Stage != StatePublishing || !errors.Is(err, ErrPublish) {
			t.Fatalf("expected publish error, got %v", err)
		}
		if HTTPStatusCode(err) != http.StatusInternalServerError {
			t.Fatalf("unexpected status %d", HTTPStatusCode(err))
		}
		if !strings.Contains(err.Error(), "bucket unavailable") {
			t.Fatalf("cause missing from %q", err.Error())
		}
	})
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Deps{}, Options{MaxChunkSize: 10}, newLogger()); err == nil {
		t.Fatal("expected error for missing collaborators")
	}
}
