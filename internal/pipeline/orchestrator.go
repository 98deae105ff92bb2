// Package pipeline runs one article through fetch, chunking, synthesis,
// staging, assembly and publishing, and reports a single outcome per run.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-readaloud/internal/article"
	"github.com/loqalabs/loqa-readaloud/internal/assembler"
	"github.com/loqalabs/loqa-readaloud/internal/chunker"
	"github.com/loqalabs/loqa-readaloud/internal/config"
	"github.com/loqalabs/loqa-readaloud/internal/publisher"
	"github.com/loqalabs/loqa-readaloud/internal/segment"
	"github.com/loqalabs/loqa-readaloud/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Publisher stores the assembled audio.
type Publisher interface {
	Publish(ctx context.Context, audio assembler.Assembled, doc article.Document) (publisher.Artifact, error)
}

// Deps are the collaborators of an Orchestrator. Observer may be nil.
type Deps struct {
	Source      article.Source
	Synthesizer tts.Synthesizer
	Workspace   *segment.Workspace
	Assembler   assembler.Assembler
	Publisher   Publisher
	Observer    Observer
}

type Options struct {
	MaxChunkSize  int
	MaxInFlight   int
	SynthTimeout  time.Duration
	RunTimeout    time.Duration
	IncludeHeader bool
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		MaxChunkSize:  cfg.Pipeline.MaxChunkSize,
		MaxInFlight:   cfg.Pipeline.MaxInFlight,
		SynthTimeout:  time.Duration(cfg.Pipeline.SynthTimeoutMS) * time.Millisecond,
		RunTimeout:    time.Duration(cfg.Pipeline.RunTimeoutMS) * time.Millisecond,
		IncludeHeader: cfg.Article.IncludeHeader,
	}
}

// Result is the outcome of a successful run.
type Result struct {
	RunID      string             `json:"run_id"`
	SourceURL  string             `json:"source_url"`
	Title      string             `json:"title"`
	Chunks     int                `json:"chunks"`
	Artifact   publisher.Artifact `json:"artifact"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
}

type Orchestrator struct {
	deps    Deps
	opts    Options
	log     *slog.Logger
	tracer  trace.Tracer
	metrics *metrics
	newID   func() string
	clock   func() time.Time
}

func New(deps Deps, opts Options, log *slog.Logger) (*Orchestrator, error) {
	switch {
	case deps.Source == nil:
		return nil, errors.New("pipeline requires an article source")
	case deps.Synthesizer == nil:
		return nil, errors.New("pipeline requires a synthesizer")
	case deps.Workspace == nil:
		return nil, errors.New("pipeline requires a workspace")
	case deps.Assembler == nil:
		return nil, errors.New("pipeline requires an assembler")
	case deps.Publisher == nil:
		return nil, errors.New("pipeline requires a publisher")
	}
	if opts.MaxChunkSize <= 0 {
		return nil, errors.New("max chunk size must be positive")
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 1
	}
	if deps.Observer == nil {
		deps.Observer = Observers()
	}
	o := &Orchestrator{
		deps:   deps,
		opts:   opts,
		log:    log.With(slog.String("component", "pipeline")),
		tracer: otel.Tracer(instrumentationName),
		newID:  uuid.NewString,
		clock:  time.Now,
	}
	m, err := newMetrics()
	if err != nil {
		o.log.Warn("failed to initialize pipeline metrics", slogError(err))
	} else {
		o.metrics = m
	}
	return o, nil
}

// run carries the bookkeeping of a single Run call.
type run struct {
	o          *Orchestrator
	id         string
	url        string
	state      State
	stageStart time.Time
	span       trace.Span
	log        *slog.Logger
}

// Run converts sourceURL into a published audio object. On failure the
// returned error is an *Error and no later stage has been started.
func (o *Orchestrator) Run(ctx context.Context, sourceURL string) (*Result, error) {
	r := &run{o: o, id: o.newID(), url: strings.TrimSpace(sourceURL)}
	r.log = o.log.With(slog.String("run_id", r.id))
	started := o.clock()

	ctx, span := o.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("readaloud.run_id", r.id),
		attribute.String("readaloud.source_url", r.url),
	))
	defer span.End()
	if o.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.RunTimeout)
		defer cancel()
	}
	o.metrics.started(ctx)

	r.enter(ctx, StateIdle)
	if _, err := article.ParseURL(r.url); err != nil {
		return nil, r.fail(ctx, ErrInvalidInput, err)
	}

	stageCtx := r.enter(ctx, StateCleaning)
	arena, err := o.deps.Workspace.Acquire(stageCtx, r.id)
	if err != nil {
		return nil, r.fail(ctx, ErrIO, err)
	}
	defer func() {
		if err := arena.Release(); err != nil {
			r.log.Warn("failed to release workspace", slogError(err))
		}
	}()

	stageCtx = r.enter(ctx, StateFetching)
	doc, err := o.deps.Source.Fetch(stageCtx, r.url)
	if err != nil {
		if errors.Is(err, article.ErrInvalidURL) {
			return nil, r.fail(ctx, ErrInvalidInput, err)
		}
		return nil, r.fail(ctx, ErrFetch, err)
	}

	r.enter(ctx, StateChunking)
	chunks, err := chunker.Split(article.Narration(doc, o.opts.IncludeHeader), o.opts.MaxChunkSize)
	if err != nil {
		return nil, r.fail(ctx, ErrInvalidInput, err)
	}
	o.metrics.chunked(ctx, len(chunks))
	r.log.Info("article chunked", slog.String("title", doc.Title), slog.Int("chunks", len(chunks)))

	stageCtx = r.enter(ctx, StateSynthesizing)
	audio, err := o.synthesize(stageCtx, chunks)
	if err != nil {
		return nil, r.fail(ctx, ErrSynthesis, err)
	}

	stageCtx = r.enter(ctx, StateStaging)
	refs, err := stage(stageCtx, segment.NewStore(arena), audio, o.opts.MaxInFlight)
	if err != nil {
		return nil, r.fail(ctx, ErrIO, err)
	}

	stageCtx = r.enter(ctx, StateAssembling)
	assembled, err := o.deps.Assembler.Assemble(stageCtx, refs, arena.Path("article."+refs[0].Format))
	if err != nil {
		return nil, r.fail(ctx, ErrAssembly, err)
	}

	stageCtx = r.enter(ctx, StatePublishing)
	artifact, err := o.deps.Publisher.Publish(stageCtx, assembled, doc)
	if err != nil {
		return nil, r.fail(ctx, ErrPublish, err)
	}

	r.done(ctx, artifact)
	return &Result{
		RunID:      r.id,
		SourceURL:  r.url,
		Title:      doc.Title,
		Chunks:     len(chunks),
		Artifact:   artifact,
		StartedAt:  started.UTC(),
		FinishedAt: o.clock().UTC(),
	}, nil
}

// synthesize converts every chunk with at most MaxInFlight calls in flight.
// The first failure cancels the remaining calls. Results are placed by
// chunk index, whatever order they complete in.
func (o *Orchestrator) synthesize(ctx context.Context, chunks []chunker.Chunk) ([]segment.Audio, error) {
	out := make([]segment.Audio, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.MaxInFlight)
	for _, c := range chunks {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return &chunkError{index: c.Index, err: err}
			}
			callCtx := gctx
			if o.opts.SynthTimeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(gctx, o.opts.SynthTimeout)
				defer cancel()
			}
			a, err := o.deps.Synthesizer.Synthesize(callCtx, tts.Request{Index: c.Index, Text: c.Text})
			if err != nil {
				return &chunkError{index: c.Index, err: err}
			}
			if len(a.Data) == 0 {
				return &chunkError{index: c.Index, err: errors.New("synthesizer returned no audio")}
			}
			out[c.Index] = segment.Audio{Index: c.Index, Data: a.Data, Format: a.Format, ContentType: a.ContentType}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func stage(ctx context.Context, store *segment.Store, audio []segment.Audio, limit int) ([]segment.Ref, error) {
	refs := make([]segment.Ref, len(audio))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, a := range audio {
		g.Go(func() error {
			ref, err := store.Stage(gctx, a)
			if err != nil {
				return &chunkError{index: a.Index, err: err}
			}
			refs[a.Index] = ref
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return refs, nil
}

// enter moves the run into s and returns a context carrying the stage span.
func (r *run) enter(ctx context.Context, s State) context.Context {
	r.closeStage(ctx, nil)
	r.state = s
	r.stageStart = r.o.clock()
	ctx, r.span = r.o.tracer.Start(ctx, "pipeline."+string(s))
	r.log.Debug("run state", slog.String("state", string(s)))
	r.o.deps.Observer.Observe(context.WithoutCancel(ctx), Event{
		RunID:     r.id,
		SourceURL: r.url,
		State:     s,
		Index:     -1,
		At:        r.stageStart.UTC(),
	})
	return ctx
}

func (r *run) closeStage(ctx context.Context, err error) {
	if r.span == nil {
		return
	}
	if err != nil {
		r.span.RecordError(err)
		r.span.SetStatus(codes.Error, err.Error())
	}
	r.span.End()
	r.span = nil
	r.o.metrics.stage(ctx, r.state, r.o.clock().Sub(r.stageStart))
}

func (r *run) fail(ctx context.Context, kind, err error) error {
	index, cause := splitChunkError(err)
	perr := &Error{RunID: r.id, Stage: r.state, Kind: kind, Index: index, Err: cause}
	r.closeStage(ctx, perr)
	trace.SpanFromContext(ctx).SetStatus(codes.Error, perr.Error())

	attrs := []any{
		slog.String("stage", string(r.state)),
		slog.String("kind", KindName(perr)),
		slogError(cause),
	}
	if index >= 0 {
		attrs = append(attrs, slog.Int("chunk", index))
	}
	r.log.Warn("run failed", attrs...)
	r.o.metrics.finished(ctx, "failed", r.state)
	r.o.deps.Observer.Observe(context.WithoutCancel(ctx), Event{
		RunID:     r.id,
		SourceURL: r.url,
		State:     StateFailed,
		FailedAt:  r.state,
		Kind:      KindName(perr),
		Index:     index,
		Cause:     perr.Cause(),
		At:        r.o.clock().UTC(),
	})
	r.state = StateFailed
	return perr
}

func (r *run) done(ctx context.Context, artifact publisher.Artifact) {
	r.closeStage(ctx, nil)
	r.state = StateDone
	r.log.Info("run complete", slog.String("object_id", artifact.ObjectID), slog.String("location", artifact.Location))
	r.o.metrics.finished(ctx, "done", "")
	r.o.deps.Observer.Observe(context.WithoutCancel(ctx), Event{
		RunID:     r.id,
		SourceURL: r.url,
		State:     StateDone,
		Index:     -1,
		Artifact:  &artifact,
		At:        r.o.clock().UTC(),
	})
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
