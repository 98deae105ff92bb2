package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/loqalabs/loqa-readaloud/internal/article"
	"github.com/loqalabs/loqa-readaloud/internal/assembler"
	"github.com/loqalabs/loqa-readaloud/internal/config"
	"github.com/loqalabs/loqa-readaloud/internal/pipeline"
	"github.com/loqalabs/loqa-readaloud/internal/publisher"
	"github.com/loqalabs/loqa-readaloud/internal/retry"
	"github.com/loqalabs/loqa-readaloud/internal/runlog"
	"github.com/loqalabs/loqa-readaloud/internal/segment"
	"github.com/loqalabs/loqa-readaloud/internal/service"
	"github.com/loqalabs/loqa-readaloud/internal/tts"
)

// App is the conversion stack built from a configuration, shared by the
// daemon and the CLI.
type App struct {
	Orchestrator *pipeline.Orchestrator
	Converter    *service.Converter
	Runs         *runlog.Store

	closers []io.Closer
}

// Build wires every collaborator named in cfg. Extra observers receive run
// events alongside the run log.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger, observers ...pipeline.Observer) (*App, error) {
	app := &App{}
	fail := func(err error) (*App, error) {
		_ = app.Close()
		return nil, err
	}

	source, err := article.New(cfg.Article, logger)
	if err != nil {
		return fail(fmt.Errorf("article source: %w", err))
	}

	synth, err := tts.New(ctx, cfg.TTS)
	if err != nil {
		return fail(fmt.Errorf("synthesizer: %w", err))
	}
	if c, ok := synth.(io.Closer); ok {
		app.closers = append(app.closers, c)
	}

	asm, err := assembler.New(cfg.Assembler)
	if err != nil {
		return fail(fmt.Errorf("assembler: %w", err))
	}

	pub, err := publisher.New(ctx, cfg.Publisher, logger)
	if err != nil {
		return fail(fmt.Errorf("publisher: %w", err))
	}
	app.closers = append(app.closers, pub)

	runs, err := runlog.Open(ctx, cfg.RunLog, logger)
	if err != nil {
		return fail(fmt.Errorf("run log: %w", err))
	}
	app.Runs = runs
	app.closers = append(app.closers, runs)

	orch, err := pipeline.New(pipeline.Deps{
		Source:      source,
		Synthesizer: synth,
		Workspace:   segment.NewWorkspace(cfg.Workspace, logger),
		Assembler:   asm,
		Publisher:   pub,
		Observer:    pipeline.Observers(append([]pipeline.Observer{runs}, observers...)...),
	}, pipeline.OptionsFromConfig(cfg), logger)
	if err != nil {
		return fail(err)
	}
	app.Orchestrator = orch
	app.Converter = service.NewConverter(orch, retry.PolicyFromConfig(cfg.Pipeline.Retry), logger)

	logger.Info("conversion stack ready",
		slog.String("article_mode", cfg.Article.Mode),
		slog.String("tts_mode", cfg.TTS.Mode),
		slog.String("assembler_mode", cfg.Assembler.Mode),
		slog.String("publisher_mode", cfg.Publisher.Mode),
		slog.String("run_log", cfg.RunLog.RetentionMode))
	return app, nil
}

// Close releases collaborators in reverse build order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
