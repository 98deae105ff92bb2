// Package service exposes article conversion to callers: the HTTP API, the
// NATS request handler and the CLI all go through a Converter.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-readaloud/internal/pipeline"
	"github.com/loqalabs/loqa-readaloud/internal/protocol"
	"github.com/loqalabs/loqa-readaloud/internal/retry"
	"golang.org/x/sync/singleflight"
)

// Runner runs the conversion pipeline once.
type Runner interface {
	Run(ctx context.Context, sourceURL string) (*pipeline.Result, error)
}

// Converter retries failed runs according to its policy and collapses
// concurrent requests for the same URL into one run.
type Converter struct {
	runner Runner
	policy retry.Policy
	group  singleflight.Group
	log    *slog.Logger
	clock  func() time.Time
}

func NewConverter(runner Runner, policy retry.Policy, log *slog.Logger) *Converter {
	return &Converter{
		runner: runner,
		policy: policy,
		log:    log.With(slog.String("component", "converter")),
		clock:  time.Now,
	}
}

// Convert returns the result of converting sourceURL. Callers asking for a
// URL already in flight share that run. A caller whose ctx ends stops
// waiting, and the shared run carries on for the others; it keeps the
// starting caller's values but not its cancellation, and is bounded by the
// pipeline run timeout.
func (c *Converter) Convert(ctx context.Context, sourceURL string) (*pipeline.Result, error) {
	key := strings.TrimSpace(sourceURL)
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		return retry.Do(shared, c.policy, pipeline.Retryable,
			func(attempt int, err error, wait time.Duration) {
				c.log.Warn("conversion attempt failed, retrying",
					slog.String("url", key),
					slog.Int("attempt", attempt),
					slog.Duration("backoff", wait),
					slogError(err))
			},
			func(ctx context.Context) (*pipeline.Result, error) {
				return c.runner.Run(ctx, key)
			})
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-ch:
		if out.Shared {
			c.log.Debug("joined in-flight conversion", slog.String("url", key))
		}
		if out.Err != nil {
			return nil, out.Err
		}
		return out.Val.(*pipeline.Result), nil
	}
}

// Response builds the wire reply for a conversion outcome.
func (c *Converter) Response(requestID string, res *pipeline.Result, err error) protocol.ArticleResponse {
	resp := protocol.ArticleResponse{
		RequestID: requestID,
		Timestamp: c.clock().UTC(),
	}
	if err != nil {
		resp.Error = err.Error()
		resp.Kind = pipeline.KindName(err)
		var perr *pipeline.Error
		if errors.As(err, &perr) {
			resp.RunID = perr.RunID
			resp.Stage = string(perr.Stage)
			resp.Error = perr.Cause()
			if perr.Index >= 0 {
				idx := perr.Index
				resp.ChunkIndex = &idx
			}
		}
		return resp
	}
	resp.OK = true
	resp.RunID = res.RunID
	resp.Title = res.Title
	resp.Chunks = res.Chunks
	resp.ObjectID = res.Artifact.ObjectID
	resp.Location = res.Artifact.Location
	resp.ContentType = res.Artifact.ContentType
	resp.Size = res.Artifact.Size
	return resp
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
