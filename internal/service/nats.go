package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-readaloud/internal/bus"
	"github.com/loqalabs/loqa-readaloud/internal/config"
	"github.com/loqalabs/loqa-readaloud/internal/pipeline"
	"github.com/loqalabs/loqa-readaloud/internal/protocol"
	"github.com/nats-io/nats.go"
)

// StreamName is the JetStream stream that keeps conversion outcomes.
const StreamName = "READALOUD_ARTICLES"

var errShuttingDown = errors.New("service shutting down")

// Service answers article requests arriving on the bus. Workers sharing a
// queue group split the requests between them.
type Service struct {
	cfg       config.BusConfig
	bus       *bus.Client
	converter *Converter
	timeout   time.Duration
	sub       *nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	ready     bool
	closing   bool
	logger    *slog.Logger
}

func NewService(parent context.Context, cfg config.BusConfig, busClient *bus.Client, converter *Converter, timeout time.Duration, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:       cfg,
		bus:       busClient,
		converter: converter,
		timeout:   timeout,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.With(slog.String("component", "article-service")),
	}
}

func (s *Service) Start() error {
	if s.bus == nil {
		return nil
	}
	err := s.bus.EnsureStream(StreamName,
		[]string{protocol.SubjectArticlePublished, protocol.SubjectArticleFailed}, 7*24*time.Hour)
	if err != nil {
		s.logger.Warn("article outcomes will not be retained", slogError(err))
	}

	sub, err := s.bus.Conn().QueueSubscribe(protocol.SubjectArticleRequest, s.cfg.QueueGroup, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe article requests: %w", err)
	}
	s.mu.Lock()
	s.sub = sub
	s.ready = true
	s.mu.Unlock()
	s.logger.Info("listening for article requests",
		slog.String("subject", protocol.SubjectArticleRequest),
		slog.String("queue", s.cfg.QueueGroup))
	return nil
}

// Close stops taking requests and waits for conversions already accepted.
// Messages still delivered while the subscription drains are refused.
func (s *Service) Close() {
	s.mu.Lock()
	sub := s.sub
	s.ready = false
	s.closing = true
	s.mu.Unlock()
	s.cancel()
	if sub != nil {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	if s.bus == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready && s.bus.Healthy()
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.ArticleRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode article request", slogError(err))
		s.reply(msg, protocol.ArticleResponse{
			Kind:      pipeline.KindName(pipeline.ErrInvalidInput),
			Error:     "malformed request: " + err.Error(),
			Timestamp: time.Now().UTC(),
		})
		return
	}

	if !s.accept() {
		s.logger.Warn("refusing article request during shutdown", slog.String("url", req.URL))
		s.reply(msg, protocol.ArticleResponse{
			RequestID: req.RequestID,
			Kind:      pipeline.KindName(errShuttingDown),
			Error:     errShuttingDown.Error(),
			Timestamp: time.Now().UTC(),
		})
		return
	}
	go func() {
		defer s.wg.Done()
		ctx := s.ctx
		if s.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.timeout)
			defer cancel()
		}

		start := time.Now()
		res, err := s.converter.Convert(ctx, req.URL)
		resp := s.converter.Response(req.RequestID, res, err)
		s.reply(msg, resp)
		s.announce(resp)

		if err != nil {
			s.logger.Warn("article conversion failed",
				slog.String("url", req.URL),
				slog.String("kind", resp.Kind),
				slogError(err))
			return
		}
		s.logger.Info("article conversion complete",
			slog.String("url", req.URL),
			slog.String("object_id", resp.ObjectID),
			slog.Duration("latency", time.Since(start)))
	}()
}

// accept registers one conversion with the wait group unless Close has
// started.
func (s *Service) accept() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Service) reply(msg *nats.Msg, resp protocol.ArticleResponse) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Warn("failed to encode article response", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to reply to article request", slogError(err))
	}
}

func (s *Service) announce(resp protocol.ArticleResponse) {
	subject := protocol.SubjectArticlePublished
	if !resp.OK {
		subject = protocol.SubjectArticleFailed
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := s.bus.Conn().Publish(subject, data); err != nil {
		s.logger.Warn("failed to publish article outcome", slogError(err))
	}
}
