package article

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-readaloud/internal/config"
)

// New builds the article source selected by cfg.Mode.
func New(cfg config.ArticleConfig, logger *slog.Logger) (Source, error) {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	switch cfg.Mode {
	case "mercury":
		return NewMercuryClient(cfg.Endpoint, cfg.APIKey, cfg.UserAgent, timeout, logger), nil
	case "readability":
		return NewReadabilitySource(cfg.UserAgent, timeout, logger), nil
	}
	return nil, fmt.Errorf("unknown article mode %q", cfg.Mode)
}
