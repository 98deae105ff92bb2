package tts

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-readaloud/internal/config"
)

// New builds the synthesizer selected by cfg.Mode.
func New(ctx context.Context, cfg config.TTSConfig) (Synthesizer, error) {
	enc, err := LookupEncoding(cfg.Encoding)
	if err != nil {
		return nil, err
	}
	switch cfg.Mode {
	case "mock":
		return NewMockSynth(enc, 10*time.Millisecond), nil
	case "exec":
		return NewExecSynth(cfg.Command, cfg.LanguageCode, cfg.Voice, enc)
	case "google":
		return NewGoogleSynth(ctx, cfg.LanguageCode, cfg.Voice, cfg.Gender, cfg.CredentialsFile, enc)
	}
	return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
}
