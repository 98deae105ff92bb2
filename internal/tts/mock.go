package tts

import (
	"context"
	"time"
)

type mockSynth struct {
	enc     Encoding
	latency time.Duration
}

// NewMockSynth returns a synthesizer whose audio is the request text itself.
// It is meant for local runs and wiring checks.
func NewMockSynth(enc Encoding, latency time.Duration) Synthesizer {
	return &mockSynth{enc: enc, latency: latency}
}

func (m *mockSynth) Synthesize(ctx context.Context, req Request) (Audio, error) {
	if m.latency > 0 {
		select {
		case <-ctx.Done():
			return Audio{}, ctx.Err()
		case <-time.After(m.latency):
		}
	}
	return Audio{
		Data:        []byte(req.Text),
		Format:      m.enc.Format,
		ContentType: m.enc.ContentType,
	}, nil
}
