package tts

import (
	"context"
	"fmt"
	"strings"
)

// Request is one unit of text to synthesize. Index identifies the chunk the
// text came from and is only used for diagnostics.
type Request struct {
	Index int
	Text  string
}

// Audio is the encoded speech for a single request.
type Audio struct {
	Data        []byte
	Format      string // file extension, e.g. "mp3"
	ContentType string
}

// Synthesizer is the contract for producing audio. Implementations must be
// safe for concurrent use.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (Audio, error)
}

// Encoding describes how an audio encoding name maps to files and MIME types.
type Encoding struct {
	Name        string
	Format      string
	ContentType string
}

var encodings = map[string]Encoding{
	"mp3":      {Name: "mp3", Format: "mp3", ContentType: "audio/mpeg"},
	"ogg_opus": {Name: "ogg_opus", Format: "ogg", ContentType: "audio/ogg"},
	"linear16": {Name: "linear16", Format: "wav", ContentType: "audio/wav"},
}

// LookupEncoding resolves a configured encoding name.
func LookupEncoding(name string) (Encoding, error) {
	enc, ok := encodings[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Encoding{}, fmt.Errorf("unsupported audio encoding %q", name)
	}
	return enc, nil
}
