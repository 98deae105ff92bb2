// Package publisher uploads the assembled audio under an identifier derived
// from the article URL, so publishing the same article again replaces the
// earlier object instead of adding a new one.
package publisher

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/loqalabs/loqa-readaloud/internal/article"
	"github.com/loqalabs/loqa-readaloud/internal/assembler"
	"github.com/loqalabs/loqa-readaloud/internal/config"
)

// Artifact describes a stored audio object.
type Artifact struct {
	ObjectID    string            `json:"object_id"`
	ContentType string            `json:"content_type"`
	Location    string            `json:"location"`
	Size        int64             `json:"size"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	PublishedAt time.Time         `json:"published_at"`
}

// ObjectStore is the durable storage behind the publisher. Put must either
// store the full object or leave any previous object with that key in place.
type ObjectStore interface {
	Put(ctx context.Context, key string, src io.Reader, contentType string, metadata map[string]string) (location string, err error)
}

type Publisher struct {
	store  ObjectStore
	closer func() error
	log    *slog.Logger
	clock  func() time.Time
}

func NewPublisher(store ObjectStore, log *slog.Logger) *Publisher {
	return &Publisher{
		store: store,
		log:   log.With(slog.String("component", "publisher")),
		clock: time.Now,
	}
}

// New builds a publisher for the store selected by cfg.Mode.
func New(ctx context.Context, cfg config.PublisherConfig, log *slog.Logger) (*Publisher, error) {
	switch cfg.Mode {
	case "filesystem":
		store, err := NewFileStore(cfg.Directory)
		if err != nil {
			return nil, err
		}
		return NewPublisher(store, log), nil
	case "gcs":
		store, err := NewGCSStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		p := NewPublisher(store, log)
		p.closer = store.Close
		return p, nil
	}
	return nil, fmt.Errorf("unknown publisher mode %q", cfg.Mode)
}

// ObjectID is the hex MD5 of sourceURL followed by the audio extension.
func ObjectID(sourceURL, format string) string {
	sum := md5.Sum([]byte(sourceURL))
	return hex.EncodeToString(sum[:]) + "." + format
}

// Metadata copies the article fields stored alongside the audio. Empty
// fields are left out.
func Metadata(doc article.Document) map[string]string {
	md := make(map[string]string, 6)
	set := func(k, v string) {
		if v != "" {
			md[k] = v
		}
	}
	set("title", doc.Title)
	set("author", doc.Author)
	set("excerpt", doc.Excerpt)
	set("url", doc.SourceURL)
	set("datePublished", doc.PublishedDate)
	set("leadImageUrl", doc.LeadImageURL)
	return md
}

// Publish uploads the assembled audio. It does not retry.
func (p *Publisher) Publish(ctx context.Context, audio assembler.Assembled, doc article.Document) (Artifact, error) {
	if doc.SourceURL == "" {
		return Artifact{}, errors.New("document has no source url")
	}
	if audio.Format == "" {
		return Artifact{}, errors.New("assembled audio has no format")
	}
	f, err := os.Open(audio.Path)
	if err != nil {
		return Artifact{}, fmt.Errorf("open assembled audio: %w", err)
	}
	defer f.Close()

	key := ObjectID(doc.SourceURL, audio.Format)
	md := Metadata(doc)
	location, err := p.store.Put(ctx, key, f, audio.ContentType, md)
	if err != nil {
		return Artifact{}, fmt.Errorf("upload %s: %w", key, err)
	}
	p.log.Info("audio published", slog.String("object_id", key), slog.String("location", location), slog.Int64("bytes", audio.Size))
	return Artifact{
		ObjectID:    key,
		ContentType: audio.ContentType,
		Location:    location,
		Size:        audio.Size,
		Metadata:    md,
		PublishedAt: p.clock().UTC(),
	}, nil
}

func (p *Publisher) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer()
}
