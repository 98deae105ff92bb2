// Package article turns a web page URL into the plain-text document that
// gets narrated, plus the metadata attached to the published audio.
package article

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var (
	ErrInvalidURL = errors.New("invalid article url")
	ErrNoContent  = errors.New("article has no title or content")
)

// Document is the extracted article. It is never modified after Fetch
// returns it.
type Document struct {
	Title         string
	Author        string
	PublishedDate string // RFC 3339 when known, empty otherwise
	SourceURL     string
	Excerpt       string
	LeadImageURL  string
	Domain        string
	Body          string
}

// Source fetches and extracts an article.
type Source interface {
	Fetch(ctx context.Context, rawURL string) (Document, error)
}

// ParseURL accepts absolute http(s) URLs only.
func ParseURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return u, nil
}

// Narration returns the text to synthesize. With header set, the title,
// author, publication date and domain are read out before the body.
func Narration(doc Document, header bool) string {
	if !header {
		return doc.Body
	}
	var parts []string
	if doc.Title != "" {
		parts = append(parts, doc.Title)
	}
	if doc.Author != "" {
		parts = append(parts, "By: "+doc.Author)
	}
	if doc.PublishedDate != "" {
		if ts, err := time.Parse(time.RFC3339, doc.PublishedDate); err == nil {
			parts = append(parts, "Published on: "+ts.Format("Mon Jan 02 2006"))
		}
	}
	if doc.Domain != "" {
		parts = append(parts, "Published at: "+doc.Domain)
	}
	parts = append(parts, doc.Body)
	return strings.Join(parts, "\n\n")
}

func (d Document) validate() error {
	if strings.TrimSpace(d.Title) == "" || strings.TrimSpace(d.Body) == "" {
		return ErrNoContent
	}
	return nil
}

func normalizeDate(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000Z", "2006-01-02"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC().Format(time.RFC3339)
		}
	}
	return ""
}
