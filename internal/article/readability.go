package article

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
)

// maxPageBytes bounds how much of a page is read before extraction.
const maxPageBytes = 8 << 20

// ReadabilitySource downloads the page itself and extracts the main content
// locally, so no parser API is needed.
type ReadabilitySource struct {
	userAgent string
	client    *http.Client
	logger    *slog.Logger
}

func NewReadabilitySource(userAgent string, timeout time.Duration, logger *slog.Logger) *ReadabilitySource {
	return &ReadabilitySource{
		userAgent: userAgent,
		client:    &http.Client{Timeout: timeout},
		logger:    logger.With(slog.String("component", "article-readability")),
	}
}

func (r *ReadabilitySource) Fetch(ctx context.Context, rawURL string) (Document, error) {
	pageURL, err := ParseURL(rawURL)
	if err != nil {
		return Document{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL.String(), nil)
	if err != nil {
		return Document{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return Document{}, fmt.Errorf("request page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Document{}, fmt.Errorf("page returned %s", resp.Status)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		return Document{}, fmt.Errorf("unsupported content type %q", ct)
	}

	parsed, err := readability.FromReader(io.LimitReader(resp.Body, maxPageBytes), pageURL)
	if err != nil {
		return Document{}, fmt.Errorf("extract article: %w", err)
	}

	text, err := HTMLToText(parsed.Content)
	if err != nil {
		return Document{}, fmt.Errorf("convert article html: %w", err)
	}
	var published string
	if parsed.PublishedTime != nil {
		published = parsed.PublishedTime.UTC().Format(time.RFC3339)
	}
	doc := Document{
		Title:         strings.TrimSpace(parsed.Title),
		Author:        strings.TrimSpace(parsed.Byline),
		PublishedDate: published,
		SourceURL:     rawURL,
		Excerpt:       strings.TrimSpace(parsed.Excerpt),
		LeadImageURL:  parsed.Image,
		Domain:        pageURL.Hostname(),
		Body:          text,
	}
	if err := doc.validate(); err != nil {
		return Document{}, err
	}
	r.logger.Debug("article extracted", slog.String("url", rawURL), slog.Int("chars", len(doc.Body)))
	return doc, nil
}
