package article

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// MercuryClient talks to a Mercury-compatible parser API, which returns the
// article body as HTML together with its metadata.
type MercuryClient struct {
	endpoint  string
	apiKey    string
	userAgent string
	client    *http.Client
	logger    *slog.Logger
}

type mercuryResponse struct {
	Title         string `json:"title"`
	Content       string `json:"content"`
	Author        string `json:"author"`
	DatePublished string `json:"date_published"`
	LeadImageURL  string `json:"lead_image_url"`
	URL           string `json:"url"`
	Domain        string `json:"domain"`
	Excerpt       string `json:"excerpt"`
}

func NewMercuryClient(endpoint, apiKey, userAgent string, timeout time.Duration, logger *slog.Logger) *MercuryClient {
	return &MercuryClient{
		endpoint:  endpoint,
		apiKey:    apiKey,
		userAgent: userAgent,
		client:    &http.Client{Timeout: timeout},
		logger:    logger.With(slog.String("component", "article-mercury")),
	}
}

func (m *MercuryClient) Fetch(ctx context.Context, rawURL string) (Document, error) {
	if _, err := ParseURL(rawURL); err != nil {
		return Document{}, err
	}
	endpoint, err := url.Parse(m.endpoint)
	if err != nil {
		return Document{}, fmt.Errorf("parse mercury endpoint: %w", err)
	}
	q := endpoint.Query()
	q.Set("url", rawURL)
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return Document{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if m.apiKey != "" {
		req.Header.Set("x-api-key", m.apiKey)
	}
	if m.userAgent != "" {
		req.Header.Set("User-Agent", m.userAgent)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return Document{}, fmt.Errorf("request article: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return Document{}, fmt.Errorf("mercury parser returned %s", resp.Status)
	}

	var body mercuryResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Document{}, fmt.Errorf("decode mercury response: %w", err)
	}
	if body.Content == "" || body.Title == "" {
		return Document{}, ErrNoContent
	}

	text, err := HTMLToText(body.Content)
	if err != nil {
		return Document{}, fmt.Errorf("convert article html: %w", err)
	}
	doc := Document{
		Title:         body.Title,
		Author:        body.Author,
		PublishedDate: normalizeDate(body.DatePublished),
		SourceURL:     rawURL,
		Excerpt:       body.Excerpt,
		LeadImageURL:  body.LeadImageURL,
		Domain:        body.Domain,
		Body:          text,
	}
	if err := doc.validate(); err != nil {
		return Document{}, err
	}
	m.logger.Debug("article fetched", slog.String("url", rawURL), slog.Int("chars", len(doc.Body)))
	return doc, nil
}
