package protocol

import "time"

// ArticleRequest asks a worker to convert one article to audio.
type ArticleRequest struct {
	RequestID string `json:"request_id,omitempty"`
	URL       string `json:"url"`
}

// ArticleResponse is the reply to an ArticleRequest.
type ArticleResponse struct {
	RequestID   string    `json:"request_id,omitempty"`
	OK          bool      `json:"ok"`
	RunID       string    `json:"run_id,omitempty"`
	Title       string    `json:"title,omitempty"`
	Chunks      int       `json:"chunks,omitempty"`
	ObjectID    string    `json:"object_id,omitempty"`
	Location    string    `json:"location,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	Size        int64     `json:"size,omitempty"`
	Stage       string    `json:"stage,omitempty"`
	Kind        string    `json:"kind,omitempty"`
	ChunkIndex  *int      `json:"chunk_index,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// RunEvent mirrors a pipeline state change onto the bus.
type RunEvent struct {
	RunID      string    `json:"run_id"`
	SourceURL  string    `json:"source_url"`
	State      string    `json:"state"`
	FailedAt   string    `json:"failed_at,omitempty"`
	Kind       string    `json:"kind,omitempty"`
	ChunkIndex *int      `json:"chunk_index,omitempty"`
	Cause      string    `json:"cause,omitempty"`
	ObjectID   string    `json:"object_id,omitempty"`
	Location   string    `json:"location,omitempty"`
	NodeID     string    `json:"node_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	SubjectArticleRequest   = "readaloud.article.request"
	SubjectArticlePublished = "readaloud.article.published"
	SubjectArticleFailed    = "readaloud.article.failed"
	// Followed by ".<run id>".
	SubjectRunStatePrefix = "readaloud.run.state"
)
