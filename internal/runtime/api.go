package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-readaloud/internal/pipeline"
	"github.com/loqalabs/loqa-readaloud/internal/protocol"
	"github.com/loqalabs/loqa-readaloud/internal/runlog"
	"github.com/loqalabs/loqa-readaloud/internal/service"
)

const maxRequestBody = 64 << 10

type runReader interface {
	Get(ctx context.Context, runID string) (runlog.Run, error)
	Recent(ctx context.Context, limit int) ([]runlog.Run, error)
}

// api serves conversion requests and run history over HTTP.
type api struct {
	converter *service.Converter
	runs      runReader
	logger    *slog.Logger
}

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/articles", a.handleConvert)
	mux.HandleFunc("GET /v1/runs", a.handleRecentRuns)
	mux.HandleFunc("GET /v1/runs/{id}", a.handleRun)
}

func (a *api) handleConvert(w http.ResponseWriter, r *http.Request) {
	var req protocol.ArticleRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, protocol.ArticleResponse{
			Kind:      pipeline.KindName(pipeline.ErrInvalidInput),
			Error:     "malformed request: " + err.Error(),
			Timestamp: time.Now().UTC(),
		})
		return
	}
	if req.URL == "" {
		req.URL = r.URL.Query().Get("url")
	}

	res, err := a.converter.Convert(r.Context(), req.URL)
	resp := a.converter.Response(req.RequestID, res, err)
	status := pipeline.HTTPStatusCode(err)
	if err != nil {
		a.logger.Warn("conversion request failed",
			slog.String("url", req.URL),
			slog.String("stage", resp.Stage),
			slog.String("kind", resp.Kind),
			slog.Int("status", status))
	}
	writeJSON(w, status, resp)
}

func (a *api) handleRun(w http.ResponseWriter, r *http.Request) {
	run, err := a.runs.Get(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, runlog.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case err != nil:
		a.logger.Warn("run lookup failed", slogError(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "run lookup failed"})
	default:
		writeJSON(w, http.StatusOK, run)
	}
}

func (a *api) handleRecentRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be between 1 and 500"})
			return
		}
		limit = n
	}
	runs, err := a.runs.Recent(r.Context(), limit)
	if err != nil {
		a.logger.Warn("run listing failed", slogError(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "run listing failed"})
		return
	}
	if runs == nil {
		runs = []runlog.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
