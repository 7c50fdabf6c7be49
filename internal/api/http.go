package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/packlab/quotelog/internal/feedback"
	"github.com/packlab/quotelog/internal/proxy"
	"github.com/packlab/quotelog/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// AskProxy abstracts the request proxy for the API layer.
type AskProxy interface {
	Ask(ctx context.Context, query string) (proxy.Result, error)
}

// PriceMerger abstracts feedback attachment for the API layer.
type PriceMerger interface {
	Attach(requestID string, actualPrice float64) error
}

// Deps holds dependencies for the HTTP handler.
type Deps struct {
	Proxy    AskProxy
	Feedback PriceMerger
	Store    *storage.Store
}

// NewHandler returns the http.Handler serving the JSON API.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Post("/api/ask", handleAsk(deps))
	r.Get("/api/logs", handleLogs(deps))
	r.Post("/api/feedback", handleFeedback(deps))

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type askRequest struct {
	Query string `json:"query"`
}

type askResponse struct {
	Answer    string `json:"answer"`
	RequestID string `json:"requestId"`
}

func handleAsk(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req askRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		res, err := deps.Proxy.Ask(r.Context(), req.Query)
		switch {
		case errors.Is(err, proxy.ErrEmptyQuery):
			httpError(w, http.StatusBadRequest, "query must not be empty")
			return
		case errors.Is(err, proxy.ErrModelUnavailable):
			slog.Error("model call failed", "error", err)
			httpError(w, http.StatusBadGateway, "estimate request failed, please try again")
			return
		case err != nil:
			slog.Error("ask failed", "error", err)
			httpError(w, http.StatusInternalServerError, "internal error")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(askResponse{
			Answer:    res.Answer,
			RequestID: res.RequestID,
		})
	}
}

// logEntryJSON is the wire form of a stored entry. Timestamps are epoch
// milliseconds to match what the display client expects.
type logEntryJSON struct {
	RequestID         string   `json:"requestId"`
	Timestamp         int64    `json:"timestamp"`
	Query             string   `json:"query"`
	Answer            string   `json:"answer"`
	FromCache         bool     `json:"fromCache"`
	EstimatedPrice    *float64 `json:"estimatedPrice,omitempty"`
	ActualPrice       *float64 `json:"actualPrice,omitempty"`
	FeedbackTimestamp *int64   `json:"feedbackTimestamp,omitempty"`
}

func toLogEntryJSON(e storage.LogEntry) logEntryJSON {
	out := logEntryJSON{
		RequestID:      e.RequestID,
		Timestamp:      e.CreatedAt.UnixMilli(),
		Query:          e.Query,
		Answer:         e.Answer,
		FromCache:      e.FromCache,
		EstimatedPrice: e.EstimatedPrice,
		ActualPrice:    e.ActualPrice,
	}
	if e.FeedbackAt != nil {
		ms := e.FeedbackAt.UnixMilli()
		out.FeedbackTimestamp = &ms
	}
	return out
}

func handleLogs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := deps.Store.ListEntries()
		if err != nil {
			slog.Error("listing log entries failed", "error", err)
			httpError(w, http.StatusInternalServerError, "internal error")
			return
		}

		logs := make([]logEntryJSON, len(entries))
		for i, e := range entries {
			logs[i] = toLogEntryJSON(e)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"logs": logs})
	}
}

type feedbackRequest struct {
	RequestID   string   `json:"requestId"`
	ActualPrice *float64 `json:"actualPrice"`
}

func handleFeedback(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req feedbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.RequestID == "" {
			httpError(w, http.StatusBadRequest, "requestId is required")
			return
		}
		if req.ActualPrice == nil {
			httpError(w, http.StatusBadRequest, "actualPrice is required")
			return
		}

		err := deps.Feedback.Attach(req.RequestID, *req.ActualPrice)
		switch {
		case errors.Is(err, feedback.ErrInvalidPrice):
			httpError(w, http.StatusBadRequest, "actualPrice must be a non-negative number")
			return
		case errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusNotFound, "Log not found")
			return
		case err != nil:
			slog.Error("attaching feedback failed", "error", err, "request_id", req.RequestID)
			httpError(w, http.StatusInternalServerError, "internal error")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{"success": true})
	}
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"error": fmt.Sprintf(format, args...),
	})
}
