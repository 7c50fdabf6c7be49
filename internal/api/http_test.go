package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/packlab/quotelog/internal/feedback"
	"github.com/packlab/quotelog/internal/proxy"
	"github.com/packlab/quotelog/internal/storage"
)

type fakeCompleter struct {
	answer string
	err    error
	calls  int
}

func (f *fakeCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

func newTestHandler(t *testing.T, model *fakeCompleter) (http.Handler, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	p := proxy.New(store, model, proxy.NewMemoryCache(10*time.Minute), 10*time.Second)
	h := NewHandler(Deps{
		Proxy:    p,
		Feedback: feedback.NewMerger(store),
		Store:    store,
	})
	return h, store
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshaling request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func getJSON(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	h, _ := newTestHandler(t, &fakeCompleter{answer: "ok"})

	rec := getJSON(t, h, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAsk(t *testing.T) {
	model := &fakeCompleter{answer: "Estimated shipping cost: 1250 rub"}
	h, store := newTestHandler(t, model)

	rec := postJSON(t, h, "/api/ask", map[string]string{"query": "ship 3 boxes to Berlin"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Answer    string `json:"answer"`
		RequestID string `json:"requestId"`
	}
	decodeBody(t, rec, &resp)
	if resp.Answer != model.answer {
		t.Errorf("expected answer %q, got %q", model.answer, resp.Answer)
	}
	if resp.RequestID == "" {
		t.Error("expected non-empty requestId")
	}

	entry, err := store.GetEntry(resp.RequestID)
	if err != nil {
		t.Fatalf("expected entry persisted under %s: %v", resp.RequestID, err)
	}
	if entry.Query != "ship 3 boxes to Berlin" {
		t.Errorf("unexpected stored query %q", entry.Query)
	}
}

func TestAsk_EmptyQuery(t *testing.T) {
	model := &fakeCompleter{answer: "ok"}
	h, store := newTestHandler(t, model)

	rec := postJSON(t, h, "/api/ask", map[string]string{"query": "   "})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if model.calls != 0 {
		t.Errorf("model should not have been called, got %d calls", model.calls)
	}
	count, err := store.CountEntries()
	if err != nil {
		t.Fatalf("counting entries: %v", err)
	}
	if count != 0 {
		t.Errorf("expected no entries, got %d", count)
	}
}

func TestAsk_InvalidBody(t *testing.T) {
	h, _ := newTestHandler(t, &fakeCompleter{answer: "ok"})

	req := httptest.NewRequest(http.MethodPost, "/api/ask", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestAsk_ModelUnavailable(t *testing.T) {
	model := &fakeCompleter{err: context.DeadlineExceeded}
	h, store := newTestHandler(t, model)

	rec := postJSON(t, h, "/api/ask", map[string]string{"query": "anything"})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	var resp struct {
		Error string `json:"error"`
	}
	decodeBody(t, rec, &resp)
	if resp.Error == "" {
		t.Error("expected error message in body")
	}
	count, _ := store.CountEntries()
	if count != 0 {
		t.Errorf("expected no entries after failure, got %d", count)
	}
}

func TestLogs_Empty(t *testing.T) {
	h, _ := newTestHandler(t, &fakeCompleter{answer: "ok"})

	rec := getJSON(t, h, "/api/logs")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if bytes.Contains(rec.Body.Bytes(), []byte(`"logs":null`)) {
		t.Fatalf("logs must be an empty array, got %s", rec.Body.String())
	}
	var resp struct {
		Logs []json.RawMessage `json:"logs"`
	}
	decodeBody(t, rec, &resp)
	if len(resp.Logs) != 0 {
		t.Errorf("expected empty logs, got %d", len(resp.Logs))
	}
}

func TestLogs_ReturnsEntries(t *testing.T) {
	h, _ := newTestHandler(t, &fakeCompleter{answer: "Total: 990 rub"})

	for _, q := range []string{"first query", "second query", "third query"} {
		rec := postJSON(t, h, "/api/ask", map[string]string{"query": q})
		if rec.Code != http.StatusOK {
			t.Fatalf("ask %q failed: %d", q, rec.Code)
		}
	}

	rec := getJSON(t, h, "/api/logs")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Logs []struct {
			RequestID      string   `json:"requestId"`
			Timestamp      int64    `json:"timestamp"`
			Query          string   `json:"query"`
			Answer         string   `json:"answer"`
			FromCache      bool     `json:"fromCache"`
			EstimatedPrice *float64 `json:"estimatedPrice"`
		} `json:"logs"`
	}
	decodeBody(t, rec, &resp)
	if len(resp.Logs) != 3 {
		t.Fatalf("expected 3 logs, got %d", len(resp.Logs))
	}
	for _, l := range resp.Logs {
		if l.RequestID == "" || l.Query == "" || l.Answer == "" {
			t.Errorf("incomplete log entry: %+v", l)
		}
		if l.Timestamp <= 0 {
			t.Errorf("expected epoch-millisecond timestamp, got %d", l.Timestamp)
		}
		if l.EstimatedPrice == nil || *l.EstimatedPrice != 990 {
			t.Errorf("expected estimatedPrice 990, got %v", l.EstimatedPrice)
		}
	}
}

func TestFeedback(t *testing.T) {
	h, store := newTestHandler(t, &fakeCompleter{answer: "Estimated: 1250 rub"})

	rec := postJSON(t, h, "/api/ask", map[string]string{"query": "ship boxes"})
	var ask struct {
		RequestID string `json:"requestId"`
	}
	decodeBody(t, rec, &ask)

	rec = postJSON(t, h, "/api/feedback", map[string]any{
		"requestId":   ask.RequestID,
		"actualPrice": 1300.0,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Success bool `json:"success"`
	}
	decodeBody(t, rec, &resp)
	if !resp.Success {
		t.Error("expected success=true")
	}

	entry, err := store.GetEntry(ask.RequestID)
	if err != nil {
		t.Fatalf("fetching entry: %v", err)
	}
	if entry.ActualPrice == nil || *entry.ActualPrice != 1300 {
		t.Errorf("expected actualPrice 1300, got %v", entry.ActualPrice)
	}
	if entry.EstimatedPrice == nil || *entry.EstimatedPrice != 1250 {
		t.Errorf("estimatedPrice must survive feedback, got %v", entry.EstimatedPrice)
	}
	if entry.FeedbackAt == nil {
		t.Error("expected feedback timestamp to be set")
	}
}

func TestFeedback_UnknownID(t *testing.T) {
	h, _ := newTestHandler(t, &fakeCompleter{answer: "ok"})

	rec := postJSON(t, h, "/api/feedback", map[string]any{
		"requestId":   "no-such-id",
		"actualPrice": 100.0,
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var resp struct {
		Error string `json:"error"`
	}
	decodeBody(t, rec, &resp)
	if resp.Error != "Log not found" {
		t.Errorf("expected error %q, got %q", "Log not found", resp.Error)
	}
}

func TestFeedback_MissingFields(t *testing.T) {
	h, _ := newTestHandler(t, &fakeCompleter{answer: "ok"})

	for name, body := range map[string]map[string]any{
		"no requestId":   {"actualPrice": 100.0},
		"no actualPrice": {"requestId": "abc"},
	} {
		rec := postJSON(t, h, "/api/feedback", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", name, rec.Code)
		}
	}
}

func TestFeedback_NegativePrice(t *testing.T) {
	h, _ := newTestHandler(t, &fakeCompleter{answer: "Estimated: 500 rub"})

	rec := postJSON(t, h, "/api/ask", map[string]string{"query": "ship boxes"})
	var ask struct {
		RequestID string `json:"requestId"`
	}
	decodeBody(t, rec, &ask)

	rec = postJSON(t, h, "/api/feedback", map[string]any{
		"requestId":   ask.RequestID,
		"actualPrice": -5.0,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestFullScenario(t *testing.T) {
	h, _ := newTestHandler(t, &fakeCompleter{answer: "Estimated: 1250 RUB for 3 boxes"})

	rec := postJSON(t, h, "/api/ask", map[string]string{"query": "3 cardboard boxes 60x40x40"})
	if rec.Code != http.StatusOK {
		t.Fatalf("ask failed: %d", rec.Code)
	}
	var ask struct {
		RequestID string `json:"requestId"`
	}
	decodeBody(t, rec, &ask)

	rec = postJSON(t, h, "/api/feedback", map[string]any{
		"requestId":   ask.RequestID,
		"actualPrice": 1300.0,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("feedback failed: %d", rec.Code)
	}

	rec = getJSON(t, h, "/api/logs")
	var resp struct {
		Logs []struct {
			RequestID         string   `json:"requestId"`
			EstimatedPrice    *float64 `json:"estimatedPrice"`
			ActualPrice       *float64 `json:"actualPrice"`
			FeedbackTimestamp *int64   `json:"feedbackTimestamp"`
		} `json:"logs"`
	}
	decodeBody(t, rec, &resp)
	if len(resp.Logs) != 1 {
		t.Fatalf("expected 1 log, got %d", len(resp.Logs))
	}
	l := resp.Logs[0]
	if l.RequestID != ask.RequestID {
		t.Errorf("requestId mismatch: %s vs %s", l.RequestID, ask.RequestID)
	}
	if l.EstimatedPrice == nil || *l.EstimatedPrice != 1250 {
		t.Errorf("expected estimatedPrice 1250, got %v", l.EstimatedPrice)
	}
	if l.ActualPrice == nil || *l.ActualPrice != 1300 {
		t.Errorf("expected actualPrice 1300, got %v", l.ActualPrice)
	}
	if l.FeedbackTimestamp == nil || *l.FeedbackTimestamp <= 0 {
		t.Errorf("expected feedbackTimestamp, got %v", l.FeedbackTimestamp)
	}
}
