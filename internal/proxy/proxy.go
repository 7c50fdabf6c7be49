package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/packlab/quotelog/internal/storage"
)

// ErrEmptyQuery is returned when the query is empty after trimming. Rejected
// before any external call or store write.
var ErrEmptyQuery = errors.New("query must not be empty")

// ErrModelUnavailable wraps any failure of the external model call: timeout,
// upstream error, or an open circuit breaker. No entry is stored.
var ErrModelUnavailable = errors.New("model unavailable")

// Completer is the external generative-model call.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Result is the outcome of a successful Ask.
type Result struct {
	RequestID      string
	Answer         string
	FromCache      bool
	EstimatedPrice *float64
}

// Proxy forwards queries to the external model and records every answer in
// the log store under a freshly minted request ID.
type Proxy struct {
	store   *storage.Store
	model   Completer
	cache   Cache // optional; nil disables caching
	timeout time.Duration
	group   singleflight.Group
	breaker *gobreaker.CircuitBreaker
	now     func() time.Time
}

// New creates a Proxy. timeout bounds each model call; pass a nil cache to
// disable answer reuse.
func New(store *storage.Store, model Completer, cache Cache, timeout time.Duration) *Proxy {
	return &Proxy{
		store:   store,
		model:   model,
		cache:   cache,
		timeout: timeout,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "model",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("model circuit breaker state change", "from", from.String(), "to", to.String())
			},
		}),
		now: time.Now,
	}
}

// Ask validates the query, obtains an answer (cached or fresh), and persists
// exactly one LogEntry. A failed model call writes nothing.
func (p *Proxy) Ask(ctx context.Context, query string) (Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Result{}, ErrEmptyQuery
	}

	answer, fresh, err := p.answer(ctx, query)
	if err != nil {
		return Result{}, err
	}

	entry := storage.LogEntry{
		RequestID:      uuid.New().String(),
		CreatedAt:      p.now().UTC(),
		Query:          query,
		Answer:         answer,
		FromCache:      !fresh,
		EstimatedPrice: ExtractPrice(answer),
	}
	if err := p.store.SaveEntry(entry); err != nil {
		return Result{}, fmt.Errorf("saving log entry: %w", err)
	}

	slog.Info("query answered",
		"request_id", entry.RequestID,
		"from_cache", entry.FromCache,
		"query_len", len(query),
	)

	return Result{
		RequestID:      entry.RequestID,
		Answer:         answer,
		FromCache:      entry.FromCache,
		EstimatedPrice: entry.EstimatedPrice,
	}, nil
}

// answer returns the answer text and whether it came from a fresh model call
// made on behalf of this specific request. Concurrent identical queries are
// collapsed into one upstream call; only the caller whose closure executed
// counts as fresh.
func (p *Proxy) answer(ctx context.Context, query string) (string, bool, error) {
	if p.cache != nil {
		if cached, ok := p.cache.Probe(ctx, query); ok {
			return cached, false, nil
		}
	}

	fresh := false
	v, err, _ := p.group.Do(query, func() (any, error) {
		fresh = true

		callCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()

		res, err := p.breaker.Execute(func() (any, error) {
			return p.model.Complete(callCtx, query)
		})
		if err != nil {
			return nil, err
		}
		return res.(string), nil
	})
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}

	answer := v.(string)
	if fresh && p.cache != nil {
		p.cache.Store(ctx, query, answer)
	}
	return answer, fresh, nil
}
