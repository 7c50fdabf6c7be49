package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// LogEntry is one persisted query/answer pair. RequestID is the primary key,
// minted by the proxy at creation. ActualPrice and FeedbackAt are set together
// by a later feedback submission or not at all.
type LogEntry struct {
	RequestID      string
	CreatedAt      time.Time
	Query          string
	Answer         string
	FromCache      bool
	EstimatedPrice *float64
	ActualPrice    *float64
	FeedbackAt     *time.Time
}
