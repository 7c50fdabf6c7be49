package feedback

import (
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/packlab/quotelog/internal/storage"
)

// ErrInvalidPrice is returned for a price that is negative, NaN, or infinite.
// The store is never touched in that case.
var ErrInvalidPrice = errors.New("price must be a finite non-negative number")

// Merger attaches observed prices to existing log entries.
type Merger struct {
	store *storage.Store
	now   func() time.Time
}

// NewMerger creates a Merger backed by the given store.
func NewMerger(store *storage.Store) *Merger {
	return &Merger{store: store, now: time.Now}
}

// Attach records the observed price for an existing entry, stamping the
// feedback time alongside it. Returns storage.ErrNotFound for an unknown
// request ID. Resubmitting feedback for the same entry overwrites the
// previous price and timestamp.
func (m *Merger) Attach(requestID string, actualPrice float64) error {
	if math.IsNaN(actualPrice) || math.IsInf(actualPrice, 0) || actualPrice < 0 {
		return ErrInvalidPrice
	}

	if err := m.store.AttachFeedback(requestID, actualPrice, m.now().UTC()); err != nil {
		return err
	}

	slog.Info("feedback attached", "request_id", requestID, "actual_price", actualPrice)
	return nil
}
