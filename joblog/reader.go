package joblog

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/teranos/tempo/logger"
)

// Default reader bounds, overridable per Reader.
const (
	DefaultMaxResults = 500
	DefaultBatchSize  = 100
)

// WarningTruncated tags a result set that was capped below the true total.
const WarningTruncated = "truncated_results"

// Warning flags a capped result set. It is informational: the entries
// returned are still the most recent ones available.
type Warning struct {
	Type           string `json:"type"`
	TotalAvailable int    `json:"total_available"`
	MaxResults     int    `json:"max_results"`
	Message        string `json:"message"`
}

// Result is a bounded log read: at most MaxResults entries, newest first,
// the store's true total, and a truncation warning when entries remain
// beyond this window. NextCursor, when set, is the cursor for the following
// window; nil means the read reached the oldest matching entry.
type Result struct {
	Entries    []Entry  `json:"entries"`
	Total      int      `json:"total"`
	NextCursor *int     `json:"next_cursor,omitempty"`
	Warning    *Warning `json:"warning,omitempty"`
}

// Reader serves bounded log queries against a store of unbounded size. It
// accumulates batches until the cap or the store is exhausted, issuing the
// minimum number of round trips: a single one whenever BatchSize covers
// MaxResults.
type Reader struct {
	store      Store
	maxResults int
	batchSize  int
	log        *zap.SugaredLogger
}

// NewReader creates a bounded reader. Non-positive limits fall back to the
// package defaults.
func NewReader(store Store, maxResults, batchSize int) *Reader {
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Reader{
		store:      store,
		maxResults: maxResults,
		batchSize:  batchSize,
		log:        logger.Named("joblog.reader"),
	}
}

// Fetch retrieves up to the reader's cap of the most recent entries
// matching the query, starting at cursor entries from the newest. A zero
// cursor reads the first window; passing a result's NextCursor reads the
// one after it.
func (r *Reader) Fetch(ctx context.Context, q Query, cursor int) (*Result, error) {
	if cursor < 0 {
		cursor = 0
	}
	var (
		entries []Entry
		total   int
	)
	for {
		remaining := r.maxResults - len(entries)
		if remaining <= 0 {
			break
		}
		limit := r.batchSize
		if remaining < limit {
			limit = remaining
		}

		batch, t, err := r.store.Page(ctx, q, cursor+len(entries), limit)
		if err != nil {
			return nil, err
		}
		total = t
		entries = append(entries, batch...)

		if len(batch) < limit || cursor+len(entries) >= total {
			break
		}
	}

	result := &Result{Entries: entries, Total: total}
	if next := cursor + len(entries); next < total {
		result.NextCursor = &next
		result.Warning = &Warning{
			Type:           WarningTruncated,
			TotalAvailable: total,
			MaxResults:     r.maxResults,
			Message: fmt.Sprintf(
				"Showing the %d most recent of %d log entries.",
				r.maxResults, total),
		}
		r.log.Debugw("Truncated log read",
			"run_id", q.RunID, "cursor", cursor, "total", total, "max_results", r.maxResults)
	}
	return result, nil
}
