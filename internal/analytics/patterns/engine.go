package patterns

import (
	"time"

	"github.com/newsdigest/watchtower/internal/models"
)

// Package patterns clusters log events into PatternRecords and emits a
// PatternFinding when a recurring signature crosses the frequency bar.
//
// Clustering:
//   1. Frequency: events with the same normalized signature share a record
//   2. Similarity: a new signature with the same token count as an existing
//      record and token Jaccard similarity >= similarity_threshold merges
//      into that record
//
// Findings are edge-triggered: the first time hits inside the rolling window
// reach min_frequency, and again only once the previous finding has aged
// out of the window. Repeat occurrences inside the window never re-fire.
//
// Sweep expires records whose last_seen is older than the retention horizon.

// Config controls clustering and the frequency bar.
type Config struct {
	MinFrequency        int
	Window              time.Duration
	Retention           time.Duration
	SimilarityThreshold float64
	MaxExamples         int
}

// RecordSink persists pattern records as they change.
type RecordSink interface {
	UpsertPattern(rec models.PatternRecord)
	DeletePattern(signature string)
}

// Engine owns every PatternRecord.
type Engine interface {
	// Ingest folds one event into its record and returns a finding when the
	// frequency bar is crossed.
	Ingest(event models.LogEvent) (models.PatternFinding, bool)

	// Sweep expires stale records and returns how many were removed.
	Sweep(now time.Time) int

	// Records lists current records, most frequent first.
	Records() []models.PatternRecord

	// Get returns the record a signature maps to.
	Get(signature string) (models.PatternRecord, bool)

	// Restore replaces in-memory state with persisted records.
	Restore(records []models.PatternRecord)
}
