package patterns

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newsdigest/watchtower/internal/intake"
	"github.com/newsdigest/watchtower/internal/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		MinFrequency:        3,
		Window:              30 * time.Minute,
		Retention:           24 * time.Hour,
		SimilarityThreshold: 0.8,
		MaxExamples:         2,
	}
}

func event(t *testing.T, line string, at time.Time) models.LogEvent {
	t.Helper()
	ev, err := intake.DefaultLimits().ParseLogLine(line, at)
	require.NoError(t, err)
	return ev
}

type memorySink struct {
	mu      sync.Mutex
	upserts map[string]models.PatternRecord
	deletes []string
}

func newMemorySink() *memorySink {
	return &memorySink{upserts: make(map[string]models.PatternRecord)}
}

func (s *memorySink) UpsertPattern(rec models.PatternRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts[rec.Signature] = rec
}

func (s *memorySink) DeletePattern(signature string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, signature)
}

func TestConnectionRefusedScenario(t *testing.T) {
	e := NewEngine(testConfig())

	var findings []int
	for i := 0; i < 4; i++ {
		at := t0.Add(time.Duration(i) * 3 * time.Minute)
		if f, ok := e.Ingest(event(t, "[ERROR] connection refused", at)); ok {
			findings = append(findings, i+1)
			assert.Equal(t, "connection refused", f.Signature)
			assert.Equal(t, int64(3), f.Frequency)
			assert.Equal(t, models.SeverityHigh, f.Severity)
		}
	}
	assert.Equal(t, []int{3}, findings, "exactly one finding, at the 3rd occurrence")

	rec, ok := e.Get("connection refused")
	require.True(t, ok)
	assert.Equal(t, int64(4), rec.Frequency)
	assert.Equal(t, t0, rec.FirstSeen)
	assert.Equal(t, t0.Add(9*time.Minute), rec.LastSeen)
	assert.Equal(t, t0.Add(6*time.Minute), rec.LastFindingAt)
}

func TestBarRequiresHitsInsideWindow(t *testing.T) {
	e := NewEngine(testConfig())

	_, ok := e.Ingest(event(t, "WARN slow query", t0))
	assert.False(t, ok)
	_, ok = e.Ingest(event(t, "WARN slow query", t0.Add(20*time.Minute)))
	assert.False(t, ok)
	// the first hit is now outside the 30 minute window
	_, ok = e.Ingest(event(t, "WARN slow query", t0.Add(40*time.Minute)))
	assert.False(t, ok)
	_, ok = e.Ingest(event(t, "WARN slow query", t0.Add(45*time.Minute)))
	assert.True(t, ok)
}

func TestFindingRefiresAfterWindow(t *testing.T) {
	e := NewEngine(testConfig())

	fired := 0
	// one event a minute for two hours
	for i := 0; i < 120; i++ {
		if _, ok := e.Ingest(event(t, "ERROR disk full", t0.Add(time.Duration(i)*time.Minute))); ok {
			fired++
		}
	}
	// fires at minute 2, then once the previous finding is older than 30m: 33, 64, 95
	assert.Equal(t, 4, fired)
}

func TestFrequencyMonotonicAndSeverityHighest(t *testing.T) {
	e := NewEngine(testConfig())

	var last int64
	for i, line := range []string{"INFO cache warmup 1", "FATAL cache warmup 2", "WARN cache warmup 3"} {
		e.Ingest(event(t, line, t0.Add(time.Duration(i)*time.Second)))
		rec, ok := e.Get("cache warmup <num>")
		require.True(t, ok)
		assert.Greater(t, rec.Frequency, last)
		last = rec.Frequency
	}
	rec, _ := e.Get("cache warmup <num>")
	assert.Equal(t, models.SeverityCritical, rec.Severity)
	assert.Len(t, rec.ExampleTexts, 2, "examples are bounded")
}

func TestSimilarSignaturesMerge(t *testing.T) {
	e := NewEngine(testConfig())

	e.Ingest(event(t, "ERROR job 17 failed while writing the daily report chunk to disk", t0))
	e.Ingest(event(t, "ERROR job nightly failed while writing the daily report chunk to disk", t0.Add(time.Second)))
	e.Ingest(event(t, "ERROR job nightly failed while writing the daily report chunk to disk", t0.Add(2*time.Second)))

	records := e.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "job <num> failed while writing the daily report chunk to disk", records[0].Signature)
	assert.Equal(t, int64(3), records[0].Frequency)

	alias, ok := e.Get("job nightly failed while writing the daily report chunk to disk")
	require.True(t, ok)
	assert.Equal(t, records[0].Signature, alias.Signature)

	// different token count never merges
	e.Ingest(event(t, "ERROR job failed", t0))
	assert.Len(t, e.Records(), 2)
}

// jobName returns a distinct lowercase word that survives token masking.
func jobName(i int) string {
	const letters = "ghijklmnopqrstuvwxyz"
	return "w" + string(letters[i/len(letters)%len(letters)]) + string(letters[i%len(letters)])
}

func TestAliasesAreCappedPerRecord(t *testing.T) {
	e := NewEngine(testConfig())
	e.Ingest(event(t, "ERROR job 17 failed while writing the daily report chunk to disk", t0))
	for i := 0; i < 100; i++ {
		e.Ingest(event(t, "ERROR job "+jobName(i)+" failed while writing the daily report chunk to disk",
			t0.Add(time.Duration(i+1)*time.Second)))
	}

	records := e.Records()
	require.Len(t, records, 1)
	assert.Equal(t, int64(101), records[0].Frequency)
	assert.Equal(t, maxAliasesPerRecord, e.(*engineImpl).aliasCount())

	// The most recent alias is kept, the oldest evicted.
	_, ok := e.Get("job " + jobName(99) + " failed while writing the daily report chunk to disk")
	assert.True(t, ok)
	_, ok = e.Get("job " + jobName(0) + " failed while writing the daily report chunk to disk")
	assert.False(t, ok)
}

func TestSweepExpiresIdleAliases(t *testing.T) {
	e := NewEngine(testConfig())
	e.Ingest(event(t, "ERROR job 17 failed while writing the daily report chunk to disk", t0))
	for i := 0; i < 5; i++ {
		e.Ingest(event(t, "ERROR job "+jobName(i)+" failed while writing the daily report chunk to disk", t0))
	}
	require.Equal(t, 5, e.(*engineImpl).aliasCount())

	// The record stays alive; its aliases go idle.
	later := t0.Add(30 * time.Hour)
	e.Ingest(event(t, "ERROR job 18 failed while writing the daily report chunk to disk", later))
	assert.Equal(t, 0, e.Sweep(later))
	assert.Equal(t, 0, e.(*engineImpl).aliasCount())
	assert.Len(t, e.Records(), 1)
}

func TestDissimilarSignaturesStaySeparate(t *testing.T) {
	e := NewEngine(testConfig())
	e.Ingest(event(t, "ERROR connection refused", t0))
	e.Ingest(event(t, "ERROR connection reset", t0))
	assert.Len(t, e.Records(), 2)
}

func TestSweepExpiresStaleRecords(t *testing.T) {
	sink := newMemorySink()
	e := NewEngine(testConfig(), WithRecordSink(sink))

	e.Ingest(event(t, "ERROR old failure", t0))
	e.Ingest(event(t, "ERROR recent failure", t0.Add(23*time.Hour)))
	require.Len(t, sink.upserts, 2)

	assert.Equal(t, 0, e.Sweep(t0.Add(23*time.Hour)))
	assert.Equal(t, 1, e.Sweep(t0.Add(25*time.Hour)))

	records := e.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "recent failure", records[0].Signature)
	assert.Equal(t, []string{"old failure"}, sink.deletes)

	// an expired record starts again from one
	e.Ingest(event(t, "ERROR old failure", t0.Add(26*time.Hour)))
	rec, ok := e.Get("old failure")
	require.True(t, ok)
	assert.Equal(t, int64(1), rec.Frequency)
}

func TestRestore(t *testing.T) {
	e := NewEngine(testConfig())
	e.Restore([]models.PatternRecord{{
		Signature:     "connection refused",
		Frequency:     2,
		FirstSeen:     t0,
		LastSeen:      t0.Add(time.Minute),
		Severity:      models.SeverityHigh,
		WindowHits:    []time.Time{t0, t0.Add(time.Minute)},
		LastFindingAt: time.Time{},
	}})

	f, ok := e.Ingest(event(t, "[ERROR] connection refused", t0.Add(2*time.Minute)))
	require.True(t, ok, "restored hits count toward the bar")
	assert.Equal(t, int64(3), f.Frequency)
}

func TestJaccard(t *testing.T) {
	assert.Equal(t, 1.0, jaccard(nil, nil))
	assert.Equal(t, 1.0, jaccard([]string{"a", "b"}, []string{"b", "a"}))
	assert.InDelta(t, 1.0/3.0, jaccard([]string{"a", "b"}, []string{"b", "c"}), 1e-9)
	assert.Equal(t, 0.0, jaccard([]string{"a"}, []string{"b"}))
}
