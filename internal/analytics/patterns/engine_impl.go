package patterns

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/newsdigest/watchtower/internal/intake"
	"github.com/newsdigest/watchtower/internal/metrics"
	"github.com/newsdigest/watchtower/internal/models"
)

// maxAliasesPerRecord caps the merged signatures remembered per record. An
// evicted alias only costs a similarity scan the next time it is seen.
const maxAliasesPerRecord = 32

type alias struct {
	canonical string
	lastSeen  time.Time
}

type engineImpl struct {
	cfg    Config
	mu     sync.Mutex
	sink   RecordSink
	logger *zap.Logger

	records map[string]*models.PatternRecord
	// aliases maps a merged signature to the record it was folded into;
	// aliasesOf is the reverse index used for the cap and for expiry.
	aliases   map[string]*alias
	aliasesOf map[string]map[string]struct{}
	// byTokens indexes record signatures by token count for similarity lookup.
	byTokens map[int]map[string][]string
}

// Option configures an Engine.
type Option func(*engineImpl)

// WithRecordSink persists records as they change.
func WithRecordSink(sink RecordSink) Option {
	return func(e *engineImpl) { e.sink = sink }
}

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *engineImpl) { e.logger = logger }
}

// NewEngine creates a pattern engine.
func NewEngine(cfg Config, opts ...Option) Engine {
	if cfg.MinFrequency < 1 {
		cfg.MinFrequency = 1
	}
	if cfg.MaxExamples < 1 {
		cfg.MaxExamples = 1
	}
	e := &engineImpl{
		cfg:       cfg,
		logger:    zap.NewNop(),
		records:   make(map[string]*models.PatternRecord),
		aliases:   make(map[string]*alias),
		aliasesOf: make(map[string]map[string]struct{}),
		byTokens:  make(map[int]map[string][]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Ingest folds one event into its record.
func (e *engineImpl) Ingest(event models.LogEvent) (models.PatternFinding, bool) {
	sig := event.NormalizedSignature
	if sig == "" {
		sig = intake.Signature(event.RawText)
	}
	if sig == "" {
		return models.PatternFinding{}, false
	}
	at := event.Timestamp

	e.mu.Lock()
	rec := e.lookupLocked(sig, at)
	if rec == nil {
		rec = &models.PatternRecord{
			Signature: sig,
			FirstSeen: at,
			Severity:  models.SeverityLow,
		}
		e.addLocked(rec)
	}

	rec.Frequency++
	if at.After(rec.LastSeen) {
		rec.LastSeen = at
	}
	if at.Before(rec.FirstSeen) {
		rec.FirstSeen = at
	}
	if sev := models.SeverityForLevel(event.Level); sev.Rank() > rec.Severity.Rank() {
		rec.Severity = sev
	}
	e.addExampleLocked(rec, event.RawText)
	e.addHitLocked(rec, at)

	var finding models.PatternFinding
	fired := false
	if len(rec.WindowHits) >= e.cfg.MinFrequency &&
		(rec.LastFindingAt.IsZero() || at.Sub(rec.LastFindingAt) > e.cfg.Window) {
		rec.LastFindingAt = at
		finding = models.PatternFinding{
			Signature: rec.Signature,
			Frequency: rec.Frequency,
			Severity:  rec.Severity,
		}
		fired = true
	}
	snapshot := cloneRecord(rec)
	e.mu.Unlock()

	if e.sink != nil {
		e.sink.UpsertPattern(snapshot)
	}
	if fired {
		e.logger.Info("pattern crossed frequency bar",
			zap.String("signature", finding.Signature),
			zap.Int64("frequency", finding.Frequency),
			zap.String("severity", string(finding.Severity)),
		)
	}
	return finding, fired
}

// lookupLocked resolves a signature to its record via exact match, alias,
// then similarity.
func (e *engineImpl) lookupLocked(sig string, at time.Time) *models.PatternRecord {
	if rec, ok := e.records[sig]; ok {
		return rec
	}
	if a, ok := e.aliases[sig]; ok {
		if rec, ok := e.records[a.canonical]; ok {
			if at.After(a.lastSeen) {
				a.lastSeen = at
			}
			return rec
		}
		e.dropAliasLocked(sig)
	}

	tokens := intake.Tokens(sig)
	var best *models.PatternRecord
	bestScore := 0.0
	for candidate, candTokens := range e.byTokens[len(tokens)] {
		score := jaccard(tokens, candTokens)
		if score >= e.cfg.SimilarityThreshold && (score > bestScore || (score == bestScore && best != nil && candidate < best.Signature)) {
			best = e.records[candidate]
			bestScore = score
		}
	}
	if best != nil {
		e.addAliasLocked(sig, best.Signature, at)
	}
	return best
}

func (e *engineImpl) addAliasLocked(sig, canonical string, at time.Time) {
	set, ok := e.aliasesOf[canonical]
	if !ok {
		set = make(map[string]struct{})
		e.aliasesOf[canonical] = set
	}
	if len(set) >= maxAliasesPerRecord {
		var oldest string
		for name := range set {
			if oldest == "" || e.aliases[name].lastSeen.Before(e.aliases[oldest].lastSeen) {
				oldest = name
			}
		}
		e.dropAliasLocked(oldest)
	}
	e.aliases[sig] = &alias{canonical: canonical, lastSeen: at}
	set[sig] = struct{}{}
}

func (e *engineImpl) dropAliasLocked(sig string) {
	a, ok := e.aliases[sig]
	if !ok {
		return
	}
	delete(e.aliases, sig)
	if set, ok := e.aliasesOf[a.canonical]; ok {
		delete(set, sig)
		if len(set) == 0 {
			delete(e.aliasesOf, a.canonical)
		}
	}
}

// aliasCount returns how many merged signatures are remembered.
func (e *engineImpl) aliasCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.aliases)
}

func (e *engineImpl) addLocked(rec *models.PatternRecord) {
	e.records[rec.Signature] = rec
	tokens := intake.Tokens(rec.Signature)
	idx, ok := e.byTokens[len(tokens)]
	if !ok {
		idx = make(map[string][]string)
		e.byTokens[len(tokens)] = idx
	}
	idx[rec.Signature] = tokens
	metrics.PatternRecords.Set(float64(len(e.records)))
}

func (e *engineImpl) removeLocked(sig string) {
	delete(e.records, sig)
	n := len(intake.Tokens(sig))
	if idx, ok := e.byTokens[n]; ok {
		delete(idx, sig)
		if len(idx) == 0 {
			delete(e.byTokens, n)
		}
	}
	for name := range e.aliasesOf[sig] {
		delete(e.aliases, name)
	}
	delete(e.aliasesOf, sig)
	metrics.PatternRecords.Set(float64(len(e.records)))
}

func (e *engineImpl) addExampleLocked(rec *models.PatternRecord, text string) {
	if text == "" || len(rec.ExampleTexts) >= e.cfg.MaxExamples {
		return
	}
	for _, ex := range rec.ExampleTexts {
		if ex == text {
			return
		}
	}
	rec.ExampleTexts = append(rec.ExampleTexts, text)
}

// addHitLocked records a hit and keeps only hits inside the window. At most
// MinFrequency hits are kept: that is all the bar check needs.
func (e *engineImpl) addHitLocked(rec *models.PatternRecord, at time.Time) {
	hits := append(rec.WindowHits, at)
	sort.Slice(hits, func(i, j int) bool { return hits[i].Before(hits[j]) })

	cutoff := at.Add(-e.cfg.Window)
	kept := hits[:0]
	for _, h := range hits {
		if !h.Before(cutoff) {
			kept = append(kept, h)
		}
	}
	if len(kept) > e.cfg.MinFrequency {
		kept = kept[len(kept)-e.cfg.MinFrequency:]
	}
	rec.WindowHits = append([]time.Time(nil), kept...)
}

// Sweep expires records not seen within the retention horizon.
func (e *engineImpl) Sweep(now time.Time) int {
	cutoff := now.Add(-e.cfg.Retention)

	e.mu.Lock()
	var expired []string
	for sig, rec := range e.records {
		if rec.LastSeen.Before(cutoff) {
			expired = append(expired, sig)
		}
	}
	for _, sig := range expired {
		e.removeLocked(sig)
	}
	for name, a := range e.aliases {
		if a.lastSeen.Before(cutoff) {
			e.dropAliasLocked(name)
		}
	}
	e.mu.Unlock()

	if e.sink != nil {
		for _, sig := range expired {
			e.sink.DeletePattern(sig)
		}
	}
	if len(expired) > 0 {
		e.logger.Debug("expired pattern records", zap.Int("count", len(expired)))
	}
	return len(expired)
}

// Records lists records by frequency, then signature.
func (e *engineImpl) Records() []models.PatternRecord {
	e.mu.Lock()
	out := make([]models.PatternRecord, 0, len(e.records))
	for _, rec := range e.records {
		out = append(out, cloneRecord(rec))
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Frequency != out[j].Frequency {
			return out[i].Frequency > out[j].Frequency
		}
		return out[i].Signature < out[j].Signature
	})
	return out
}

// Get returns the record a signature maps to, following aliases.
func (e *engineImpl) Get(signature string) (models.PatternRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.records[signature]
	if !ok {
		if a, aliased := e.aliases[signature]; aliased {
			rec, ok = e.records[a.canonical]
		}
	}
	if !ok {
		return models.PatternRecord{}, false
	}
	return cloneRecord(rec), true
}

// Restore replaces in-memory state with persisted records.
func (e *engineImpl) Restore(records []models.PatternRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.records = make(map[string]*models.PatternRecord, len(records))
	e.aliases = make(map[string]*alias)
	e.aliasesOf = make(map[string]map[string]struct{})
	e.byTokens = make(map[int]map[string][]string)
	for _, r := range records {
		if r.Signature == "" {
			continue
		}
		rec := cloneRecord(&r)
		e.addLocked(&rec)
	}
}

func cloneRecord(rec *models.PatternRecord) models.PatternRecord {
	out := *rec
	out.ExampleTexts = append([]string(nil), rec.ExampleTexts...)
	out.WindowHits = append([]time.Time(nil), rec.WindowHits...)
	return out
}

// jaccard returns |A∩B| / |A∪B| over token sets.
func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	union := len(set)
	inter := 0
	seen := make(map[string]bool, len(b))
	for _, t := range b {
		if seen[t] {
			continue
		}
		seen[t] = true
		if set[t] {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
