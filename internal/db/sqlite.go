package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/newsdigest/watchtower/internal/models"
)

// migrations define the watchtower schema.
// Version is tracked in the schema_versions table.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS alerts (
    id                TEXT PRIMARY KEY,
    dedupe_key        TEXT NOT NULL,
    severity          TEXT NOT NULL,
    status            TEXT NOT NULL,
    message           TEXT NOT NULL DEFAULT '',
    source_finding    TEXT NOT NULL DEFAULT '{}',
    created_at        TEXT NOT NULL,
    updated_at        TEXT NOT NULL,
    escalation_level  INTEGER NOT NULL DEFAULT 0,
    occurrences       INTEGER NOT NULL DEFAULT 1,
    acknowledged_by   TEXT NOT NULL DEFAULT '',
    resolved_by       TEXT NOT NULL DEFAULT '',
    assignee          TEXT NOT NULL DEFAULT '',
    pending_channels  TEXT NOT NULL DEFAULT '[]',
    reopened_from     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status);
CREATE INDEX IF NOT EXISTS idx_alerts_updated_at ON alerts(updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_alerts_dedupe_key ON alerts(dedupe_key);

CREATE TABLE IF NOT EXISTS threshold_history (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    metric_name     TEXT NOT NULL,
    threshold       REAL NOT NULL,
    base_threshold  REAL NOT NULL,
    mean            REAL NOT NULL DEFAULT 0.0,
    stddev          REAL NOT NULL DEFAULT 0.0,
    trend           REAL NOT NULL DEFAULT 0.0,
    reason          TEXT NOT NULL,
    recorded_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_threshold_history_metric ON threshold_history(metric_name, id DESC);

CREATE TABLE IF NOT EXISTS metric_samples (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    metric_name  TEXT NOT NULL,
    value        REAL NOT NULL,
    timestamp    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_metric_samples_metric ON metric_samples(metric_name, id DESC);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS pattern_records (
    signature        TEXT PRIMARY KEY,
    frequency        INTEGER NOT NULL DEFAULT 0,
    first_seen       TEXT NOT NULL,
    last_seen        TEXT NOT NULL,
    severity         TEXT NOT NULL,
    example_texts    TEXT NOT NULL DEFAULT '[]',
    last_finding_at  TEXT NOT NULL DEFAULT '',
    window_hits      TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_pattern_records_last_seen ON pattern_records(last_seen);

CREATE TABLE IF NOT EXISTS notification_records (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    alert_id      TEXT NOT NULL,
    channel       TEXT NOT NULL,
    attempt       INTEGER NOT NULL,
    attempted_at  TEXT NOT NULL,
    success       BOOLEAN NOT NULL,
    error         TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_notification_records_alert ON notification_records(alert_id, id ASC);
`,
	},
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

// sqliteStore is the SQLite-backed implementation of Store.
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// SQLite has a single writer; one connection also keeps ":memory:" to
	// a single database.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrency and performance.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &sqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqliteStore) migrate() error {
	// Ensure schema_versions table exists before reading from it.
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}

		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}

		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Alerts ───────────────────────────────────────────────────────────────────

const alertColumns = `id, dedupe_key, severity, status, message, source_finding, created_at, updated_at,
    escalation_level, occurrences, acknowledged_by, resolved_by, assignee, pending_channels, reopened_from`

func (s *sqliteStore) SaveAlert(ctx context.Context, a *models.Alert) error {
	finding, err := json.Marshal(a.SourceFinding)
	if err != nil {
		return fmt.Errorf("marshal source finding: %w", err)
	}
	pending, err := json.Marshal(nonNil(a.PendingChannels))
	if err != nil {
		return fmt.Errorf("marshal pending channels: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
        INSERT INTO alerts(`+alertColumns+`)
        VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
        ON CONFLICT(id) DO UPDATE SET
            severity         = excluded.severity,
            status           = excluded.status,
            message          = excluded.message,
            updated_at       = excluded.updated_at,
            escalation_level = excluded.escalation_level,
            occurrences      = excluded.occurrences,
            acknowledged_by  = excluded.acknowledged_by,
            resolved_by      = excluded.resolved_by,
            assignee         = excluded.assignee,
            pending_channels = excluded.pending_channels
        WHERE excluded.updated_at >= alerts.updated_at
    `,
		a.ID, a.DedupeKey, string(a.Severity), string(a.Status), a.Message, string(finding),
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
		a.EscalationLevel, a.Occurrences, a.AcknowledgedBy, a.ResolvedBy, a.Assignee,
		string(pending), a.ReopenedFrom,
	)
	if err != nil {
		return fmt.Errorf("upsert alert: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id=?`, id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *sqliteStore) ListAlerts(ctx context.Context, q AlertQuery) ([]models.Alert, error) {
	var (
		where []string
		args  []any
	)
	if len(q.Statuses) > 0 {
		marks := make([]string, len(q.Statuses))
		for i, st := range q.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ",")+")")
	}
	if !q.Since.IsZero() {
		where = append(where, "updated_at >= ?")
		args = append(args, formatTime(q.Since))
	}

	query := `SELECT ` + alertColumns + ` FROM alerts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAlert(row scanner) (models.Alert, error) {
	var (
		a                    models.Alert
		severity, status     string
		finding, pending     string
		createdAt, updatedAt string
	)
	err := row.Scan(&a.ID, &a.DedupeKey, &severity, &status, &a.Message, &finding, &createdAt, &updatedAt,
		&a.EscalationLevel, &a.Occurrences, &a.AcknowledgedBy, &a.ResolvedBy, &a.Assignee, &pending, &a.ReopenedFrom)
	if err != nil {
		return models.Alert{}, err
	}
	a.Severity = models.Severity(severity)
	a.Status = models.AlertStatus(status)
	a.CreatedAt, _ = parseTime(createdAt)
	a.UpdatedAt, _ = parseTime(updatedAt)
	if err := json.Unmarshal([]byte(finding), &a.SourceFinding); err != nil {
		return models.Alert{}, fmt.Errorf("decode source finding of %s: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(pending), &a.PendingChannels); err != nil {
		return models.Alert{}, fmt.Errorf("decode pending channels of %s: %w", a.ID, err)
	}
	if len(a.PendingChannels) == 0 {
		a.PendingChannels = nil
	}
	return a, nil
}

// ─── Threshold history ────────────────────────────────────────────────────────

func (s *sqliteStore) AppendThresholdHistory(ctx context.Context, h *models.ThresholdHistory) error {
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO threshold_history(metric_name, threshold, base_threshold, mean, stddev, trend, reason, recorded_at)
        VALUES(?,?,?,?,?,?,?,?)
    `, h.MetricName, h.Threshold, h.BaseThreshold, h.Mean, h.StdDev, h.Trend, h.Reason, formatTime(h.RecordedAt))
	if err != nil {
		return fmt.Errorf("insert threshold history: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		h.ID = id
	}
	return nil
}

func (s *sqliteStore) QueryThresholdHistory(ctx context.Context, metric string, limit int) ([]models.ThresholdHistory, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, metric_name, threshold, base_threshold, mean, stddev, trend, reason, recorded_at
        FROM threshold_history WHERE metric_name=? ORDER BY id DESC LIMIT ?
    `, metric, limit)
	if err != nil {
		return nil, fmt.Errorf("query threshold history: %w", err)
	}
	defer rows.Close()

	var out []models.ThresholdHistory
	for rows.Next() {
		var h models.ThresholdHistory
		var ts string
		if err := rows.Scan(&h.ID, &h.MetricName, &h.Threshold, &h.BaseThreshold, &h.Mean, &h.StdDev, &h.Trend, &h.Reason, &ts); err != nil {
			return nil, err
		}
		h.RecordedAt, _ = parseTime(ts)
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *sqliteStore) LatestOverrides(ctx context.Context) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT h.metric_name, h.base_threshold
        FROM threshold_history h
        JOIN (
            SELECT metric_name, MAX(id) AS id FROM threshold_history
            WHERE reason = ? GROUP BY metric_name
        ) latest ON latest.id = h.id
    `, models.ReasonManualOverride)
	if err != nil {
		return nil, fmt.Errorf("query overrides: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var name string
		var base float64
		if err := rows.Scan(&name, &base); err != nil {
			return nil, err
		}
		out[name] = base
	}
	return out, rows.Err()
}

// ─── Samples ──────────────────────────────────────────────────────────────────

func (s *sqliteStore) AppendSample(ctx context.Context, sample *models.MetricSample) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO metric_samples(metric_name, value, timestamp) VALUES(?,?,?)`,
		sample.Name, sample.Value, formatTime(sample.Timestamp))
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

func (s *sqliteStore) PruneSamples(ctx context.Context, metric string, keep int) error {
	_, err := s.db.ExecContext(ctx, `
        DELETE FROM metric_samples
        WHERE metric_name = ? AND id NOT IN (
            SELECT id FROM metric_samples WHERE metric_name = ? ORDER BY id DESC LIMIT ?
        )
    `, metric, metric, keep)
	if err != nil {
		return fmt.Errorf("prune samples: %w", err)
	}
	return nil
}

func (s *sqliteStore) RecentSamples(ctx context.Context, metric string, limit int) ([]models.MetricSample, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT metric_name, value, timestamp FROM (
            SELECT id, metric_name, value, timestamp FROM metric_samples
            WHERE metric_name = ? ORDER BY id DESC LIMIT ?
        ) ORDER BY id ASC
    `, metric, limit)
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	defer rows.Close()

	var out []models.MetricSample
	for rows.Next() {
		var sm models.MetricSample
		var ts string
		if err := rows.Scan(&sm.Name, &sm.Value, &ts); err != nil {
			return nil, err
		}
		sm.Timestamp, _ = parseTime(ts)
		out = append(out, sm)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MetricNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT metric_name FROM metric_samples ORDER BY metric_name`)
	if err != nil {
		return nil, fmt.Errorf("query metric names: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// ─── Patterns ─────────────────────────────────────────────────────────────────

func (s *sqliteStore) UpsertPattern(ctx context.Context, rec *models.PatternRecord) error {
	examples, err := json.Marshal(nonNil(rec.ExampleTexts))
	if err != nil {
		return fmt.Errorf("marshal examples: %w", err)
	}
	hits := make([]string, len(rec.WindowHits))
	for i, h := range rec.WindowHits {
		hits[i] = formatTime(h)
	}
	hitsJSON, err := json.Marshal(hits)
	if err != nil {
		return fmt.Errorf("marshal window hits: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
        INSERT INTO pattern_records(signature, frequency, first_seen, last_seen, severity, example_texts, last_finding_at, window_hits)
        VALUES(?,?,?,?,?,?,?,?)
        ON CONFLICT(signature) DO UPDATE SET
            frequency       = excluded.frequency,
            first_seen      = excluded.first_seen,
            last_seen       = excluded.last_seen,
            severity        = excluded.severity,
            example_texts   = excluded.example_texts,
            last_finding_at = excluded.last_finding_at,
            window_hits     = excluded.window_hits
    `, rec.Signature, rec.Frequency, formatTime(rec.FirstSeen), formatTime(rec.LastSeen), string(rec.Severity),
		string(examples), formatTime(rec.LastFindingAt), string(hitsJSON))
	if err != nil {
		return fmt.Errorf("upsert pattern: %w", err)
	}
	return nil
}

func (s *sqliteStore) DeletePattern(ctx context.Context, signature string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pattern_records WHERE signature=?`, signature); err != nil {
		return fmt.Errorf("delete pattern: %w", err)
	}
	return nil
}

func (s *sqliteStore) ListPatterns(ctx context.Context) ([]models.PatternRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT signature, frequency, first_seen, last_seen, severity, example_texts, last_finding_at, window_hits
        FROM pattern_records ORDER BY frequency DESC, signature ASC
    `)
	if err != nil {
		return nil, fmt.Errorf("query patterns: %w", err)
	}
	defer rows.Close()

	var out []models.PatternRecord
	for rows.Next() {
		var (
			rec                                models.PatternRecord
			severity, examples, hits           string
			firstSeen, lastSeen, lastFindingAt string
		)
		if err := rows.Scan(&rec.Signature, &rec.Frequency, &firstSeen, &lastSeen, &severity, &examples, &lastFindingAt, &hits); err != nil {
			return nil, err
		}
		rec.Severity = models.Severity(severity)
		rec.FirstSeen, _ = parseTime(firstSeen)
		rec.LastSeen, _ = parseTime(lastSeen)
		rec.LastFindingAt, _ = parseTime(lastFindingAt)
		if err := json.Unmarshal([]byte(examples), &rec.ExampleTexts); err != nil {
			return nil, fmt.Errorf("decode examples of %q: %w", rec.Signature, err)
		}
		var hitStrings []string
		if err := json.Unmarshal([]byte(hits), &hitStrings); err != nil {
			return nil, fmt.Errorf("decode window hits of %q: %w", rec.Signature, err)
		}
		for _, h := range hitStrings {
			if t, err := parseTime(h); err == nil {
				rec.WindowHits = append(rec.WindowHits, t)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ─── Notifications ────────────────────────────────────────────────────────────

func (s *sqliteStore) AppendNotification(ctx context.Context, rec *models.NotificationRecord) error {
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO notification_records(alert_id, channel, attempt, attempted_at, success, error)
        VALUES(?,?,?,?,?,?)
    `, rec.AlertID, rec.Channel, rec.Attempt, formatTime(rec.AttemptedAt), rec.Success, rec.Error)
	if err != nil {
		return fmt.Errorf("insert notification record: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

func (s *sqliteStore) ListNotifications(ctx context.Context, alertID string) ([]models.NotificationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, alert_id, channel, attempt, attempted_at, success, error
        FROM notification_records WHERE alert_id=? ORDER BY id ASC
    `, alertID)
	if err != nil {
		return nil, fmt.Errorf("query notification records: %w", err)
	}
	defer rows.Close()

	var out []models.NotificationRecord
	for rows.Next() {
		var rec models.NotificationRecord
		var ts string
		if err := rows.Scan(&rec.ID, &rec.AlertID, &rec.Channel, &rec.Attempt, &ts, &rec.Success, &rec.Error); err != nil {
			return nil, err
		}
		rec.AttemptedAt, _ = parseTime(ts)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	layouts := []string{
		timeLayout,
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}
