package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var errNotOpen = errors.New("store: not open")

type Store struct {
	db *sql.DB
}

type AlertRecord struct {
	TS              int64  `json:"ts"`
	Priority        string `json:"priority"`
	GroupName       string `json:"group"`
	Title           string `json:"title"`
	DedupKey        string `json:"dedup_key"`
	Status          string `json:"status"`
	Channel         string `json:"channel"`
	DingTalkErrCode int    `json:"dingtalk_errcode"`
	DingTalkErrMsg  string `json:"dingtalk_errmsg"`
	PayloadMD       string `json:"payload_md"`
	CreatedAt       string `json:"created_at"`
}

type EventRecord struct {
	ID           int64  `json:"id"`
	TS           int64  `json:"ts"`
	Type         string `json:"type"`
	Severity     string `json:"severity"`
	Fiat         string `json:"fiat"`
	CycleID      string `json:"cycle_id"`
	Title        string `json:"title"`
	DedupKey     string `json:"dedup_key"`
	EvidenceJSON string `json:"evidence_json"`
	CreatedAt    string `json:"created_at"`
}

// SnapshotRecord is one valid market snapshot as published by a poll attempt.
type SnapshotRecord struct {
	TS        int64    `json:"ts"`
	CycleID   string   `json:"cycle_id"`
	Fiat      string   `json:"fiat"`
	Buy       *float64 `json:"buy"`
	Sell      *float64 `json:"sell"`
	Spread    *float64 `json:"spread"`
	SpreadPct string   `json:"spread_pct"`
	Raw       string   `json:"raw"`
	CreatedAt string   `json:"created_at"`
}

func Open(path string) (*Store, error) {
	if path == "" {
		path = "data/rates.db"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=3000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			updated_at TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS snapshot_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			cycle_id TEXT,
			fiat TEXT NOT NULL,
			buy REAL,
			sell REAL,
			spread REAL,
			spread_pct TEXT,
			raw TEXT,
			created_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_snapshot_history_ts ON snapshot_history(ts);`,
		`CREATE INDEX IF NOT EXISTS idx_snapshot_history_fiat ON snapshot_history(fiat);`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			type TEXT,
			severity TEXT,
			fiat TEXT,
			cycle_id TEXT,
			title TEXT,
			dedup_key TEXT,
			evidence_json TEXT,
			created_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);`,
		`CREATE INDEX IF NOT EXISTS idx_events_fiat ON events(fiat);`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			priority TEXT,
			group_name TEXT,
			title TEXT,
			dedup_key TEXT,
			status TEXT,
			channel TEXT,
			dingtalk_errcode INTEGER,
			dingtalk_errmsg TEXT,
			payload_md TEXT,
			created_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts(ts);`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Get, Put and Delete make the store usable as the snapshot cache backend.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, errNotOpen
	}
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get kv %s: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	if s == nil || s.db == nil {
		return errNotOpen
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("put kv %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if s == nil || s.db == nil {
		return errNotOpen
	}
	if len(keys) == 0 {
		return nil
	}
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("delete kv: %w", err)
	}
	return nil
}

func (s *Store) InsertSnapshots(recs []SnapshotRecord) error {
	if s == nil || s.db == nil || len(recs) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(
		`INSERT INTO snapshot_history (ts, cycle_id, fiat, buy, sell, spread, spread_pct, raw, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("prepare snapshot insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, r := range recs {
		if r.CreatedAt == "" {
			r.CreatedAt = now
		}
		if _, err := stmt.Exec(r.TS, r.CycleID, r.Fiat, r.Buy, r.Sell, r.Spread, r.SpreadPct, r.Raw, r.CreatedAt); err != nil {
			return fmt.Errorf("insert snapshot %s: %w", r.Fiat, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshots: %w", err)
	}
	return nil
}

// QuerySnapshots returns history newest first. An empty fiat matches every market.
func (s *Store) QuerySnapshots(fiat string, limit int, offset int) ([]SnapshotRecord, error) {
	if s == nil || s.db == nil {
		return nil, errNotOpen
	}
	q := selectQuery{
		cols:  "ts, cycle_id, fiat, buy, sell, spread, spread_pct, raw, created_at",
		table: "snapshot_history",
		order: "ts DESC, id DESC",
	}
	if fiat != "" {
		q.where("fiat = ?", strings.ToUpper(fiat))
	}
	query, args := q.page(limit, offset)
	return queryAll(s.db, "snapshot", query, args, func(rows *sql.Rows) (SnapshotRecord, error) {
		var r SnapshotRecord
		var buy, sell, spread sql.NullFloat64
		err := rows.Scan(&r.TS, &r.CycleID, &r.Fiat, &buy, &sell, &spread, &r.SpreadPct, &r.Raw, &r.CreatedAt)
		r.Buy, r.Sell, r.Spread = nullable(buy), nullable(sell), nullable(spread)
		return r, err
	})
}

func (s *Store) InsertAlert(a AlertRecord) error {
	if s == nil || s.db == nil {
		return nil
	}
	if a.CreatedAt == "" {
		a.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := s.db.Exec(
		`INSERT INTO alerts (ts, priority, group_name, title, dedup_key, status, channel, dingtalk_errcode, dingtalk_errmsg, payload_md, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.TS, a.Priority, a.GroupName, a.Title, a.DedupKey, a.Status, a.Channel, a.DingTalkErrCode, a.DingTalkErrMsg, a.PayloadMD, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

func (s *Store) QueryAlertsByDate(date string, status string, limit int, offset int) ([]AlertRecord, error) {
	if s == nil || s.db == nil {
		return nil, errNotOpen
	}
	q, err := dayQuery("alerts", "ts, priority, group_name, title, dedup_key, status, channel, dingtalk_errcode, dingtalk_errmsg, payload_md, created_at", date)
	if err != nil {
		return nil, err
	}
	if status != "" {
		q.where("status = ?", status)
	}
	query, args := q.page(limit, offset)
	return queryAll(s.db, "alert", query, args, func(rows *sql.Rows) (AlertRecord, error) {
		var a AlertRecord
		err := rows.Scan(&a.TS, &a.Priority, &a.GroupName, &a.Title, &a.DedupKey, &a.Status, &a.Channel, &a.DingTalkErrCode, &a.DingTalkErrMsg, &a.PayloadMD, &a.CreatedAt)
		return a, err
	})
}

func (s *Store) InsertEventReturnID(e EventRecord) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	if e.CreatedAt == "" {
		e.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	res, err := s.db.Exec(
		`INSERT INTO events (ts, type, severity, fiat, cycle_id, title, dedup_key, evidence_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.TS, e.Type, e.Severity, e.Fiat, e.CycleID, e.Title, e.DedupKey, e.EvidenceJSON, e.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return id, nil
}

func (s *Store) QueryEventsByDate(date string, eventType string, limit int, offset int) ([]EventRecord, error) {
	if s == nil || s.db == nil {
		return nil, errNotOpen
	}
	q, err := dayQuery("events", "id, ts, type, severity, fiat, cycle_id, title, dedup_key, evidence_json, created_at", date)
	if err != nil {
		return nil, err
	}
	if eventType != "" {
		q.where("type = ?", eventType)
	}
	query, args := q.page(limit, offset)
	return queryAll(s.db, "event", query, args, func(rows *sql.Rows) (EventRecord, error) {
		var e EventRecord
		err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.Severity, &e.Fiat, &e.CycleID, &e.Title, &e.DedupKey, &e.EvidenceJSON, &e.CreatedAt)
		return e, err
	})
}

// selectQuery accumulates AND-ed filters for the history tables.
type selectQuery struct {
	cols, table, order string
	conds              []string
	args               []any
}

func (q *selectQuery) where(cond string, arg any) {
	q.conds = append(q.conds, cond)
	q.args = append(q.args, arg)
}

// page renders the statement with newest-first ordering and a clamped window.
func (q *selectQuery) page(limit, offset int) (string, []any) {
	limit, offset = clampPage(limit, offset)
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", q.cols, q.table)
	if len(q.conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(q.conds, " AND "))
	}
	fmt.Fprintf(&b, " ORDER BY %s LIMIT ? OFFSET ?", q.order)
	return b.String(), append(append([]any(nil), q.args...), limit, offset)
}

// dayQuery selects rows whose unix ts falls on the given UTC day.
func dayQuery(table, cols, date string) (selectQuery, error) {
	start, end, err := dateRange(date)
	if err != nil {
		return selectQuery{}, err
	}
	q := selectQuery{cols: cols, table: table, order: "ts DESC, id DESC"}
	q.where("ts >= ?", start)
	q.where("ts < ?", end)
	return q, nil
}

func queryAll[T any](db *sql.DB, what string, query string, args []any, scan func(*sql.Rows) (T, error)) ([]T, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", what, err)
	}
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", what, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", what, err)
	}
	return out, nil
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func nullable(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// dateRange bounds a YYYY-MM-DD day in UTC.
func dateRange(date string) (int64, int64, error) {
	t, err := time.ParseInLocation("2006-01-02", date, time.UTC)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid date: %q", date)
	}
	return t.Unix(), t.Add(24 * time.Hour).Unix(), nil
}
