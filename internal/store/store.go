// Package store implements durable persistence for the kernel on a single
// SQLite file: the GlobalState snapshot (atomic replace), the per-day budget
// ledgers (atomic replace), the append-only execution record log, and the
// node admin overlay.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"reverie/internal/logging"
	"reverie/internal/types"
)

// Store is the SQLite-backed implementation of types.Persistence.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
}

// transient write errors are retried this many times with doubling backoff
// before the error escalates to the caller (and from there, fatally).
const (
	writeAttempts     = 3
	writeRetryBackoff = 100 * time.Millisecond
)

var _ types.Persistence = (*Store)(nil)

// Open initializes the SQLite database at path, creating the schema if
// needed.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.Open")
	defer timer.Stop()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("failed to set sqlite synchronous: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("store opened at %s", path)
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		payload TEXT NOT NULL,
		revision INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS ledgers (
		day_epoch INTEGER PRIMARY KEY,
		payload TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		node_id TEXT NOT NULL,
		started INTEGER NOT NULL,
		ended INTEGER,
		outcome TEXT NOT NULL,
		dollars_used REAL NOT NULL DEFAULT 0,
		tokens_used INTEGER NOT NULL DEFAULT 0,
		triggering_event TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_records_node ON records(node_id);
	CREATE INDEX IF NOT EXISTS idx_records_started ON records(started);
	CREATE TABLE IF NOT EXISTS node_overlay (
		node_id TEXT PRIMARY KEY,
		enabled INTEGER NOT NULL DEFAULT 1,
		priority_override TEXT,
		suspended_until INTEGER
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// withRetry runs fn, retrying transient failures with doubling backoff.
func (s *Store) withRetry(op string, fn func() error) error {
	var err error
	backoff := writeRetryBackoff
	for attempt := 1; attempt <= writeAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt < writeAttempts {
			logging.Get(logging.CategoryStore).Warn("%s failed (attempt %d/%d): %v", op, attempt, writeAttempts, err)
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return types.NewKernelError(types.KindPersistenceError, "%s: %v", op, err)
}

// =============================================================================
// STATE SNAPSHOT
// =============================================================================

// SaveSnapshot atomically replaces the singleton state row.
func (s *Store) SaveSnapshot(state types.GlobalState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	return s.withRetry("save snapshot", func() error {
		_, err := s.db.Exec(`
			INSERT INTO state (id, payload, revision, updated_at) VALUES (1, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET payload=excluded.payload,
				revision=excluded.revision, updated_at=excluded.updated_at`,
			string(payload), int64(state.Revision), time.Now().UnixNano())
		return err
	})
}

// LoadSnapshot returns the persisted state, or nil when none exists.
func (s *Store) LoadSnapshot() (*types.GlobalState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var payload string
	err := s.db.QueryRow(`SELECT payload FROM state WHERE id = 1`).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewKernelError(types.KindPersistenceError, "load snapshot: %v", err)
	}

	var state types.GlobalState
	if err := json.Unmarshal([]byte(payload), &state); err != nil {
		return nil, types.NewKernelError(types.KindPersistenceError, "decode snapshot: %v", err)
	}
	return &state, nil
}

// =============================================================================
// EXECUTION RECORDS
// =============================================================================

// AppendRecord inserts a new execution record. Records are append-only;
// completion goes through CloseRecord.
func (s *Store) AppendRecord(rec types.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ended interface{}
	if !rec.Ended.IsZero() {
		ended = rec.Ended.UnixNano()
	}
	return s.withRetry("append record", func() error {
		_, err := s.db.Exec(`
			INSERT INTO records (id, node_id, started, ended, outcome, dollars_used, tokens_used, triggering_event, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.NodeID, rec.Started.UnixNano(), ended, string(rec.Outcome),
			rec.DollarsUsed, rec.TokensUsed, rec.TriggeringEvent, rec.Error)
		return err
	})
}

// CloseRecord finalizes an in-flight record.
func (s *Store) CloseRecord(id string, ended time.Time, outcome types.Outcome, tokens int, dollars float64, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withRetry("close record", func() error {
		res, err := s.db.Exec(`
			UPDATE records SET ended = ?, outcome = ?, tokens_used = ?, dollars_used = ?, error = ?
			WHERE id = ? AND ended IS NULL`,
			ended.UnixNano(), string(outcome), tokens, dollars, errMsg, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("record %s not open", id)
		}
		return nil
	})
}

// LoadRecords returns records matching the filter, newest first.
func (s *Store) LoadRecords(filter types.RecordFilter) ([]types.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT id, node_id, started, ended, outcome, dollars_used, tokens_used, triggering_event, error FROM records WHERE 1=1`
	var args []interface{}
	if filter.NodeID != "" {
		query += ` AND node_id = ?`
		args = append(args, filter.NodeID)
	}
	if !filter.Since.IsZero() {
		query += ` AND started >= ?`
		args = append(args, filter.Since.UnixNano())
	}
	if !filter.Until.IsZero() {
		query += ` AND started < ?`
		args = append(args, filter.Until.UnixNano())
	}
	if filter.Outcome != "" {
		query += ` AND outcome = ?`
		args = append(args, string(filter.Outcome))
	}
	query += ` ORDER BY started DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, types.NewKernelError(types.KindPersistenceError, "load records: %v", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// OpenRecords returns records with no end time, for startup reconciliation.
func (s *Store) OpenRecords() ([]types.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id, node_id, started, ended, outcome, dollars_used, tokens_used, triggering_event, error
		FROM records WHERE ended IS NULL ORDER BY started ASC`)
	if err != nil {
		return nil, types.NewKernelError(types.KindPersistenceError, "open records: %v", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]types.ExecutionRecord, error) {
	var out []types.ExecutionRecord
	for rows.Next() {
		var rec types.ExecutionRecord
		var started int64
		var ended sql.NullInt64
		var outcome string
		if err := rows.Scan(&rec.ID, &rec.NodeID, &started, &ended, &outcome,
			&rec.DollarsUsed, &rec.TokensUsed, &rec.TriggeringEvent, &rec.Error); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Started = time.Unix(0, started)
		if ended.Valid {
			rec.Ended = time.Unix(0, ended.Int64)
		}
		rec.Outcome = types.Outcome(outcome)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PruneRecords drops completed records older than cutoff and, separately,
// trims the table to keepCount newest rows. In-flight records are never
// pruned.
func (s *Store) PruneRecords(cutoff time.Time, keepCount int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	res, err := s.db.Exec(`DELETE FROM records WHERE ended IS NOT NULL AND started < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, types.NewKernelError(types.KindPersistenceError, "prune by age: %v", err)
	}
	n, _ := res.RowsAffected()
	total += n

	if keepCount > 0 {
		res, err = s.db.Exec(`
			DELETE FROM records WHERE ended IS NOT NULL AND id NOT IN (
				SELECT id FROM records ORDER BY started DESC LIMIT ?
			)`, keepCount)
		if err != nil {
			return total, types.NewKernelError(types.KindPersistenceError, "prune by count: %v", err)
		}
		n, _ = res.RowsAffected()
		total += n
	}

	if total > 0 {
		logging.Store("pruned %d execution records", total)
	}
	return total, nil
}

// =============================================================================
// BUDGET LEDGERS
// =============================================================================

// SaveLedger atomically replaces the ledger row for its day epoch.
func (s *Store) SaveLedger(ledger *types.BudgetLedger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(ledger)
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	return s.withRetry("save ledger", func() error {
		_, err := s.db.Exec(`
			INSERT INTO ledgers (day_epoch, payload, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(day_epoch) DO UPDATE SET payload=excluded.payload, updated_at=excluded.updated_at`,
			ledger.DayEpoch, string(payload), time.Now().UnixNano())
		return err
	})
}

// LoadLedger returns the ledger for a day epoch, or nil when absent.
func (s *Store) LoadLedger(dayEpoch int) (*types.BudgetLedger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var payload string
	err := s.db.QueryRow(`SELECT payload FROM ledgers WHERE day_epoch = ?`, dayEpoch).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewKernelError(types.KindPersistenceError, "load ledger: %v", err)
	}

	var ledger types.BudgetLedger
	if err := json.Unmarshal([]byte(payload), &ledger); err != nil {
		return nil, types.NewKernelError(types.KindPersistenceError, "decode ledger: %v", err)
	}
	return &ledger, nil
}

// =============================================================================
// NODE OVERLAY
// =============================================================================

// SaveNodeOverlay upserts the admin overlay row for a node.
func (s *Store) SaveNodeOverlay(ov types.NodeOverlay) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prio interface{}
	if ov.PriorityOverride != nil {
		prio = ov.PriorityOverride.String()
	}
	var suspended interface{}
	if ov.SuspendedUntil != nil {
		suspended = ov.SuspendedUntil.UnixNano()
	}
	enabled := 0
	if ov.Enabled {
		enabled = 1
	}
	return s.withRetry("save node overlay", func() error {
		_, err := s.db.Exec(`
			INSERT INTO node_overlay (node_id, enabled, priority_override, suspended_until)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(node_id) DO UPDATE SET enabled=excluded.enabled,
				priority_override=excluded.priority_override,
				suspended_until=excluded.suspended_until`,
			ov.NodeID, enabled, prio, suspended)
		return err
	})
}

// LoadNodeOverlays returns all persisted overlays keyed by node id.
func (s *Store) LoadNodeOverlays() (map[string]types.NodeOverlay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT node_id, enabled, priority_override, suspended_until FROM node_overlay`)
	if err != nil {
		return nil, types.NewKernelError(types.KindPersistenceError, "load overlays: %v", err)
	}
	defer rows.Close()

	out := make(map[string]types.NodeOverlay)
	for rows.Next() {
		var ov types.NodeOverlay
		var enabled int
		var prio sql.NullString
		var suspended sql.NullInt64
		if err := rows.Scan(&ov.NodeID, &enabled, &prio, &suspended); err != nil {
			return nil, fmt.Errorf("scan overlay: %w", err)
		}
		ov.Enabled = enabled != 0
		if prio.Valid {
			if p, err := types.ParsePriority(prio.String); err == nil {
				ov.PriorityOverride = &p
			}
		}
		if suspended.Valid {
			t := time.Unix(0, suspended.Int64)
			ov.SuspendedUntil = &t
		}
		out[ov.NodeID] = ov
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	logging.Store("store closed")
	return s.db.Close()
}
