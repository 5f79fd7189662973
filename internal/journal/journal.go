// Package journal records the lifecycle of bridge requests in SQLite.
//
// The journal exists for correlation and recovery, not history: it tracks
// which requests are in flight so a restarted bridge can report (and clean
// up after) requests orphaned by a crash, keeps a record of every discarded
// response, and prunes everything older than the retention window.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks instead of failing
//   - one open connection: SQLite has a single writer
//
// Ordering uses the engine's logical seq, never timestamps.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/flbridge/internal/command"
	"github.com/roach88/flbridge/internal/engine"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - requests and discarded tables
const currentSchemaVersion = 1

// Request states beyond the engine outcomes.
const (
	StateInFlight = "in_flight"
	StateOrphaned = "orphaned"
)

// Journal is the SQLite-backed request journal. It implements
// engine.Recorder.
type Journal struct {
	db  *sql.DB
	now func() time.Time
}

// Record is one row of the requests table.
type Record struct {
	RequestID  string
	Seq        int64
	Channel    command.Channel
	Op         string
	Args       string // JSON
	Attempts   int
	State      string
	CreatedAt  time.Time
	FinishedAt time.Time // zero while in flight
	Error      string
}

// Discard is one row of the discarded table.
type Discard struct {
	Seq        int64
	Channel    command.Channel
	RequestID  string
	Reason     string
	ObservedAt time.Time
}

// Open creates or opens the journal at path, creating the parent directory.
// Applies pragmas and migrations; safe to call on an existing journal.
func Open(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to journal: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Journal{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("journal schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

func (j *Journal) stamp() string {
	return j.now().UTC().Format(time.RFC3339Nano)
}

// RequestStarted records a request entering flight.
func (j *Journal) RequestStarted(seq int64, env command.RequestEnvelope) error {
	args, err := json.Marshal(env.Command.Args)
	if err != nil {
		return fmt.Errorf("journal request: %w", err)
	}
	_, err = j.db.Exec(`
		INSERT INTO requests (request_id, seq, channel, op, args, attempts, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(request_id) DO UPDATE SET
			attempts = excluded.attempts,
			state = excluded.state
	`,
		env.Command.RequestID,
		seq,
		string(env.Command.Channel),
		env.Command.Op,
		string(args),
		env.Attempt,
		StateInFlight,
		env.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("journal request: %w", err)
	}
	return nil
}

// RequestFinished records a request's outcome.
func (j *Journal) RequestFinished(seq int64, requestID string, outcome engine.Outcome, attempts int, errMsg string) error {
	_, err := j.db.Exec(`
		UPDATE requests
		SET state = ?, attempts = ?, finished_seq = ?, finished_at = ?, error = NULLIF(?, '')
		WHERE request_id = ?
	`, string(outcome), attempts, seq, j.stamp(), errMsg, requestID)
	if err != nil {
		return fmt.Errorf("journal outcome: %w", err)
	}
	return nil
}

// ResponseDiscarded records a response that matched no pending request.
func (j *Journal) ResponseDiscarded(seq int64, ch command.Channel, requestID, reason string) error {
	_, err := j.db.Exec(`
		INSERT INTO discarded (seq, channel, request_id, reason, observed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(seq) DO NOTHING
	`, seq, string(ch), requestID, reason, j.stamp())
	if err != nil {
		return fmt.Errorf("journal discard: %w", err)
	}
	return nil
}

// RecoverOrphans marks every request still in flight as orphaned and
// returns them. Call once at startup, before any command is submitted: an
// in-flight row at that point belongs to a process that died mid-command.
func (j *Journal) RecoverOrphans(ctx context.Context) ([]Record, error) {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("recover orphans: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, selectRequests+` WHERE state = ? ORDER BY seq ASC`, StateInFlight)
	if err != nil {
		return nil, fmt.Errorf("recover orphans: %w", err)
	}
	orphans, err := scanRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("recover orphans: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE requests SET state = ?, finished_at = ?, error = 'bridge exited while in flight'
		WHERE state = ?
	`, StateOrphaned, j.stamp(), StateInFlight); err != nil {
		return nil, fmt.Errorf("recover orphans: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("recover orphans: %w", err)
	}
	for i := range orphans {
		orphans[i].State = StateOrphaned
	}
	return orphans, nil
}

// Prune deletes finished requests and discards observed before cutoff.
// In-flight rows are never pruned. Returns the number of rows removed.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	ts := cutoff.UTC().Format(time.RFC3339Nano)
	res, err := j.db.ExecContext(ctx,
		`DELETE FROM requests WHERE state != ? AND created_at < ?`, StateInFlight, ts)
	if err != nil {
		return 0, fmt.Errorf("prune requests: %w", err)
	}
	n, _ := res.RowsAffected()

	res, err = j.db.ExecContext(ctx, `DELETE FROM discarded WHERE observed_at < ?`, ts)
	if err != nil {
		return n, fmt.Errorf("prune discards: %w", err)
	}
	m, _ := res.RowsAffected()
	return n + m, nil
}

// LastSeq returns the highest seq recorded, so a new engine clock can
// continue after it.
func (j *Journal) LastSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := j.db.QueryRowContext(ctx, `
		SELECT MAX(s) FROM (
			SELECT COALESCE(MAX(seq), 0) AS s FROM requests
			UNION ALL SELECT COALESCE(MAX(finished_seq), 0) FROM requests
			UNION ALL SELECT COALESCE(MAX(seq), 0) FROM discarded
		)
	`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return seq, nil
}

// Recent returns up to limit requests, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := j.db.QueryContext(ctx, selectRequests+` ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent requests: %w", err)
	}
	return scanRecords(rows)
}

// Get returns the record of requestID, or nil if unknown.
func (j *Journal) Get(ctx context.Context, requestID string) (*Record, error) {
	rows, err := j.db.QueryContext(ctx, selectRequests+` WHERE request_id = ?`, requestID)
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return &recs[0], nil
}

// Discards returns up to limit discarded responses, newest first.
func (j *Journal) Discards(ctx context.Context, limit int) ([]Discard, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT seq, channel, request_id, reason, observed_at
		FROM discarded ORDER BY seq DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("discards: %w", err)
	}
	defer rows.Close()

	var out []Discard
	for rows.Next() {
		var (
			d  Discard
			ch string
			at string
		)
		if err := rows.Scan(&d.Seq, &ch, &d.RequestID, &d.Reason, &at); err != nil {
			return nil, fmt.Errorf("discards: %w", err)
		}
		d.Channel = command.Channel(ch)
		d.ObservedAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, d)
	}
	return out, rows.Err()
}

const selectRequests = `
	SELECT request_id, seq, channel, op, args, attempts, state, created_at,
	       COALESCE(finished_at, ''), COALESCE(error, '')
	FROM requests`

func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r                   Record
			ch, created, finish string
		)
		if err := rows.Scan(&r.RequestID, &r.Seq, &ch, &r.Op, &r.Args, &r.Attempts,
			&r.State, &created, &finish, &r.Error); err != nil {
			return nil, err
		}
		r.Channel = command.Channel(ch)
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		if finish != "" {
			r.FinishedAt, _ = time.Parse(time.RFC3339Nano, finish)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
