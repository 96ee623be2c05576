// ABOUTME: SQLite turn ledger using modernc.org/sqlite
// ABOUTME: Stores one row per relayed turn with automatic schema creation and migrations

package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested turn does not exist
var ErrNotFound = errors.New("not found")

// Turn is one prompt and the agent's streamed answer.
type Turn struct {
	ID          string
	Room        string
	Sender      string
	Scope       string
	Prompt      string
	Text        string
	State       string
	StopReason  string
	Error       string
	Flushes     int
	FlushErrors int
	Tools       int
	StartedAt   time.Time
	EndedAt     time.Time
}

// SQLiteLedger stores turns in SQLite
type SQLiteLedger struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLite opens the ledger at path, creating parent directories and the
// schema if needed.
func NewSQLite(path string, logger *slog.Logger) (*SQLiteLedger, error) {
	logger = logger.With("component", "ledger")

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode so the turns command can read while the relay writes
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	l := &SQLiteLedger{db: db, logger: logger}

	if err := l.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	if err := l.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("turn ledger initialized", "path", path)
	return l, nil
}

func (l *SQLiteLedger) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			room TEXT NOT NULL,
			sender TEXT NOT NULL,
			scope TEXT NOT NULL,
			prompt TEXT NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			stop_reason TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			flushes INTEGER NOT NULL DEFAULT 0,
			tools INTEGER NOT NULL DEFAULT 0,
			started_at TEXT NOT NULL,
			ended_at TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_turns_room_started
			ON turns(room, started_at);
	`
	_, err := l.db.Exec(schema)
	return err
}

// runMigrations applies column additions for ledgers created by older
// versions. Safe to run repeatedly.
func (l *SQLiteLedger) runMigrations() error {
	migrations := []struct {
		column string
		apply  string
	}{
		{column: "flush_errors", apply: `ALTER TABLE turns ADD COLUMN flush_errors INTEGER NOT NULL DEFAULT 0`},
	}

	for _, m := range migrations {
		var exists int
		err := l.db.QueryRow(`SELECT 1 FROM pragma_table_info('turns') WHERE name = ?`, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s column: %w", m.column, err)
		}
		if _, err := l.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to turns: %w", m.column, err)
		}
		l.logger.Info("applied migration", "column", m.column, "table", "turns")
	}
	return nil
}

// Close closes the database connection
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

// Start records a turn that has just begun.
func (l *SQLiteLedger) Start(ctx context.Context, turn *Turn) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO turns (id, room, sender, scope, prompt, state, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		turn.ID, turn.Room, turn.Sender, turn.Scope, turn.Prompt, turn.State,
		turn.StartedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting turn: %w", err)
	}
	return nil
}

// Finish stores the outcome of a turn.
func (l *SQLiteLedger) Finish(ctx context.Context, turn *Turn) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE turns
		SET text = ?, state = ?, stop_reason = ?, error = ?, flushes = ?, flush_errors = ?, tools = ?, ended_at = ?
		WHERE id = ?`,
		turn.Text, turn.State, turn.StopReason, turn.Error, turn.Flushes, turn.FlushErrors, turn.Tools,
		turn.EndedAt.UTC().Format(time.RFC3339Nano), turn.ID,
	)
	if err != nil {
		return fmt.Errorf("updating turn: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const turnColumns = `id, room, sender, scope, prompt, text, state, stop_reason, error, flushes, flush_errors, tools, started_at, ended_at`

// Get retrieves a turn by id.
func (l *SQLiteLedger) Get(ctx context.Context, id string) (*Turn, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+turnColumns+` FROM turns WHERE id = ?`, id)
	turn, err := scanTurn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return turn, err
}

// List returns the most recent turns, newest first. An empty room lists
// every room. A limit of 0 or less uses 50.
func (l *SQLiteLedger) List(ctx context.Context, room string, limit int) ([]*Turn, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `SELECT ` + turnColumns + ` FROM turns`
	args := []any{}
	if room != "" {
		query += ` WHERE room = ?`
		args = append(args, room)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying turns: %w", err)
	}
	defer rows.Close()

	var turns []*Turn
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating turn rows: %w", err)
	}
	return turns, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTurn(row scanner) (*Turn, error) {
	var turn Turn
	var startedAt string
	var endedAt sql.NullString
	if err := row.Scan(
		&turn.ID,
		&turn.Room,
		&turn.Sender,
		&turn.Scope,
		&turn.Prompt,
		&turn.Text,
		&turn.State,
		&turn.StopReason,
		&turn.Error,
		&turn.Flushes,
		&turn.FlushErrors,
		&turn.Tools,
		&startedAt,
		&endedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning turn row: %w", err)
	}

	var err error
	turn.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if endedAt.Valid && endedAt.String != "" {
		turn.EndedAt, err = time.Parse(time.RFC3339Nano, endedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing ended_at: %w", err)
		}
	}
	return &turn, nil
}
