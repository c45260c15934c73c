package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fentz26/sift/internal/models"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLite stores checkpoints and audit records in a local database file.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the database and runs migrations.
func NewSQLite(dbPath string) (*SQLite, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		status TEXT NOT NULL,
		snapshot TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE (session_id, seq)
	);

	CREATE TABLE IF NOT EXISTS pdr (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		session_id TEXT,
		task_id TEXT,
		details TEXT,
		timestamp INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_id, seq);
	CREATE INDEX IF NOT EXISTS idx_pdr_session ON pdr(session_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save appends a snapshot, assigning the next seq inside a transaction.
func (s *SQLite) Save(ctx context.Context, session *models.Session) (*models.Checkpoint, error) {
	data, err := encodeSnapshot(session)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM checkpoints WHERE session_id = ?`,
		session.ID,
	).Scan(&seq)
	if err != nil {
		return nil, fmt.Errorf("next seq: %w", err)
	}

	cp := &models.Checkpoint{
		ID:        uuid.New().String(),
		SessionID: session.ID,
		Seq:       seq,
		Snapshot:  session,
		CreatedAt: time.Now().UTC(),
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO checkpoints (id, session_id, seq, status, snapshot, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.SessionID, cp.Seq, string(session.Status), string(data), cp.CreatedAt.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return cp, nil
}

// Load returns the highest-seq checkpoint for a session.
func (s *SQLite) Load(ctx context.Context, sessionID string) (*models.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, seq, snapshot, created_at FROM checkpoints
		 WHERE session_id = ? ORDER BY seq DESC LIMIT 1`,
		sessionID,
	)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return cp, err
}

// List returns the latest checkpoint of each session, newest first.
func (s *SQLite) List(ctx context.Context) ([]*models.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.session_id, c.seq, c.snapshot, c.created_at FROM checkpoints c
		 JOIN (SELECT session_id, MAX(seq) AS seq FROM checkpoints GROUP BY session_id) latest
		   ON c.session_id = latest.session_id AND c.seq = latest.seq
		 ORDER BY c.created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*models.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// Prune removes checkpoints older than the cutoff, always keeping the
// latest per session.
func (s *SQLite) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints
		 WHERE created_at < ?
		   AND seq < (SELECT MAX(seq) FROM checkpoints c2 WHERE c2.session_id = checkpoints.session_id)`,
		olderThan.UTC().UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("prune checkpoints: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// WritePDR writes a Process Decision Record.
func (s *SQLite) WritePDR(ctx context.Context, pdr *models.PDREntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pdr (id, action, inputs_hash, outcome, session_id, task_id, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		pdr.ID, pdr.Action, pdr.InputsHash, pdr.Outcome, pdr.SessionID, pdr.TaskID, pdr.Details, pdr.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert pdr: %w", err)
	}
	return nil
}

// ListPDRs returns the decision records for a session, oldest first.
func (s *SQLite) ListPDRs(ctx context.Context, sessionID string) ([]models.PDREntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, inputs_hash, outcome, session_id, task_id, details, timestamp
		 FROM pdr WHERE session_id = ? ORDER BY timestamp ASC, rowid ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query pdr: %w", err)
	}
	defer rows.Close()

	var out []models.PDREntry
	for rows.Next() {
		var p models.PDREntry
		var sessID, taskID, details sql.NullString
		var ts int64
		if err := rows.Scan(&p.ID, &p.Action, &p.InputsHash, &p.Outcome, &sessID, &taskID, &details, &ts); err != nil {
			return nil, fmt.Errorf("scan pdr: %w", err)
		}
		p.SessionID = sessID.String
		p.TaskID = taskID.String
		p.Details = details.String
		p.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCheckpoint(row scanner) (*models.Checkpoint, error) {
	var cp models.Checkpoint
	var data string
	var created int64
	if err := row.Scan(&cp.ID, &cp.SessionID, &cp.Seq, &data, &created); err != nil {
		return nil, err
	}
	snap, err := decodeSnapshot([]byte(data))
	if err != nil {
		return nil, err
	}
	cp.Snapshot = snap
	cp.CreatedAt = time.Unix(0, created).UTC()
	return &cp, nil
}
