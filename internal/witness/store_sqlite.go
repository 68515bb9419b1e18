package witness

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

// SQLiteStore keeps witness records in a local SQLite file, for single-node
// deployments that want records to survive restarts without Postgres.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

const sqliteRecordColumns = `id, call_id, status, decision, reason, confidence, caller_hash, decided_at,
	web_proof_ref, zk_proof_ref, journal, tx_ref, block_number, error, created_at, updated_at`

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer keeps SQLITE_BUSY out of the transition path.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS witness_records (
		id TEXT PRIMARY KEY,
		call_id TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		decision TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		confidence REAL NOT NULL DEFAULT 0,
		caller_hash TEXT NOT NULL DEFAULT '',
		decided_at INTEGER NOT NULL,
		web_proof_ref TEXT NOT NULL DEFAULT '',
		zk_proof_ref TEXT NOT NULL DEFAULT '',
		journal TEXT NOT NULL DEFAULT '',
		tx_ref TEXT NOT NULL DEFAULT '',
		block_number INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_witness_created ON witness_records(created_at);
	`)
	if err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Insert(ctx context.Context, rec Record) error {
	txRef, block := receiptColumns(rec.Receipt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO witness_records (`+sqliteRecordColumns+`)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.CallID, string(rec.Status), rec.Decision, rec.Reason, rec.Confidence, rec.CallerHash, rec.DecidedAt.UnixMilli(),
		rec.WebProofRef, rec.ZkProofRef, rec.Journal, txRef, int64(block), rec.Error, rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateCall
		}
		return fmt.Errorf("insert witness record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Record, error) {
	return s.getWhere(ctx, s.db, "id", id)
}

func (s *SQLiteStore) GetByCallID(ctx context.Context, callID string) (Record, error) {
	return s.getWhere(ctx, s.db, "call_id", callID)
}

func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteRecordColumns+` FROM witness_records ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list witness records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan witness record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate witness records: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Transition(ctx context.Context, id string, to Status, apply func(*Record)) (Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := s.getWhere(ctx, tx, "id", id)
	if err != nil {
		return Record{}, err
	}
	prev := rec.Status
	if err := advance(&rec, to, apply, s.now()); err != nil {
		return Record{}, err
	}
	txRef, block := receiptColumns(rec.Receipt)
	res, err := tx.ExecContext(ctx,
		`UPDATE witness_records SET status=?, web_proof_ref=?, zk_proof_ref=?, journal=?,
		        tx_ref=?, block_number=?, error=?, updated_at=?
		  WHERE id=? AND status=?`,
		string(rec.Status), rec.WebProofRef, rec.ZkProofRef, rec.Journal, txRef, int64(block), rec.Error, rec.UpdatedAt.UnixMilli(),
		rec.ID, string(prev),
	)
	if err != nil {
		return Record{}, fmt.Errorf("update witness record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return Record{}, fmt.Errorf("%w: %s changed concurrently", ErrInvalidTransition, id)
	}
	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("commit tx: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqlQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) getWhere(ctx context.Context, q sqlQuerier, column, value string) (Record, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sqliteRecordColumns+` FROM witness_records WHERE `+column+`=?`, value)
	rec, err := scanSQLiteRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get witness record: %w", err)
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row rowScanner) (Record, error) {
	var (
		rec                             Record
		status, txRef                   string
		block                           int64
		decidedAt, createdAt, updatedAt int64
	)
	if err := row.Scan(
		&rec.ID, &rec.CallID, &status, &rec.Decision, &rec.Reason, &rec.Confidence, &rec.CallerHash, &decidedAt,
		&rec.WebProofRef, &rec.ZkProofRef, &rec.Journal, &txRef, &block, &rec.Error, &createdAt, &updatedAt,
	); err != nil {
		return Record{}, err
	}
	rec.Status = Status(status)
	rec.DecidedAt = time.UnixMilli(decidedAt).UTC()
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if txRef != "" {
		rec.Receipt = &Receipt{TxRef: txRef, BlockNumber: uint64(block)}
	}
	return rec, nil
}
