package witness

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

const pgRecordColumns = `id, call_id, status, decision, reason, confidence, caller_hash, decided_at,
	web_proof_ref, zk_proof_ref, journal, tx_ref, block_number, error, created_at, updated_at`

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initWitnessSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool, now: func() time.Time { return time.Now().UTC() }}, nil
}

func initWitnessSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS witness_records (
			id TEXT PRIMARY KEY,
			call_id TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			caller_hash TEXT NOT NULL DEFAULT '',
			decided_at TIMESTAMPTZ NOT NULL,
			web_proof_ref TEXT NOT NULL DEFAULT '',
			zk_proof_ref TEXT NOT NULL DEFAULT '',
			journal TEXT NOT NULL DEFAULT '',
			tx_ref TEXT NOT NULL DEFAULT '',
			block_number BIGINT NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_witness_records_created ON witness_records (created_at DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init witness schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, rec Record) error {
	txRef, block := receiptColumns(rec.Receipt)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO witness_records (`+pgRecordColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		rec.ID, rec.CallID, string(rec.Status), rec.Decision, rec.Reason, rec.Confidence, rec.CallerHash, rec.DecidedAt,
		rec.WebProofRef, rec.ZkProofRef, rec.Journal, txRef, int64(block), rec.Error, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateCall
		}
		return fmt.Errorf("insert witness record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Record, error) {
	return s.getWhere(ctx, s.pool, "id", id, false)
}

func (s *PostgresStore) GetByCallID(ctx context.Context, callID string) (Record, error) {
	return s.getWhere(ctx, s.pool, "call_id", callID, false)
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgRecordColumns+` FROM witness_records ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list witness records: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, limit)
	for rows.Next() {
		rec, err := scanPGRecord(rows)
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

func (s *PostgresStore) Transition(ctx context.Context, id string, to Status, apply func(*Record)) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rec, err := s.getWhere(ctx, tx, "id", id, true)
	if err != nil {
		return Record{}, err
	}
	if err := advance(&rec, to, apply, s.now()); err != nil {
		return Record{}, err
	}
	txRef, block := receiptColumns(rec.Receipt)
	if _, err := tx.Exec(ctx,
		`UPDATE witness_records SET status=$2, web_proof_ref=$3, zk_proof_ref=$4, journal=$5,
		        tx_ref=$6, block_number=$7, error=$8, updated_at=$9
		  WHERE id=$1`,
		rec.ID, string(rec.Status), rec.WebProofRef, rec.ZkProofRef, rec.Journal, txRef, int64(block), rec.Error, rec.UpdatedAt,
	); err != nil {
		return Record{}, fmt.Errorf("update witness record: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("commit tx: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) getWhere(ctx context.Context, q pgQuerier, column, value string, forUpdate bool) (Record, error) {
	query := `SELECT ` + pgRecordColumns + ` FROM witness_records WHERE ` + column + `=$1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	rec, err := scanPGRecord(q.QueryRow(ctx, query, value))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("get witness record: %w", err)
	}
	return rec, nil
}

func scanPGRecord(row pgx.Row) (Record, error) {
	var (
		rec    Record
		status string
		txRef  string
		block  int64
	)
	if err := row.Scan(
		&rec.ID, &rec.CallID, &status, &rec.Decision, &rec.Reason, &rec.Confidence, &rec.CallerHash, &rec.DecidedAt,
		&rec.WebProofRef, &rec.ZkProofRef, &rec.Journal, &txRef, &block, &rec.Error, &rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return Record{}, err
	}
	rec.Status = Status(status)
	if txRef != "" {
		rec.Receipt = &Receipt{TxRef: txRef, BlockNumber: uint64(block)}
	}
	return rec, nil
}

func receiptColumns(r *Receipt) (string, uint64) {
	if r == nil {
		return "", 0
	}
	return r.TxRef, r.BlockNumber
}
