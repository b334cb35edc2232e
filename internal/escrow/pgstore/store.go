package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/itua234/gifty/internal/escrow"
	"github.com/itua234/gifty/internal/signal"
)

// Store persists escrow records and their outbox in PostgreSQL. Record ids
// come from a sequence, so a rolled back insert leaves a gap.
type Store struct {
	pool *pgxpool.Pool
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS escrow_records (
    id BIGSERIAL PRIMARY KEY,
    creator TEXT NOT NULL,
    claimant TEXT NOT NULL DEFAULT '',
    amount NUMERIC(78,0) NOT NULL CHECK (amount >= 0),
    original_amount NUMERIC(78,0) NOT NULL CHECK (original_amount > 0),
    fee NUMERIC(78,0) NOT NULL DEFAULT 0,
    secret_hash BYTEA NOT NULL,
    status SMALLINT NOT NULL,
    channel TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    expire_at TIMESTAMPTZ,
    finalized_at TIMESTAMPTZ,
    CHECK ((status = 1) = (amount > 0))
);

CREATE TABLE IF NOT EXISTS escrow_signals (
    seq BIGSERIAL PRIMARY KEY,
    record_id BIGINT NOT NULL REFERENCES escrow_records(id),
    kind TEXT NOT NULL,
    payload JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    delivered_at TIMESTAMPTZ,
    dead_reason TEXT
);

CREATE INDEX IF NOT EXISTS escrow_signals_pending_idx
    ON escrow_signals (seq) WHERE delivered_at IS NULL AND dead_reason IS NULL;

CREATE TABLE IF NOT EXISTS ledger_balances (
    address TEXT PRIMARY KEY,
    balance NUMERIC(78,0) NOT NULL CHECK (balance >= 0)
);
`

const selectColumns = `id, creator, claimant, amount::text, original_amount::text, fee::text,
secret_hash, status, channel, created_at, expire_at, finalized_at`

// New connects to Postgres using dsn, verifies the connection and applies the
// schema.
func New(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s := &Store{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Pool exposes the connection pool for stores that share the database.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) Insert(ctx context.Context, draft escrow.Record, fn escrow.MutateFunc) (escrow.Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return escrow.Record{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rec := draft.Clone()
	err = tx.QueryRow(ctx, `
INSERT INTO escrow_records (creator, claimant, amount, original_amount, fee, secret_hash, status, channel, created_at, expire_at, finalized_at)
VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6, $7, $8, $9, $10, $11)
RETURNING id
`, rec.Creator.Hex(), addressText(rec.Claimant), rec.Amount.String(), rec.OriginalAmount.String(), rec.Fee.String(),
		rec.SecretHash.Bytes(), int16(rec.Status), string(rec.Channel), rec.CreatedAt, nullTime(rec.ExpireAt), nullTime(rec.FinalizedAt),
	).Scan(&rec.ID)
	if err != nil {
		return escrow.Record{}, fmt.Errorf("insert record: %w", err)
	}

	var out escrow.Signals
	if fn != nil {
		if err := fn(s.withTx(ctx, tx), &rec, &out); err != nil {
			return escrow.Record{}, err
		}
		if err := writeRecord(ctx, tx, rec); err != nil {
			return escrow.Record{}, err
		}
	}
	if err := stageSignals(ctx, tx, out.Events()); err != nil {
		return escrow.Record{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return escrow.Record{}, fmt.Errorf("commit insert: %w", err)
	}
	return rec, nil
}

func (s *Store) Get(ctx context.Context, id uint64) (escrow.Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM escrow_records WHERE id = $1`, int64(id))
	return scanRecord(row)
}

// Update holds the row lock for the duration of fn. The context handed to fn
// carries the transaction, so the store's Ledger joins it.
func (s *Store) Update(ctx context.Context, id uint64, fn escrow.MutateFunc) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT `+selectColumns+` FROM escrow_records WHERE id = $1 FOR UPDATE`, int64(id))
	rec, err := scanRecord(row)
	if err != nil {
		return err
	}

	var out escrow.Signals
	if err := fn(s.withTx(ctx, tx), &rec, &out); err != nil {
		return err
	}
	if err := writeRecord(ctx, tx, rec); err != nil {
		return err
	}
	if err := stageSignals(ctx, tx, out.Events()); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit update: %w", err)
	}
	return nil
}

func (s *Store) FeesCollected(ctx context.Context) (*big.Int, error) {
	var raw string
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(SUM(fee), 0)::text FROM escrow_records WHERE status = $1`,
		int16(escrow.StatusClaimed)).Scan(&raw)
	if err != nil {
		return nil, err
	}
	return parseNumeric(raw)
}

func (s *Store) Pending(ctx context.Context, limit int) ([]signal.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
SELECT seq, payload
FROM escrow_signals
WHERE delivered_at IS NULL AND dead_reason IS NULL
ORDER BY seq
LIMIT $1
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []signal.Entry
	for rows.Next() {
		var (
			seq     int64
			payload []byte
		)
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, err
		}
		var evt signal.Event
		if err := json.Unmarshal(payload, &evt); err != nil {
			return nil, fmt.Errorf("decode signal %d: %w", seq, err)
		}
		entries = append(entries, signal.Entry{Seq: uint64(seq), Event: evt})
	}
	return entries, rows.Err()
}

func (s *Store) MarkDelivered(ctx context.Context, seq uint64) error {
	_, err := s.pool.Exec(ctx, `UPDATE escrow_signals SET delivered_at = now() WHERE seq = $1`, int64(seq))
	return err
}

func (s *Store) MarkDead(ctx context.Context, seq uint64, reason string) error {
	_, err := s.pool.Exec(ctx, `UPDATE escrow_signals SET dead_reason = $2 WHERE seq = $1`, int64(seq), reason)
	return err
}

func writeRecord(ctx context.Context, tx pgx.Tx, rec escrow.Record) error {
	_, err := tx.Exec(ctx, `
UPDATE escrow_records
SET claimant = $2,
    amount = $3::numeric,
    fee = $4::numeric,
    status = $5,
    channel = $6,
    expire_at = $7,
    finalized_at = $8
WHERE id = $1
`, int64(rec.ID), addressText(rec.Claimant), rec.Amount.String(), rec.Fee.String(), int16(rec.Status),
		string(rec.Channel), nullTime(rec.ExpireAt), nullTime(rec.FinalizedAt))
	if err != nil {
		return fmt.Errorf("write record %d: %w", rec.ID, err)
	}
	return nil
}

func stageSignals(ctx context.Context, tx pgx.Tx, events []signal.Event) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, evt := range events {
		payload, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("encode signal: %w", err)
		}
		batch.Queue(`INSERT INTO escrow_signals (record_id, kind, payload) VALUES ($1, $2, $3)`,
			int64(evt.RecordID), string(evt.Kind), payload)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("stage signals: %w", err)
	}
	return nil
}

func scanRecord(row pgx.Row) (escrow.Record, error) {
	var (
		rec                   escrow.Record
		id                    int64
		creator, claimant     string
		amount, original, fee string
		secretHash            []byte
		status                int16
		channel               string
		expireAt, finalizedAt *time.Time
	)
	err := row.Scan(&id, &creator, &claimant, &amount, &original, &fee, &secretHash, &status, &channel,
		&rec.CreatedAt, &expireAt, &finalizedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return escrow.Record{}, escrow.ErrNotFound
		}
		return escrow.Record{}, err
	}

	rec.ID = uint64(id)
	rec.Creator = common.HexToAddress(creator)
	if claimant != "" {
		rec.Claimant = common.HexToAddress(claimant)
	}
	if rec.Amount, err = parseNumeric(amount); err != nil {
		return escrow.Record{}, err
	}
	if rec.OriginalAmount, err = parseNumeric(original); err != nil {
		return escrow.Record{}, err
	}
	if rec.Fee, err = parseNumeric(fee); err != nil {
		return escrow.Record{}, err
	}
	rec.SecretHash = common.BytesToHash(secretHash)
	rec.Status = escrow.Status(status)
	rec.Channel = escrow.ChannelKind(channel)
	if expireAt != nil {
		rec.ExpireAt = expireAt.UTC()
	}
	if finalizedAt != nil {
		rec.FinalizedAt = finalizedAt.UTC()
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, nil
}

func parseNumeric(raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("invalid numeric %q", raw)
	}
	return v, nil
}

func addressText(addr common.Address) string {
	if addr == (common.Address{}) {
		return ""
	}
	return addr.Hex()
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
