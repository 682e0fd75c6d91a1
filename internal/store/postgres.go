package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quickbet/settlement/internal/address"
)

// PostgresStore implements Store using PostgreSQL as the primary venue.
// Account bytes live in a single table keyed by address.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Get(ctx context.Context, addr address.Address) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM accounts WHERE address = $1`, addr[:]).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", addr, err)
	}
	return data, nil
}

// Update takes a transaction-scoped advisory lock per address, in address
// order, before reading. Row locks alone would not cover addresses that do
// not exist yet.
func (s *PostgresStore) Update(ctx context.Context, addrs []address.Address, fn func(tx Tx) error) error {
	addrs = unique(addrs)
	sorted := make([]address.Address, len(addrs))
	copy(sorted, addrs)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i][:], sorted[j][:]) < 0 })

	dbtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer dbtx.Rollback(ctx) //nolint:errcheck // no-op after commit

	keys := make([][]byte, len(sorted))
	for i, a := range sorted {
		if _, err := dbtx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, lockKey(a)); err != nil {
			return fmt.Errorf("lock %s: %w", a, err)
		}
		keys[i] = a[:]
	}

	tx := newStaged(addrs)
	rows, err := dbtx.Query(ctx,
		`SELECT address, data FROM accounts WHERE address = ANY($1::bytea[]) FOR UPDATE`, keys)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	for rows.Next() {
		var raw, data []byte
		if err := rows.Scan(&raw, &data); err != nil {
			rows.Close()
			return fmt.Errorf("scan account: %w", err)
		}
		var a address.Address
		copy(a[:], raw)
		tx.load(a, data)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}

	if err := fn(tx); err != nil {
		return err
	}

	for a, v := range tx.writes() {
		if v == nil {
			_, err = dbtx.Exec(ctx, `DELETE FROM accounts WHERE address = $1`, a[:])
		} else {
			_, err = dbtx.Exec(ctx,
				`INSERT INTO accounts (address, data, updated_at)
				 VALUES ($1, $2, now())
				 ON CONFLICT (address) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
				a[:], v)
		}
		if err != nil {
			return fmt.Errorf("write account %s: %w", a, err)
		}
	}
	return dbtx.Commit(ctx)
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func lockKey(a address.Address) int64 {
	return int64(binary.BigEndian.Uint64(a[:8]))
}
