package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/Courtneyezra/handyservices-app-sub008/internal/catalog"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/recorder"
)

var (
	_ catalog.Source = (*Store)(nil)
	_ recorder.Sink  = (*Store)(nil)
)

// Store is the PostgreSQL-backed catalog source and call-record sink. All
// operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a connection pool to the database at dsn, registers
// pgvector types on every connection, and pings it. Call [Store.Migrate]
// before first use of a fresh database.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		// The vector type does not exist until the first migration.
		if err := pgxvec.RegisterTypes(ctx, conn); err != nil {
			if _, extErr := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); extErr != nil {
				return fmt.Errorf("register pgvector: %w", err)
			}
			return pgxvec.RegisterTypes(ctx, conn)
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Ping checks the database is reachable. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
