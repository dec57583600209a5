// Package postgres stores the service catalog and finished call analyses in
// PostgreSQL. Item embeddings live in a pgvector column with an HNSW cosine
// index; [Migrate] installs the extension via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	_ = store.Migrate(ctx, 1536)
//
//	cache := catalog.NewCache(store)   // Store is a catalog.Source
//	rec := recorder.New(store)         // and a recorder.Sink
package postgres

import (
	"context"
	"fmt"
)

// ddlCatalog returns the catalog DDL with the embedding dimension
// substituted. The dimension is baked into the column type at creation time.
func ddlCatalog(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS catalog_items (
    code               TEXT         PRIMARY KEY,
    name               TEXT         NOT NULL,
    description        TEXT         NOT NULL DEFAULT '',
    keywords           TEXT[]       NOT NULL DEFAULT '{}',
    negative_keywords  TEXT[]       NOT NULL DEFAULT '{}',
    price_pence        BIGINT       NOT NULL CHECK (price_pence >= 0),
    active             BOOLEAN      NOT NULL DEFAULT true,
    embedding          vector(%d),
    embedding_model    TEXT         NOT NULL DEFAULT '',
    content_hash       TEXT         NOT NULL DEFAULT '',
    updated_at         TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_catalog_items_active
    ON catalog_items (active);

CREATE INDEX IF NOT EXISTS idx_catalog_items_embedding
    ON catalog_items USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

const ddlCalls = `
CREATE TABLE IF NOT EXISTS call_analyses (
    session_id     TEXT         PRIMARY KEY,
    phone_number   TEXT         NOT NULL DEFAULT '',
    started_at     TIMESTAMPTZ  NOT NULL,
    closed_at      TIMESTAMPTZ  NOT NULL,
    transcript     TEXT         NOT NULL DEFAULT '',
    next_route     TEXT         NOT NULL DEFAULT '',
    traffic_light  TEXT         NOT NULL DEFAULT '',
    price_pence    BIGINT       NOT NULL DEFAULT 0,
    decision       JSONB,
    tasks          JSONB        NOT NULL DEFAULT '[]',
    metadata       JSONB        NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_call_analyses_closed_at
    ON call_analyses (closed_at);

CREATE INDEX IF NOT EXISTS idx_call_analyses_phone
    ON call_analyses (phone_number);
`

// Migrate creates or ensures all required tables, indexes and extensions.
// It is idempotent and safe to call on every start.
//
// embeddingDimensions must match the embeddings model (e.g. 1536 for OpenAI
// text-embedding-3-small, 768 for nomic-embed-text). Changing it after the
// first migration requires a manual schema change.
func (s *Store) Migrate(ctx context.Context, embeddingDimensions int) error {
	if embeddingDimensions <= 0 {
		return fmt.Errorf("postgres migrate: embedding dimensions must be positive, got %d", embeddingDimensions)
	}
	for _, stmt := range []string{ddlCatalog(embeddingDimensions), ddlCalls} {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
