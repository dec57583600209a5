package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/Courtneyezra/handyservices-app-sub008/internal/catalog"
)

// Load implements [catalog.Source] by returning the active items.
func (s *Store) Load(ctx context.Context) ([]catalog.Item, error) {
	return s.LoadActive(ctx)
}

// LoadActive returns every active item ordered by code, with embeddings when
// present.
func (s *Store) LoadActive(ctx context.Context) ([]catalog.Item, error) {
	return s.queryItems(ctx, `
		SELECT code, name, description, keywords, negative_keywords, price_pence, active, embedding
		FROM   catalog_items
		WHERE  active
		ORDER  BY code`)
}

// LoadAll returns every item including inactive ones.
func (s *Store) LoadAll(ctx context.Context) ([]catalog.Item, error) {
	return s.queryItems(ctx, `
		SELECT code, name, description, keywords, negative_keywords, price_pence, active, embedding
		FROM   catalog_items
		ORDER  BY code`)
}

func (s *Store) queryItems(ctx context.Context, q string, args ...any) ([]catalog.Item, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog store: load: %w", err)
	}
	items, err := pgx.CollectRows(rows, scanItem)
	if err != nil {
		return nil, fmt.Errorf("catalog store: scan rows: %w", err)
	}
	return items, nil
}

func scanItem(row pgx.CollectableRow) (catalog.Item, error) {
	var (
		it  catalog.Item
		vec *pgvector.Vector
	)
	if err := row.Scan(
		&it.Code,
		&it.Name,
		&it.Description,
		&it.Keywords,
		&it.NegativeKeywords,
		&it.PricePence,
		&it.Active,
		&vec,
	); err != nil {
		return catalog.Item{}, err
	}
	it.ID = it.Code
	if vec != nil {
		it.Embedding = vec.Slice()
	}
	return it, nil
}

// UpsertItem inserts or replaces an item by code. The stored embedding is
// kept when the item's embedding text is unchanged and cleared otherwise, so
// a later backfill re-embeds edited items. A non-empty it.Embedding is
// written as is.
func (s *Store) UpsertItem(ctx context.Context, it catalog.Item) error {
	if err := catalog.Validate(it); err != nil {
		return fmt.Errorf("catalog store: upsert %q: %w", it.Code, err)
	}
	var vec *pgvector.Vector
	if len(it.Embedding) > 0 {
		v := pgvector.NewVector(it.Embedding)
		vec = &v
	}
	keywords := it.Keywords
	if keywords == nil {
		keywords = []string{}
	}
	negative := it.NegativeKeywords
	if negative == nil {
		negative = []string{}
	}

	const q = `
		INSERT INTO catalog_items
		    (code, name, description, keywords, negative_keywords, price_pence, active, embedding, content_hash, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (code) DO UPDATE SET
		    name              = EXCLUDED.name,
		    description       = EXCLUDED.description,
		    keywords          = EXCLUDED.keywords,
		    negative_keywords = EXCLUDED.negative_keywords,
		    price_pence       = EXCLUDED.price_pence,
		    active            = EXCLUDED.active,
		    embedding         = CASE
		        WHEN EXCLUDED.embedding IS NOT NULL THEN EXCLUDED.embedding
		        WHEN catalog_items.content_hash = EXCLUDED.content_hash THEN catalog_items.embedding
		        ELSE NULL
		    END,
		    embedding_model   = CASE
		        WHEN EXCLUDED.embedding IS NOT NULL OR catalog_items.content_hash = EXCLUDED.content_hash
		            THEN catalog_items.embedding_model
		        ELSE ''
		    END,
		    content_hash      = EXCLUDED.content_hash,
		    updated_at        = now()`

	_, err := s.pool.Exec(ctx, q,
		it.Code,
		it.Name,
		it.Description,
		keywords,
		negative,
		it.PricePence,
		it.Active,
		vec,
		it.ContentHash(),
	)
	if err != nil {
		return fmt.Errorf("catalog store: upsert %q: %w", it.Code, err)
	}
	return nil
}

// ErrItemNotFound is returned when an item code does not exist.
var ErrItemNotFound = errors.New("catalog store: item not found")

// SetEmbedding stores vec for the item with the given code together with the
// model that produced it.
func (s *Store) SetEmbedding(ctx context.Context, code string, vec []float32, model string) error {
	const q = `
		UPDATE catalog_items
		SET    embedding = $2, embedding_model = $3, updated_at = now()
		WHERE  code = $1`
	tag, err := s.pool.Exec(ctx, q, code, pgvector.NewVector(vec), model)
	if err != nil {
		return fmt.Errorf("catalog store: set embedding %q: %w", code, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %q", ErrItemNotFound, code)
	}
	return nil
}

// MissingEmbeddings returns active items with no vector, or whose vector was
// produced by a model other than model.
func (s *Store) MissingEmbeddings(ctx context.Context, model string) ([]catalog.Item, error) {
	return s.queryItems(ctx, `
		SELECT code, name, description, keywords, negative_keywords, price_pence, active, embedding
		FROM   catalog_items
		WHERE  active AND (embedding IS NULL OR embedding_model <> $1)
		ORDER  BY code`, model)
}

// Neighbour is an item with its cosine similarity to a query vector.
type Neighbour struct {
	Item       catalog.Item
	Similarity float64
}

// NearestItems returns the k active items closest to vec by cosine
// distance, most similar first. It uses the HNSW index and serves catalogs
// too large to rank in memory.
func (s *Store) NearestItems(ctx context.Context, vec []float32, k int) ([]Neighbour, error) {
	const q = `
		SELECT code, name, description, keywords, negative_keywords, price_pence, active, embedding,
		       embedding <=> $1 AS distance
		FROM   catalog_items
		WHERE  active AND embedding IS NOT NULL
		ORDER  BY distance
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(vec), k)
	if err != nil {
		return nil, fmt.Errorf("catalog store: nearest: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Neighbour, error) {
		var (
			n        Neighbour
			emb      pgvector.Vector
			distance float64
		)
		if err := row.Scan(
			&n.Item.Code,
			&n.Item.Name,
			&n.Item.Description,
			&n.Item.Keywords,
			&n.Item.NegativeKeywords,
			&n.Item.PricePence,
			&n.Item.Active,
			&emb,
			&distance,
		); err != nil {
			return Neighbour{}, err
		}
		n.Item.ID = n.Item.Code
		n.Item.Embedding = emb.Slice()
		n.Similarity = 1 - distance
		return n, nil
	})
	if err != nil {
		return nil, fmt.Errorf("catalog store: scan rows: %w", err)
	}
	return out, nil
}
