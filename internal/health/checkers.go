package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/Courtneyezra/handyservices-app-sub008/internal/catalog"
)

// SnapshotSource is satisfied by [catalog.Cache].
type SnapshotSource interface {
	Current() *catalog.Snapshot
}

// CatalogLoaded fails until the catalog cache holds a snapshot. An empty
// catalog is ready: every task then routes to a video quote.
func CatalogLoaded(src SnapshotSource) Checker {
	return Checker{
		Name: "catalog",
		Check: func(context.Context) error {
			if src.Current() == nil {
				return errors.New("no snapshot loaded")
			}
			return nil
		},
	}
}

// Pinger is satisfied by the Postgres store and pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping wraps a dependency that can be pinged.
func Ping(name string, p Pinger) Checker {
	return Checker{
		Name: name,
		Check: func(ctx context.Context) error {
			if err := p.Ping(ctx); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
			return nil
		},
	}
}
