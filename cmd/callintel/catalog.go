package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Courtneyezra/handyservices-app-sub008/internal/app"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/catalog"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/config"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/store/postgres"
	"github.com/Courtneyezra/handyservices-app-sub008/pkg/provider/embeddings"
)

func newCatalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage the PostgreSQL service catalog",
	}
	cmd.AddCommand(newCatalogMigrateCmd(), newCatalogImportCmd(), newCatalogEmbedCmd())
	return cmd
}

// openStore connects to catalog.postgres_dsn.
func openStore(ctx context.Context, cfg *config.Config) (*postgres.Store, error) {
	if cfg.Catalog.PostgresDSN == "" {
		return nil, errors.New("catalog.postgres_dsn is not configured")
	}
	return postgres.NewStore(ctx, cfg.Catalog.PostgresDSN)
}

func newCatalogMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Migrate(cmd.Context(), cfg.Catalog.EmbeddingDimensions); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema ready (embedding dimensions %d)\n", cfg.Catalog.EmbeddingDimensions)
			return nil
		},
	}
}

func newCatalogImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Upsert catalog items from a YAML file",
		Long: `Upsert catalog items from a YAML file. The file defaults to catalog.file.

Items already in the database but absent from the file are left alone unless
--deactivate-missing is set.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			path := cfg.Catalog.File
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return errors.New("no catalog file given and catalog.file is not configured")
			}
			deactivate, _ := cmd.Flags().GetBool("deactivate-missing")

			ctx := cmd.Context()
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Migrate(ctx, cfg.Catalog.EmbeddingDimensions); err != nil {
				return err
			}

			n, off, err := importCatalog(ctx, store, path, deactivate)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d items, deactivated %d\n", n, off)
			return nil
		},
	}
	cmd.Flags().Bool("deactivate-missing", false, "mark database items missing from the file inactive")
	return cmd
}

// itemStore is the part of the store the import and embed commands use.
type itemStore interface {
	LoadAll(ctx context.Context) ([]catalog.Item, error)
	UpsertItem(ctx context.Context, it catalog.Item) error
	MissingEmbeddings(ctx context.Context, model string) ([]catalog.Item, error)
	SetEmbedding(ctx context.Context, code string, vec []float32, model string) error
}

func importCatalog(ctx context.Context, store itemStore, path string, deactivate bool) (imported, deactivated int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	items, err := catalog.LoadItemsFromReader(f)
	if err != nil {
		return 0, 0, fmt.Errorf("%s: %w", path, err)
	}

	seen := make(map[string]bool, len(items))
	for _, it := range items {
		if err := store.UpsertItem(ctx, it); err != nil {
			return imported, 0, err
		}
		seen[it.Code] = true
		imported++
	}
	if !deactivate {
		return imported, 0, nil
	}

	existing, err := store.LoadAll(ctx)
	if err != nil {
		return imported, 0, err
	}
	for _, it := range existing {
		if seen[it.Code] || !it.Active {
			continue
		}
		it.Active = false
		if err := store.UpsertItem(ctx, it); err != nil {
			return imported, deactivated, err
		}
		deactivated++
	}
	return imported, deactivated, nil
}

func newCatalogEmbedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "embed",
		Short: "Compute and store embeddings for items that lack one",
		Long: `Compute and store embeddings for active items that have none, or whose
vector came from a different model than the configured embeddings provider.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Providers.Embeddings.Name == "" {
				return errors.New("providers.embeddings is not configured")
			}
			batch, _ := cmd.Flags().GetInt("batch")

			reg := config.NewRegistry()
			registerBuiltinProviders(reg)
			providers, err := app.BuildProviders(cfg, reg, nil)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := embedCatalog(ctx, store, providers.Embeddings, batch)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "embedded %d items with %s\n", n, providers.Embeddings.ModelID())
			return nil
		},
	}
	cmd.Flags().Int("batch", 64, "items per embeddings request")
	return cmd
}

func embedCatalog(ctx context.Context, store itemStore, p embeddings.Provider, batch int) (int, error) {
	if batch <= 0 {
		batch = 64
	}
	model := p.ModelID()
	missing, err := store.MissingEmbeddings(ctx, model)
	if err != nil {
		return 0, err
	}

	done := 0
	for start := 0; start < len(missing); start += batch {
		chunk := missing[start:min(start+batch, len(missing))]
		texts := make([]string, len(chunk))
		for i, it := range chunk {
			texts[i] = it.EmbeddingText()
		}
		vecs, err := p.EmbedBatch(ctx, texts)
		if err != nil {
			return done, fmt.Errorf("embed batch at %d: %w", start, err)
		}
		if len(vecs) != len(chunk) {
			return done, fmt.Errorf("embed batch at %d: got %d vectors for %d items", start, len(vecs), len(chunk))
		}
		for i, it := range chunk {
			if err := store.SetEmbedding(ctx, it.Code, vecs[i], model); err != nil {
				return done, err
			}
			done++
		}
		slog.Debug("catalog: embedded batch", "from", start, "items", len(chunk))
	}
	return done, nil
}
