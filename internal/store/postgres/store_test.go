package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Courtneyezra/handyservices-app-sub008/internal/catalog"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/detect"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/recorder"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/store/postgres"
)

const testEmbeddingDim = 4

// testDSN returns the test database DSN from the environment, or skips the
// test if CALLINTEL_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("CALLINTEL_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CALLINTEL_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a [postgres.Store] on a clean schema and closes it
// when the test finishes.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS call_analyses CASCADE",
		"DROP TABLE IF EXISTS catalog_items CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			t.Fatalf("drop schema: %v", err)
		}
	}
	pool.Close()

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	if err := store.Migrate(ctx, testEmbeddingDim); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return store
}

func item(code, name string, price int64, active bool, kw ...string) catalog.Item {
	return catalog.Item{Code: code, Name: name, PricePence: price, Active: active, Keywords: kw}
}

func TestMigrate_Idempotent(t *testing.T) {
	store := newTestStore(t)
	if err := store.Migrate(context.Background(), testEmbeddingDim); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestMigrate_RejectsZeroDimensions(t *testing.T) {
	store := newTestStore(t)
	if err := store.Migrate(context.Background(), 0); err == nil {
		t.Fatal("expected error for zero dimensions")
	}
}

func TestPing(t *testing.T) {
	store := newTestStore(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestUpsertAndLoad(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, it := range []catalog.Item{
		item("TAP-REPAIR", "Tap repair", 8500, true, "tap", "leak"),
		item("SHELF-FIT", "Shelf fitting", 6000, true, "shelf"),
		item("OLD-ITEM", "Retired", 1000, false, "old"),
	} {
		if err := store.UpsertItem(ctx, it); err != nil {
			t.Fatalf("UpsertItem(%s): %v", it.Code, err)
		}
	}

	active, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("active items: got %d, want 2", len(active))
	}
	if active[0].Code != "SHELF-FIT" || active[1].Code != "TAP-REPAIR" {
		t.Errorf("order: got %s, %s", active[0].Code, active[1].Code)
	}
	if active[1].PricePence != 8500 || len(active[1].Keywords) != 2 {
		t.Errorf("TAP-REPAIR: got %+v", active[1])
	}
	if active[1].ID != "TAP-REPAIR" {
		t.Errorf("ID: got %q, want code", active[1].ID)
	}

	all, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("all items: got %d, want 3", len(all))
	}
}

func TestUpsertItem_RejectsInvalid(t *testing.T) {
	store := newTestStore(t)
	err := store.UpsertItem(context.Background(), item("", "No code", 100, true))
	if err == nil {
		t.Fatal("expected validation error")
	}
}

func TestUpsertItem_EmbeddingLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tap := item("TAP-REPAIR", "Tap repair", 8500, true, "tap")
	if err := store.UpsertItem(ctx, tap); err != nil {
		t.Fatalf("UpsertItem: %v", err)
	}
	if err := store.SetEmbedding(ctx, "TAP-REPAIR", []float32{1, 0, 0, 0}, "m1"); err != nil {
		t.Fatalf("SetEmbedding: %v", err)
	}

	// Price changes do not touch the embedding text.
	tap.PricePence = 9000
	if err := store.UpsertItem(ctx, tap); err != nil {
		t.Fatalf("UpsertItem price: %v", err)
	}
	missing, err := store.MissingEmbeddings(ctx, "m1")
	if err != nil {
		t.Fatalf("MissingEmbeddings: %v", err)
	}
	if len(missing) != 0 {
		t.Fatalf("embedding dropped on price change: %+v", missing)
	}

	// A renamed item must be re-embedded.
	tap.Name = "Mixer tap repair"
	if err := store.UpsertItem(ctx, tap); err != nil {
		t.Fatalf("UpsertItem rename: %v", err)
	}
	missing, err = store.MissingEmbeddings(ctx, "m1")
	if err != nil {
		t.Fatalf("MissingEmbeddings: %v", err)
	}
	if len(missing) != 1 || missing[0].Embedding != nil {
		t.Fatalf("expected cleared embedding, got %+v", missing)
	}

	// A different model counts as missing.
	if err := store.SetEmbedding(ctx, "TAP-REPAIR", []float32{1, 0, 0, 0}, "m1"); err != nil {
		t.Fatalf("SetEmbedding: %v", err)
	}
	missing, err = store.MissingEmbeddings(ctx, "m2")
	if err != nil {
		t.Fatalf("MissingEmbeddings: %v", err)
	}
	if len(missing) != 1 {
		t.Errorf("model change: got %d missing, want 1", len(missing))
	}
}

func TestSetEmbedding_UnknownCode(t *testing.T) {
	store := newTestStore(t)
	err := store.SetEmbedding(context.Background(), "NOPE", []float32{1, 0, 0, 0}, "m1")
	if !errors.Is(err, postgres.ErrItemNotFound) {
		t.Fatalf("got %v, want ErrItemNotFound", err)
	}
}

func TestNearestItems(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	vectors := map[string][]float32{
		"TAP-REPAIR": {1, 0, 0, 0},
		"SHELF-FIT":  {0, 1, 0, 0},
		"DOOR-HANG":  {0.9, 0.1, 0, 0},
	}
	for code, vec := range vectors {
		it := item(code, code, 1000, true)
		it.Embedding = vec
		if err := store.UpsertItem(ctx, it); err != nil {
			t.Fatalf("UpsertItem(%s): %v", code, err)
		}
	}

	got, err := store.NearestItems(ctx, []float32{1, 0, 0, 0}, 2)
	if err != nil {
		t.Fatalf("NearestItems: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d neighbours, want 2", len(got))
	}
	if got[0].Item.Code != "TAP-REPAIR" || got[1].Item.Code != "DOOR-HANG" {
		t.Errorf("order: got %s, %s", got[0].Item.Code, got[1].Item.Code)
	}
	if got[0].Similarity < 0.999 {
		t.Errorf("self similarity: got %f", got[0].Similarity)
	}
	if len(got[0].Item.Embedding) != testEmbeddingDim {
		t.Errorf("embedding width: got %d", len(got[0].Item.Embedding))
	}
}

func TestSaveCall(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	rec := recorder.Record{
		SessionID:   "call-1",
		PhoneNumber: "+447700900000",
		StartedAt:   start,
		ClosedAt:    start.Add(3 * time.Minute),
		Transcript:  "my kitchen tap is leaking",
		Decision: &detect.Decision{
			NextRoute:              detect.RouteInstantPrice,
			TotalMatchedPricePence: 8500,
		},
		Metadata: map[string]string{"agent": "sam"},
	}
	if err := store.SaveCall(ctx, rec); err != nil {
		t.Fatalf("SaveCall: %v", err)
	}

	// Saving again replaces the row.
	rec.Decision.TotalMatchedPricePence = 9000
	if err := store.SaveCall(ctx, rec); err != nil {
		t.Fatalf("SaveCall again: %v", err)
	}

	// Calls closed before any analysis have no decision.
	if err := store.SaveCall(ctx, recorder.Record{
		SessionID: "call-2",
		StartedAt: start,
		ClosedAt:  start.Add(time.Hour),
	}); err != nil {
		t.Fatalf("SaveCall without decision: %v", err)
	}

	got, err := store.RecentCalls(ctx, 10)
	if err != nil {
		t.Fatalf("RecentCalls: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d calls, want 2", len(got))
	}
	if got[0].SessionID != "call-2" {
		t.Errorf("most recent first: got %s", got[0].SessionID)
	}
	if got[1].PricePence != 9000 || got[1].NextRoute != detect.RouteInstantPrice {
		t.Errorf("call-1: got %+v", got[1])
	}
}
