package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Courtneyezra/handyservices-app-sub008/internal/catalog"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/detect"
)

const testCatalogYAML = `items:
  - code: TAP-REPAIR
    name: Tap repair
    keywords: [tap, dripping tap]
    price_pence: 8500
  - code: SHELF-FIT
    name: Shelf fitting
    keywords: [shelf]
    price_pence: 6000
`

// writeConfig writes a config that reads the catalog from a YAML file next
// to it and returns the config path.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	catPath := filepath.Join(dir, "catalog.yaml")
	if err := os.WriteFile(catPath, []byte(testCatalogYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	cfgPath := filepath.Join(dir, "config.yaml")
	cfg := "server:\n  listen_addr: 127.0.0.1:0\n  log_level: warn\ncatalog:\n  file: " + catPath + "\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return cfgPath
}

func TestRootCmd_Subcommands(t *testing.T) {
	t.Parallel()
	root := newRootCmd()
	want := map[string]bool{"serve": false, "classify": false, "catalog": false}
	for _, c := range root.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("subcommand %q not registered", name)
		}
	}

	cat, _, err := root.Find([]string{"catalog", "embed"})
	if err != nil || cat.Name() != "embed" {
		t.Errorf("catalog embed: got %v, %v", cat, err)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	t.Parallel()
	root := newRootCmd()
	root.SetArgs([]string{"classify", "-c", filepath.Join(t.TempDir(), "nope.yaml"), "tap"})
	root.SetOut(new(bytes.Buffer))
	root.SetErr(new(bytes.Buffer))
	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "configs/example.yaml") {
		t.Fatalf("err = %v, want hint about example config", err)
	}
}

func TestClassifyCommand(t *testing.T) {
	cfgPath := writeConfig(t)

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(new(bytes.Buffer))
	root.SetArgs([]string{"classify", "-c", cfgPath, "please fix a dripping tap"})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var a detect.Analysis
	if err := json.Unmarshal(out.Bytes(), &a); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out.String())
	}
	found := false
	for _, ms := range a.Decision.MatchedServices {
		if ms.Item.Code == "TAP-REPAIR" {
			found = true
		}
	}
	if !found {
		t.Errorf("TAP-REPAIR not matched: %s", out.String())
	}
}

func TestClassifyCommand_Stdin(t *testing.T) {
	cfgPath := writeConfig(t)

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(new(bytes.Buffer))
	root.SetIn(strings.NewReader("can you put a shelf up\n"))
	root.SetArgs([]string{"classify", "-c", cfgPath, "-"})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out.String(), "SHELF-FIT") {
		t.Errorf("output missing SHELF-FIT: %s", out.String())
	}
}

func TestReadTranscript(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		stdin   string
		args    []string
		want    string
		wantErr bool
	}{
		{name: "argument", args: []string{"fix my tap"}, want: "fix my tap"},
		{name: "dash reads stdin", stdin: "  from stdin\n", args: []string{"-"}, want: "from stdin"},
		{name: "no args reads stdin", stdin: "hello", want: "hello"},
		{name: "empty stdin", stdin: " \n", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := readTranscript(strings.NewReader(tt.stdin), tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOptHelpers(t *testing.T) {
	t.Parallel()
	opts := map[string]any{
		"s":     "x",
		"i":     7,
		"f":     3.9,
		"d":     "250ms",
		"bad_d": "soon",
	}
	if got := optString(opts, "s"); got != "x" {
		t.Errorf("optString = %q", got)
	}
	if got := optString(opts, "i"); got != "" {
		t.Errorf("optString(non-string) = %q", got)
	}
	if got := optString(nil, "s"); got != "" {
		t.Errorf("optString(nil) = %q", got)
	}
	if got := optInt(opts, "i"); got != 7 {
		t.Errorf("optInt = %d", got)
	}
	if got := optInt(opts, "f"); got != 3 {
		t.Errorf("optInt(float) = %d", got)
	}
	if got := optDuration(opts, "d"); got != 250*time.Millisecond {
		t.Errorf("optDuration = %v", got)
	}
	if got := optDuration(opts, "bad_d"); got != 0 {
		t.Errorf("optDuration(invalid) = %v", got)
	}
}

// ── catalog import / embed ────────────────────────────────────────────────────

type fakeItemStore struct {
	items     map[string]catalog.Item
	vecs      map[string][]float32
	models    map[string]string
	upsertErr error
}

func newFakeItemStore(items ...catalog.Item) *fakeItemStore {
	s := &fakeItemStore{
		items:  make(map[string]catalog.Item),
		vecs:   make(map[string][]float32),
		models: make(map[string]string),
	}
	for _, it := range items {
		s.items[it.Code] = it
	}
	return s
}

func (s *fakeItemStore) LoadAll(context.Context) ([]catalog.Item, error) {
	out := make([]catalog.Item, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, it)
	}
	return out, nil
}

func (s *fakeItemStore) UpsertItem(_ context.Context, it catalog.Item) error {
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.items[it.Code] = it
	return nil
}

func (s *fakeItemStore) MissingEmbeddings(_ context.Context, model string) ([]catalog.Item, error) {
	var out []catalog.Item
	for code, it := range s.items {
		if it.Active && s.models[code] != model {
			out = append(out, it)
		}
	}
	return out, nil
}

func (s *fakeItemStore) SetEmbedding(_ context.Context, code string, vec []float32, model string) error {
	s.vecs[code] = vec
	s.models[code] = model
	return nil
}

func writeCatalogFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "items.yaml")
	if err := os.WriteFile(path, []byte(testCatalogYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestImportCatalog(t *testing.T) {
	t.Parallel()
	path := writeCatalogFile(t)

	t.Run("keeps unknown items", func(t *testing.T) {
		t.Parallel()
		store := newFakeItemStore(catalog.Item{Code: "OLD", Name: "Old", PricePence: 1, Active: true})
		n, off, err := importCatalog(context.Background(), store, path, false)
		if err != nil {
			t.Fatal(err)
		}
		if n != 2 || off != 0 {
			t.Errorf("imported %d, deactivated %d", n, off)
		}
		if !store.items["OLD"].Active {
			t.Error("OLD deactivated without --deactivate-missing")
		}
	})

	t.Run("deactivates missing", func(t *testing.T) {
		t.Parallel()
		store := newFakeItemStore(catalog.Item{Code: "OLD", Name: "Old", PricePence: 1, Active: true})
		n, off, err := importCatalog(context.Background(), store, path, true)
		if err != nil {
			t.Fatal(err)
		}
		if n != 2 || off != 1 {
			t.Errorf("imported %d, deactivated %d", n, off)
		}
		if store.items["OLD"].Active {
			t.Error("OLD still active")
		}
		if !store.items["TAP-REPAIR"].Active {
			t.Error("imported item inactive")
		}
	})

	t.Run("upsert error", func(t *testing.T) {
		t.Parallel()
		store := newFakeItemStore()
		store.upsertErr = errors.New("db down")
		if _, _, err := importCatalog(context.Background(), store, path, false); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		_, _, err := importCatalog(context.Background(), newFakeItemStore(), filepath.Join(t.TempDir(), "x.yaml"), false)
		if !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("err = %v", err)
		}
	})
}

type fakeEmbedder struct {
	calls int
	fail  bool
}

func (e *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)), 1}, nil
}

func (e *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.calls++
	if e.fail {
		return nil, errors.New("quota")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = e.Embed(ctx, t)
	}
	return out, nil
}

func (e *fakeEmbedder) Dimensions() int { return 2 }
func (e *fakeEmbedder) ModelID() string { return "fake-embed" }

func TestEmbedCatalog(t *testing.T) {
	t.Parallel()
	store := newFakeItemStore(
		catalog.Item{Code: "A", Name: "A", PricePence: 1, Active: true},
		catalog.Item{Code: "B", Name: "B", PricePence: 1, Active: true},
		catalog.Item{Code: "C", Name: "C", PricePence: 1, Active: true},
		catalog.Item{Code: "OFF", Name: "Off", PricePence: 1},
	)
	emb := &fakeEmbedder{}

	n, err := embedCatalog(context.Background(), store, emb, 2)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("embedded %d, want 3", n)
	}
	if emb.calls != 2 {
		t.Errorf("EmbedBatch calls = %d, want 2", emb.calls)
	}
	if _, ok := store.vecs["OFF"]; ok {
		t.Error("inactive item embedded")
	}
	if store.models["A"] != "fake-embed" {
		t.Errorf("model = %q", store.models["A"])
	}

	// Second run has nothing left to do.
	n, err = embedCatalog(context.Background(), store, emb, 2)
	if err != nil || n != 0 {
		t.Errorf("second run: %d, %v", n, err)
	}
}

func TestEmbedCatalog_ProviderError(t *testing.T) {
	t.Parallel()
	store := newFakeItemStore(catalog.Item{Code: "A", Name: "A", PricePence: 1, Active: true})
	if _, err := embedCatalog(context.Background(), store, &fakeEmbedder{fail: true}, 0); err == nil {
		t.Fatal("expected error")
	}
}
