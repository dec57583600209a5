package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Courtneyezra/handyservices-app-sub008/internal/catalog"
)

func ok(context.Context) error { return nil }

func failWith(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) result {
	t.Helper()
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return body
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	// Liveness ignores failing checkers and draining.
	h := New(Checker{Name: "postgres", Check: failWith("down")})
	h.SetDraining()

	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if body := decode(t, rec); body.Status != "ok" || body.Checks != nil {
		t.Errorf("body = %+v", body)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		checkers   []Checker
		draining   bool
		wantStatus int
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantStatus: http.StatusOK,
			wantChecks: map[string]string{},
		},
		{
			name:       "all pass",
			checkers:   []Checker{{Name: "postgres", Check: ok}, {Name: "catalog", Check: ok}},
			wantStatus: http.StatusOK,
			wantChecks: map[string]string{"postgres": "ok", "catalog": "ok"},
		},
		{
			name:       "one fails",
			checkers:   []Checker{{Name: "postgres", Check: failWith("connection refused")}, {Name: "catalog", Check: ok}},
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: map[string]string{"postgres": "fail: connection refused", "catalog": "ok"},
		},
		{
			name:       "all fail",
			checkers:   []Checker{{Name: "postgres", Check: failWith("timeout")}, {Name: "catalog", Check: failWith("no snapshot loaded")}},
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: map[string]string{"postgres": "fail: timeout", "catalog": "fail: no snapshot loaded"},
		},
		{
			name:       "draining",
			checkers:   []Checker{{Name: "catalog", Check: ok}},
			draining:   true,
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: map[string]string{"catalog": "ok", "shutdown": "fail: draining"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := New(tc.checkers...)
			if tc.draining {
				h.SetDraining()
			}
			rec := httptest.NewRecorder()
			h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			body := decode(t, rec)
			wantStatus := "ok"
			if tc.wantStatus != http.StatusOK {
				wantStatus = "fail"
			}
			if body.Status != wantStatus {
				t.Errorf("body status = %q, want %q", body.Status, wantStatus)
			}
			if len(body.Checks) != len(tc.wantChecks) {
				t.Errorf("checks = %v, want %v", body.Checks, tc.wantChecks)
			}
			for name, want := range tc.wantChecks {
				if body.Checks[name] != want {
					t.Errorf("checks[%q] = %q, want %q", name, body.Checks[name], want)
				}
			}
		})
	}
}

func TestRegister_RoutesWork(t *testing.T) {
	t.Parallel()

	mux := chi.NewRouter()
	New(Checker{Name: "catalog", Check: ok}).Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, rec.Code)
		}
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	h := New(
		Checker{Name: "slow", Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	req := httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestReadyz_ChecksRunConcurrently(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	block := func(context.Context) error {
		started <- struct{}{}
		<-release
		return nil
	}
	h := New(Checker{Name: "a", Check: block}, Checker{Name: "b", Check: block})

	done := make(chan int)
	go func() {
		rec := httptest.NewRecorder()
		h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))
		done <- rec.Code
	}()
	for range 2 {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("checkers did not start concurrently")
		}
	}
	close(release)
	if code := <-done; code != http.StatusOK {
		t.Errorf("status = %d, want 200", code)
	}
}

type snapshotSource struct{ snap *catalog.Snapshot }

func (s snapshotSource) Current() *catalog.Snapshot { return s.snap }

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestCheckers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		checker Checker
		wantErr bool
	}{
		{"catalog loaded", CatalogLoaded(snapshotSource{catalog.NewSnapshot(nil, time.Now())}), false},
		{"catalog missing", CatalogLoaded(snapshotSource{}), true},
		{"ping ok", Ping("postgres", pinger{}), false},
		{"ping fails", Ping("postgres", pinger{errors.New("connection refused")}), true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := tc.checker.Check(context.Background())
			if (err != nil) != tc.wantErr {
				t.Errorf("Check() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}
