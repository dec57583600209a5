// Package api exposes call sessions over HTTP and WebSocket.
//
// Routes:
//
//	POST   /v1/calls                  start a call
//	GET    /v1/calls                  list live calls
//	GET    /v1/calls/{id}             call snapshot
//	POST   /v1/calls/{id}/segments    add a transcript segment
//	PATCH  /v1/calls/{id}/metadata    merge caller details
//	DELETE /v1/calls/{id}             close the call and wait for the final pass
//	GET    /v1/calls/{id}/stream      websocket: segment frames in, events out
//	GET    /v1/events                 websocket event feed
//	POST   /v1/classify               one-shot analysis without a session
//	GET    /healthz, /readyz, /metrics
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Courtneyezra/handyservices-app-sub008/internal/callsession"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/events"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/health"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/observe"
)

const maxBodySize = 1 << 20 // 1MB

// Deps are the handler's collaborators.
type Deps struct {
	Sessions *callsession.Manager
	Bus      *events.Bus

	// Analyzer serves /v1/classify. Usually the same aggregator sessions use.
	Analyzer callsession.Analyzer

	// Health serves the probes. Optional.
	Health *health.Handler

	Metrics *observe.Metrics

	// MetricsHandler serves /metrics. Defaults to promhttp.Handler().
	MetricsHandler http.Handler

	// OriginPatterns lists hosts allowed to open websockets cross-origin.
	OriginPatterns []string
}

// NewHandler builds the router.
func NewHandler(d Deps) http.Handler {
	if d.Metrics == nil {
		d.Metrics = observe.DefaultMetrics()
	}
	if d.MetricsHandler == nil {
		d.MetricsHandler = promhttp.Handler()
	}

	r := chi.NewRouter()
	r.Use(observe.Middleware(d.Metrics))

	if d.Health != nil {
		d.Health.Register(r)
	}
	r.Method(http.MethodGet, "/metrics", d.MetricsHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/calls", handleStartCall(d))
		r.Get("/calls", handleListCalls(d))
		r.Get("/calls/{id}", handleGetCall(d))
		r.Post("/calls/{id}/segments", handleSegment(d))
		r.Patch("/calls/{id}/metadata", handleMetadata(d))
		r.Delete("/calls/{id}", handleCloseCall(d))
		r.Get("/calls/{id}/stream", handleStream(d))
		r.Get("/events", handleEvents(d))
		r.Post("/classify", handleClassify(d))
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"status":  code,
		},
	})
}

// decodeBody reads a size-limited JSON body into v. An empty body leaves v
// untouched when allowEmpty is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return false
	}
	return true
}
