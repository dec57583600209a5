package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/Courtneyezra/handyservices-app-sub008/internal/api"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/callsession"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/detect"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/events"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/health"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/safety"
)

type stubAnalyzer struct {
	err   error
	calls atomic.Int32
	last  atomic.Value // safety.Context
}

func (a *stubAnalyzer) Analyze(_ context.Context, text string, dctx safety.Context) (detect.Analysis, error) {
	a.calls.Add(1)
	a.last.Store(dctx)
	if a.err != nil {
		return detect.Analysis{}, a.err
	}
	return detect.Analysis{Decision: detect.Decision{
		NextRoute:              detect.RouteInstantPrice,
		TotalMatchedPricePence: 8500,
	}}, nil
}

type fixture struct {
	handler  http.Handler
	sessions *callsession.Manager
	bus      *events.Bus
	analyzer *stubAnalyzer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus := events.NewBus(events.WithBuffer(256))
	t.Cleanup(bus.Close)
	an := &stubAnalyzer{}
	m := callsession.NewManager(context.Background(), callsession.Config{
		Analyzer:  an,
		Publisher: bus,
		Clock:     clockwork.NewFakeClock(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	h := api.NewHandler(api.Deps{
		Sessions: m,
		Bus:      bus,
		Analyzer: an,
		Health:   health.New(),
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "# metrics\n")
		}),
	})
	return &fixture{handler: h, sessions: m, bus: bus, analyzer: an}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, httptest.NewRequest(method, path, r))
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", rr.Body.String(), err)
	}
	return v
}

func TestCalls_Lifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/v1/calls", `{"id":"c1","phoneNumber":"+441632960000"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("start: status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if snap := decode[callsession.Snapshot](t, rr); snap.ID != "c1" || snap.PhoneNumber != "+441632960000" {
		t.Errorf("start snapshot = %+v", snap)
	}

	if rr := f.do(t, http.MethodPost, "/v1/calls", `{"id":"c1"}`); rr.Code != http.StatusConflict {
		t.Errorf("duplicate start: status = %d, want 409", rr.Code)
	}

	if rr := f.do(t, http.MethodPost, "/v1/calls/c1/segments", `{"text":"my tap is dripping","isFinal":true}`); rr.Code != http.StatusAccepted {
		t.Fatalf("segment: status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if rr := f.do(t, http.MethodPatch, "/v1/calls/c1/metadata", `{"customerName":"Ann","leadType":"commercial"}`); rr.Code != http.StatusAccepted {
		t.Fatalf("metadata: status = %d, body = %s", rr.Code, rr.Body.String())
	}

	rr = f.do(t, http.MethodDelete, "/v1/calls/c1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("close: status = %d, body = %s", rr.Code, rr.Body.String())
	}
	snap := decode[callsession.Snapshot](t, rr)
	if snap.Status != callsession.StatusFinalized {
		t.Errorf("status = %s, want finalized", snap.Status)
	}
	if snap.Transcript != "my tap is dripping" {
		t.Errorf("transcript = %q", snap.Transcript)
	}
	if snap.Metadata.CustomerName != "Ann" {
		t.Errorf("metadata = %+v", snap.Metadata)
	}
	if snap.Analysis == nil || snap.Analysis.Decision.NextRoute != detect.RouteInstantPrice {
		t.Errorf("analysis = %+v", snap.Analysis)
	}
	if dctx, _ := f.analyzer.last.Load().(safety.Context); !dctx.Commercial() {
		t.Errorf("final pass context = %+v, want commercial lead", dctx)
	}

	if rr := f.do(t, http.MethodGet, "/v1/calls/c1", ""); rr.Code != http.StatusNotFound {
		t.Errorf("get after close: status = %d, want 404", rr.Code)
	}
}

func TestCalls_GeneratedIDAndList(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/v1/calls", "")
	if rr.Code != http.StatusCreated {
		t.Fatalf("start: status = %d, body = %s", rr.Code, rr.Body.String())
	}
	id := decode[callsession.Snapshot](t, rr).ID
	if id == "" {
		t.Fatal("expected generated id")
	}

	rr = f.do(t, http.MethodGet, "/v1/calls", "")
	list := decode[struct {
		Calls []callsession.Snapshot `json:"calls"`
	}](t, rr)
	if len(list.Calls) != 1 || list.Calls[0].ID != id {
		t.Errorf("list = %+v", list.Calls)
	}

	rr = f.do(t, http.MethodGet, "/v1/calls/"+id, "")
	if rr.Code != http.StatusOK {
		t.Errorf("get: status = %d", rr.Code)
	}
}

func TestCalls_BadRequests(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if rr := f.do(t, http.MethodPost, "/v1/calls", `{"id":"c1"}`); rr.Code != http.StatusCreated {
		t.Fatalf("start: status = %d", rr.Code)
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"segment unknown call", http.MethodPost, "/v1/calls/nope/segments", `{"text":"hi","isFinal":true}`, http.StatusNotFound},
		{"segment empty text", http.MethodPost, "/v1/calls/c1/segments", `{"text":"  ","isFinal":true}`, http.StatusBadRequest},
		{"segment bad json", http.MethodPost, "/v1/calls/c1/segments", `{"text":`, http.StatusBadRequest},
		{"segment unknown field", http.MethodPost, "/v1/calls/c1/segments", `{"txt":"hi"}`, http.StatusBadRequest},
		{"metadata unknown call", http.MethodPatch, "/v1/calls/nope/metadata", `{}`, http.StatusNotFound},
		{"start bad json", http.MethodPost, "/v1/calls", `[`, http.StatusBadRequest},
		{"close unknown call", http.MethodDelete, "/v1/calls/nope", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rr := f.do(t, tt.method, tt.path, tt.body); rr.Code != tt.want {
				t.Errorf("status = %d, want %d; body = %s", rr.Code, tt.want, rr.Body.String())
			}
		})
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       string
		analyzeErr error
		want       int
	}{
		{"ok", `{"text":"fix a dripping tap","isElderly":true}`, nil, http.StatusOK},
		{"empty text", `{"text":""}`, nil, http.StatusBadRequest},
		{"analyzer error", `{"text":"fix a tap"}`, errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			f.analyzer.err = tt.analyzeErr

			rr := f.do(t, http.MethodPost, "/v1/classify", tt.body)
			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d; body = %s", rr.Code, tt.want, rr.Body.String())
			}
			if tt.want != http.StatusOK {
				return
			}
			a := decode[detect.Analysis](t, rr)
			if a.Decision.NextRoute != detect.RouteInstantPrice {
				t.Errorf("route = %s", a.Decision.NextRoute)
			}
			if dctx, _ := f.analyzer.last.Load().(safety.Context); !dctx.IsElderly {
				t.Errorf("context = %+v, want elderly", dctx)
			}
		})
	}
}

func TestClassify_NoAnalyzer(t *testing.T) {
	t.Parallel()
	h := api.NewHandler(api.Deps{Bus: events.NewBus()})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/classify", strings.NewReader(`{"text":"x"}`)))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rr.Code)
	}
}

func TestProbesAndMetrics(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		if rr := f.do(t, http.MethodGet, path, ""); rr.Code != http.StatusOK {
			t.Errorf("%s: status = %d", path, rr.Code)
		}
	}
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func writeFrame(t *testing.T, ctx context.Context, conn *websocket.Conn, f api.Frame) {
	t.Helper()
	data, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readEvent(t *testing.T, ctx context.Context, conn *websocket.Conn) events.Event {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var e events.Event
	if err := json.Unmarshal(data, &e); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return e
}

func TestStream_SegmentsInEventsOut(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	srv := httptest.NewServer(f.handler)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv, "/v1/calls/ws1/stream?phone=%2B441632960000"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	writeFrame(t, ctx, conn, api.Frame{Text: "the bathroom tap", IsFinal: false})
	writeFrame(t, ctx, conn, api.Frame{Type: api.FrameSegment, Text: "the bathroom tap is dripping", IsFinal: true})
	writeFrame(t, ctx, conn, api.Frame{Type: api.FrameEnd})

	var seen []events.Type
	var closed events.Event
	for closed.Type != events.SessionClosed {
		e := readEvent(t, ctx, conn)
		seen = append(seen, e.Type)
		if e.Type == events.SessionClosed {
			closed = e
		}
	}

	want := []events.Type{
		events.SessionStarted,
		events.SegmentReceived,
		events.SegmentReceived,
		events.AnalysisUpdated,
		events.SessionClosed,
	}
	if len(seen) != len(want) {
		t.Fatalf("events = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, seen[i], want[i])
		}
	}
	if closed.FinalTranscript != "the bathroom tap is dripping" {
		t.Errorf("final transcript = %q", closed.FinalTranscript)
	}
	if closed.PhoneNumber != "+441632960000" {
		t.Errorf("phone = %q", closed.PhoneNumber)
	}
	if closed.FinalDecision == nil || closed.FinalDecision.TotalMatchedPricePence != 8500 {
		t.Errorf("final decision = %+v", closed.FinalDecision)
	}

	_, _, err = conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusNormalClosure {
		t.Errorf("close status = %v (err %v), want normal closure", got, err)
	}
}

func TestStream_ClientDisconnectClosesCall(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	srv := httptest.NewServer(f.handler)
	t.Cleanup(srv.Close)

	sub := f.bus.Subscribe(events.ForSession("ws2"), events.OfType(events.SessionClosed))
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv, "/v1/calls/ws2/stream"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	writeFrame(t, ctx, conn, api.Frame{Text: "need a shelf put up", IsFinal: true})
	if e := readEvent(t, ctx, conn); e.Type != events.SessionStarted {
		t.Fatalf("first event = %s", e.Type)
	}
	conn.Close(websocket.StatusNormalClosure, "bye")

	select {
	case e := <-sub.C:
		if e.FinalTranscript != "need a shelf put up" {
			t.Errorf("final transcript = %q", e.FinalTranscript)
		}
	case <-ctx.Done():
		t.Fatal("call not finalized after client disconnect")
	}
}

func TestEvents_Feed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	srv := httptest.NewServer(f.handler)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv, "/v1/events?type=session_started,session_closed"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	if _, err := f.sessions.Start("feed-1", ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := f.sessions.Close(ctx, "feed-1"); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for _, want := range []events.Type{events.SessionStarted, events.SessionClosed} {
		e := readEvent(t, ctx, conn)
		if e.Type != want || e.SessionID != "feed-1" {
			t.Errorf("event = %s/%s, want %s/feed-1", e.Type, e.SessionID, want)
		}
	}
}
