package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/Courtneyezra/handyservices-app-sub008/internal/callsession"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/events"
)

const writeTimeout = 5 * time.Second

// Frame is one client message on a call stream. Type defaults to "segment".
type Frame struct {
	Type string `json:"type"`

	// segment
	Text    string `json:"text,omitempty"`
	Speaker string `json:"speaker,omitempty"`
	IsFinal bool   `json:"isFinal,omitempty"`

	// metadata
	Metadata *callsession.Metadata `json:"metadata,omitempty"`
}

// Frame types.
const (
	FrameSegment  = "segment"
	FrameMetadata = "metadata"
	FrameEnd      = "end"
)

func accept(d Deps, w http.ResponseWriter, r *http.Request) (*websocket.Conn, bool) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: d.OriginPatterns,
	})
	if err != nil {
		slog.Warn("api: websocket accept failed", "path", r.URL.Path, "err", err)
		return nil, false
	}
	return conn, true
}

func writeEvent(ctx context.Context, conn *websocket.Conn, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// handleStream attaches a websocket to a call, creating it when the id is
// unknown. Client frames carry segments; the server sends the call's events.
// An "end" frame closes the call and the socket is closed after
// session_closed is sent. A socket closed by the client also closes the call.
func handleStream(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		// Subscribe first so session_started of a new call is delivered.
		sub := d.Bus.Subscribe(events.ForSession(id))
		defer sub.Close()

		s, err := d.Sessions.Get(id)
		if errors.Is(err, callsession.ErrSessionNotFound) {
			s, err = d.Sessions.Start(id, r.URL.Query().Get("phone"))
		}
		if err != nil {
			httpError(w, http.StatusConflict, "%v", err)
			return
		}

		conn, ok := accept(d, w, r)
		if !ok {
			s.Close()
			return
		}
		defer conn.CloseNow()

		log := slog.With("session_id", s.ID())
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		_ = s.Activate()
		go func() {
			defer cancel()
			readFrames(ctx, conn, s, log)
		}()

		for {
			select {
			case <-ctx.Done():
				s.Close()
				return
			case e, ok := <-sub.C:
				if !ok {
					conn.Close(websocket.StatusGoingAway, "server shutting down")
					return
				}
				if err := writeEvent(ctx, conn, e); err != nil {
					log.Debug("api: stream write failed", "err", err)
					s.Close()
					return
				}
				if e.Type == events.SessionClosed {
					conn.Close(websocket.StatusNormalClosure, "call finalized")
					return
				}
			}
		}
	}
}

// readFrames feeds client frames into the session until the socket closes or
// an end frame arrives. After an end frame the reader keeps draining so the
// writer can deliver the final events.
func readFrames(ctx context.Context, conn *websocket.Conn, s *callsession.Session, log *slog.Logger) {
	ended := false
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				log.Debug("api: stream read failed", "err", err)
			}
			if !ended {
				s.Close()
			}
			return
		}
		if ended || typ != websocket.MessageText {
			continue
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warn("api: invalid stream frame", "err", err)
			continue
		}
		switch f.Type {
		case "", FrameSegment:
			if strings.TrimSpace(f.Text) == "" {
				continue
			}
			_ = s.OnSegment(callsession.Segment{Text: f.Text, Speaker: f.Speaker, IsFinal: f.IsFinal})
		case FrameMetadata:
			if f.Metadata != nil {
				_ = s.UpdateMetadata(*f.Metadata)
			}
		case FrameEnd:
			ended = true
			s.Close()
		default:
			log.Warn("api: unknown stream frame", "type", f.Type)
		}
	}
}

// handleEvents streams bus events. Query parameters narrow the feed:
// session=<id> and type=<t1,t2>.
func handleEvents(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var filters []events.Filter
		if id := r.URL.Query().Get("session"); id != "" {
			filters = append(filters, events.ForSession(id))
		}
		if ts := r.URL.Query().Get("type"); ts != "" {
			var types []events.Type
			for _, t := range strings.Split(ts, ",") {
				if t = strings.TrimSpace(t); t != "" {
					types = append(types, events.Type(t))
				}
			}
			filters = append(filters, events.OfType(types...))
		}

		sub := d.Bus.Subscribe(filters...)
		defer sub.Close()

		conn, ok := accept(d, w, r)
		if !ok {
			return
		}
		defer conn.CloseNow()

		// The feed is write-only; CloseRead handles pings and the close frame.
		ctx := conn.CloseRead(r.Context())
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-sub.C:
				if !ok {
					conn.Close(websocket.StatusGoingAway, "server shutting down")
					return
				}
				if err := writeEvent(ctx, conn, e); err != nil {
					slog.Debug("api: event feed write failed", "err", err)
					return
				}
			}
		}
	}
}
