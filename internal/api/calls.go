package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Courtneyezra/handyservices-app-sub008/internal/callsession"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/safety"
)

// StartCallRequest is the body of POST /v1/calls. All fields are optional;
// a missing id is generated.
type StartCallRequest struct {
	ID          string                `json:"id"`
	PhoneNumber string                `json:"phoneNumber"`
	Metadata    *callsession.Metadata `json:"metadata"`
}

func handleStartCall(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req StartCallRequest
		if !decodeBody(w, r, &req, true) {
			return
		}
		s, err := d.Sessions.Start(req.ID, req.PhoneNumber)
		if err != nil {
			if errors.Is(err, callsession.ErrSessionExists) {
				httpError(w, http.StatusConflict, "%v", err)
				return
			}
			httpError(w, http.StatusInternalServerError, "start call: %v", err)
			return
		}
		if req.Metadata != nil {
			_ = s.UpdateMetadata(*req.Metadata)
		}
		writeJSON(w, http.StatusCreated, s.Snapshot())
	}
}

func handleListCalls(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"calls": d.Sessions.List()})
	}
}

// lookup resolves {id} or writes a 404.
func lookup(d Deps, w http.ResponseWriter, r *http.Request) (*callsession.Session, bool) {
	s, err := d.Sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		httpError(w, http.StatusNotFound, "%v", err)
		return nil, false
	}
	return s, true
}

func handleGetCall(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := lookup(d, w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, s.Snapshot())
	}
}

func handleSegment(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := lookup(d, w, r)
		if !ok {
			return
		}
		var seg callsession.Segment
		if !decodeBody(w, r, &seg, false) {
			return
		}
		if strings.TrimSpace(seg.Text) == "" {
			httpError(w, http.StatusBadRequest, "text is required")
			return
		}
		if err := s.OnSegment(seg); err != nil {
			httpError(w, http.StatusConflict, "%v", err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func handleMetadata(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := lookup(d, w, r)
		if !ok {
			return
		}
		var md callsession.Metadata
		if !decodeBody(w, r, &md, false) {
			return
		}
		if err := s.UpdateMetadata(md); err != nil {
			httpError(w, http.StatusConflict, "%v", err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

// handleCloseCall closes the call and responds with the finalized snapshot
// once the forced final pass is done.
func handleCloseCall(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := d.Sessions.Close(r.Context(), chi.URLParam(r, "id"))
		switch {
		case errors.Is(err, callsession.ErrSessionNotFound):
			httpError(w, http.StatusNotFound, "%v", err)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			// The session still finalizes in the background.
			slog.Warn("api: close returned before final pass", "session_id", snap.ID, "err", err)
			writeJSON(w, http.StatusAccepted, snap)
		case err != nil:
			httpError(w, http.StatusInternalServerError, "%v", err)
		default:
			writeJSON(w, http.StatusOK, snap)
		}
	}
}

// ClassifyRequest is the body of POST /v1/classify.
type ClassifyRequest struct {
	Text         string   `json:"text"`
	LeadType     string   `json:"leadType"`
	IsElderly    bool     `json:"isElderly"`
	IsCommercial bool     `json:"isCommercial"`
	IsTechAverse bool     `json:"isTechAverse"`
	History      []string `json:"history"`
}

func handleClassify(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Analyzer == nil {
			httpError(w, http.StatusServiceUnavailable, "classifier not configured")
			return
		}
		var req ClassifyRequest
		if !decodeBody(w, r, &req, false) {
			return
		}
		if strings.TrimSpace(req.Text) == "" {
			httpError(w, http.StatusBadRequest, "text is required")
			return
		}
		a, err := d.Analyzer.Analyze(r.Context(), req.Text, safety.Context{
			LeadType:      req.LeadType,
			IsElderly:     req.IsElderly,
			IsCommercial:  req.IsCommercial,
			IsTechAverse:  req.IsTechAverse,
			RecentHistory: req.History,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "classify: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}
