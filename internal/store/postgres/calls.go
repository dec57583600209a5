package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Courtneyezra/handyservices-app-sub008/internal/detect"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/recorder"
)

// SaveCall implements [recorder.Sink]. Saving the same session twice
// replaces the earlier row.
func (s *Store) SaveCall(ctx context.Context, r recorder.Record) error {
	var (
		decision []byte
		route    string
		light    string
		price    int64
		err      error
	)
	if r.Decision != nil {
		if decision, err = json.Marshal(r.Decision); err != nil {
			return fmt.Errorf("call store: encode decision: %w", err)
		}
		route = string(r.Decision.NextRoute)
		light = string(r.Decision.TrafficLight)
		price = r.Decision.TotalMatchedPricePence
	}
	tasks := r.Tasks
	if tasks == nil {
		tasks = []detect.TaskResult{}
	}
	tasksJSON, err := json.Marshal(tasks)
	if err != nil {
		return fmt.Errorf("call store: encode tasks: %w", err)
	}
	meta := r.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("call store: encode metadata: %w", err)
	}

	const q = `
		INSERT INTO call_analyses
		    (session_id, phone_number, started_at, closed_at, transcript,
		     next_route, traffic_light, price_pence, decision, tasks, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (session_id) DO UPDATE SET
		    phone_number  = EXCLUDED.phone_number,
		    started_at    = EXCLUDED.started_at,
		    closed_at     = EXCLUDED.closed_at,
		    transcript    = EXCLUDED.transcript,
		    next_route    = EXCLUDED.next_route,
		    traffic_light = EXCLUDED.traffic_light,
		    price_pence   = EXCLUDED.price_pence,
		    decision      = EXCLUDED.decision,
		    tasks         = EXCLUDED.tasks,
		    metadata      = EXCLUDED.metadata`

	_, err = s.pool.Exec(ctx, q,
		r.SessionID,
		r.PhoneNumber,
		r.StartedAt,
		r.ClosedAt,
		r.Transcript,
		route,
		light,
		price,
		decision,
		tasksJSON,
		metaJSON,
	)
	if err != nil {
		return fmt.Errorf("call store: save %q: %w", r.SessionID, err)
	}
	return nil
}

// CallSummary is a stored call without its per-task detail.
type CallSummary struct {
	SessionID    string
	PhoneNumber  string
	StartedAt    time.Time
	ClosedAt     time.Time
	NextRoute    detect.Route
	TrafficLight string
	PricePence   int64
}

// RecentCalls returns up to limit calls closed most recently first.
func (s *Store) RecentCalls(ctx context.Context, limit int) ([]CallSummary, error) {
	const q = `
		SELECT session_id, phone_number, started_at, closed_at, next_route, traffic_light, price_pence
		FROM   call_analyses
		ORDER  BY closed_at DESC
		LIMIT  $1`
	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("call store: recent: %w", err)
	}
	defer rows.Close()

	var out []CallSummary
	for rows.Next() {
		var (
			c     CallSummary
			route string
		)
		if err := rows.Scan(&c.SessionID, &c.PhoneNumber, &c.StartedAt, &c.ClosedAt, &route, &c.TrafficLight, &c.PricePence); err != nil {
			return nil, fmt.Errorf("call store: scan: %w", err)
		}
		c.NextRoute = detect.Route(route)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("call store: rows: %w", err)
	}
	return out, nil
}
