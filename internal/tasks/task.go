// Package tasks decomposes a caller's free-form description into discrete
// jobs.
//
// Task identity is derived from content: the same job phrased the same way
// gets the same [Task.ID] on every analysis pass, regardless of where it
// appears in the transcript.
package tasks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/Courtneyezra/handyservices-app-sub008/internal/match"
)

// idLength is the number of hex characters kept from the content hash.
const idLength = 16

// Task is one requested job. Tasks are immutable once created.
type Task struct {
	ID            string `json:"id"`
	Description   string `json:"description"`
	Quantity      int    `json:"quantity"`
	OriginalIndex int    `json:"originalIndex"`
}

// Splitter decomposes text into tasks. Implementations return an error
// rather than an empty list when they cannot produce a decomposition.
type Splitter interface {
	Split(ctx context.Context, text string) ([]Task, error)
}

// TaskID returns the content-derived identity of a job description: a
// truncated SHA-256 of its normalised tokens.
func TaskID(description string) string {
	sum := sha256.Sum256([]byte(match.Normalize(description)))
	return hex.EncodeToString(sum[:])[:idLength]
}

// New builds a task, clamping quantity to at least one.
func New(description string, quantity, index int) Task {
	description = strings.TrimSpace(description)
	return Task{
		ID:            TaskID(description),
		Description:   description,
		Quantity:      max(quantity, 1),
		OriginalIndex: index,
	}
}

// Whole returns text as a single task. It is the fallback whenever a
// splitter fails.
func Whole(text string) []Task {
	return []Task{New(text, 1, 0)}
}

// Build turns raw (description, quantity) pairs into tasks. Blank
// descriptions are dropped; repeated descriptions are merged into the first
// occurrence with their quantities summed so every ID is unique.
func Build(raw []Raw) []Task {
	out := make([]Task, 0, len(raw))
	pos := make(map[string]int, len(raw))
	for _, r := range raw {
		if strings.TrimSpace(r.Description) == "" || match.Normalize(r.Description) == "" {
			continue
		}
		t := New(r.Description, r.Quantity, len(out))
		if i, ok := pos[t.ID]; ok {
			out[i].Quantity += t.Quantity
			continue
		}
		pos[t.ID] = len(out)
		out = append(out, t)
	}
	return out
}

// Raw is an unvalidated job as produced by a splitter backend.
type Raw struct {
	Description string `json:"description"`
	Quantity    int    `json:"quantity"`
}
