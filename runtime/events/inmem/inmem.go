// Package inmem provides an in-memory events.Journal for testing and
// local development. History lives in process memory and is lost on exit;
// production deployments should use a durable backend such as
// features/store/mongo.
package inmem

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"goa.design/relay/runtime/events"
)

// DefaultPageSize bounds List when the caller passes a non-positive limit.
const DefaultPageSize = 100

// Journal implements events.Journal over an in-process map keyed by run.
// Thread-safe; envelopes are defensively copied on both append and list.
type Journal struct {
	mu      sync.RWMutex
	history map[string][]events.Envelope
}

// New returns an empty in-memory journal.
func New() *Journal {
	return &Journal{history: make(map[string][]events.Envelope)}
}

// Append records the envelope at the end of the run's history.
func (j *Journal) Append(_ context.Context, env events.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.history[env.RunID] = append(j.history[env.RunID], env.Clone())
	return nil
}

// List returns envelopes from the cursor position in append order. The
// cursor is the offset into the run's history; an empty cursor starts at
// the beginning.
func (j *Journal) List(_ context.Context, runID string, cursor events.Cursor, limit int) (*events.Page, error) {
	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(string(cursor))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("events: invalid cursor %q", cursor)
		}
		offset = n
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	all := j.history[runID]
	if offset >= len(all) {
		return &events.Page{}, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	page := &events.Page{Envelopes: make([]events.Envelope, 0, end-offset)}
	for _, env := range all[offset:end] {
		page.Envelopes = append(page.Envelopes, env.Clone())
	}
	if end < len(all) {
		page.Next = events.Cursor(strconv.Itoa(end))
	}
	return page, nil
}
