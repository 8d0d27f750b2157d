package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/relay/runtime/cost"
	"goa.design/relay/runtime/memory"
)

// MemoryStoreOptions configures the memory stores.
type MemoryStoreOptions struct {
	// RunCollection overrides DefaultMemoryRunCollection.
	RunCollection string
	// SessionCollection overrides DefaultMemorySessionCollection.
	SessionCollection string
}

type (
	// MemoryRunStore implements memory.Store for run-scoped events.
	MemoryRunStore struct {
		client *Client
		coll   collection
	}

	// MemorySessionStore implements memory.SessionStore. Compaction
	// snapshots live in the same collection flagged is_snapshot so Remove
	// and ListBySession never touch them.
	MemorySessionStore struct {
		client *Client
		coll   collection
	}
)

// NewMemoryStores builds both memory stores and ensures their indexes.
func NewMemoryStores(client *Client, opts MemoryStoreOptions) (*MemoryRunStore, *MemorySessionStore, error) {
	if client == nil {
		return nil, nil, errors.New("mongo client is required")
	}
	runName := opts.RunCollection
	if runName == "" {
		runName = DefaultMemoryRunCollection
	}
	sessName := opts.SessionCollection
	if sessName == "" {
		sessName = DefaultMemorySessionCollection
	}
	rs := &MemoryRunStore{client: client, coll: client.collection(runName)}
	ss := &MemorySessionStore{client: client, coll: client.collection(sessName)}

	ctx, cancel := client.withTimeout(context.Background())
	defer cancel()
	if err := ensureMemoryIndexes(ctx, rs.coll, "run_id"); err != nil {
		return nil, nil, fmt.Errorf("memory run store indexes: %w", err)
	}
	if err := ensureMemoryIndexes(ctx, ss.coll, "session_id"); err != nil {
		return nil, nil, fmt.Errorf("memory session store indexes: %w", err)
	}
	return rs, ss, nil
}

// Append inserts the event, reporting false for duplicates.
func (s *MemoryRunStore) Append(ctx context.Context, ev *memory.Event) (bool, error) {
	return appendMemoryEvent(ctx, s.client, s.coll, ev, false)
}

// ListByRun returns the run's events in append order.
func (s *MemoryRunStore) ListByRun(ctx context.Context, runID string) ([]*memory.Event, error) {
	return listMemoryEvents(ctx, s.client, s.coll, bson.M{"run_id": runID, "is_snapshot": bson.M{"$ne": true}})
}

// DeleteByRun removes the run's events.
func (s *MemoryRunStore) DeleteByRun(ctx context.Context, runID string) error {
	ctx, cancel := s.client.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.DeleteMany(ctx, bson.M{"run_id": runID})
	return err
}

// Append inserts the event, reporting false for duplicates.
func (s *MemorySessionStore) Append(ctx context.Context, ev *memory.Event) (bool, error) {
	return appendMemoryEvent(ctx, s.client, s.coll, ev, false)
}

// ListBySession returns the session's events in append order, snapshots
// excluded.
func (s *MemorySessionStore) ListBySession(ctx context.Context, sessionID string) ([]*memory.Event, error) {
	return listMemoryEvents(ctx, s.client, s.coll,
		bson.M{"session_id": sessionID, "is_snapshot": bson.M{"$ne": true}})
}

// Remove deletes the listed events from the session.
func (s *MemorySessionStore) Remove(ctx context.Context, sessionID string, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	ctx, cancel := s.client.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.DeleteMany(ctx, bson.M{
		"session_id": sessionID,
		"event_id":   bson.M{"$in": eventIDs},
	})
	return err
}

// PutSnapshot replaces the session's compaction snapshot.
func (s *MemorySessionStore) PutSnapshot(ctx context.Context, sessionID string, snapshot *memory.Event) error {
	ctx, cancel := s.client.withTimeout(ctx)
	defer cancel()
	doc := fromMemoryEvent(snapshot, true)
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"session_id": sessionID, "is_snapshot": true},
		bson.M{"$set": doc},
		options.Update().SetUpsert(true))
	return err
}

// Snapshot returns the session's snapshot or memory.ErrNotFound.
func (s *MemorySessionStore) Snapshot(ctx context.Context, sessionID string) (*memory.Event, error) {
	ctx, cancel := s.client.withTimeout(ctx)
	defer cancel()
	var doc memoryEventDocument
	err := s.coll.FindOne(ctx, bson.M{"session_id": sessionID, "is_snapshot": true}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, memory.ErrNotFound
		}
		return nil, err
	}
	return doc.toMemoryEvent(), nil
}

func appendMemoryEvent(ctx context.Context, client *Client, coll collection, ev *memory.Event, snapshot bool) (bool, error) {
	ctx, cancel := client.withTimeout(ctx)
	defer cancel()
	_, err := coll.InsertOne(ctx, fromMemoryEvent(ev, snapshot))
	if mongodriver.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func listMemoryEvents(ctx context.Context, client *Client, coll collection, filter bson.M) ([]*memory.Event, error) {
	ctx, cancel := client.withTimeout(ctx)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "event_id", Value: 1}})
	cur, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var evs []*memory.Event
	for cur.Next(ctx) {
		var doc memoryEventDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		evs = append(evs, doc.toMemoryEvent())
	}
	return evs, cur.Err()
}

func ensureMemoryIndexes(ctx context.Context, coll collection, owner string) error {
	unique := mongodriver.IndexModel{
		Keys:    bson.D{{Key: owner, Value: 1}, {Key: "idempotency_key", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ctx, unique); err != nil {
		return err
	}
	order := mongodriver.IndexModel{
		Keys: bson.D{{Key: owner, Value: 1}, {Key: "created_at", Value: 1}},
	}
	_, err := coll.Indexes().CreateOne(ctx, order)
	return err
}

type memoryEventDocument struct {
	EventID        string    `bson:"event_id"`
	Scope          string    `bson:"scope"`
	RunID          string    `bson:"run_id"`
	SessionID      string    `bson:"session_id"`
	TaskID         string    `bson:"task_id,omitempty"`
	Kind           string    `bson:"kind"`
	Source         string    `bson:"source,omitempty"`
	Content        string    `bson:"content"`
	Confidence     float64   `bson:"confidence"`
	CreatedAt      time.Time `bson:"created_at"`
	IdempotencyKey string    `bson:"idempotency_key"`
	IsSnapshot     bool      `bson:"is_snapshot,omitempty"`
}

func fromMemoryEvent(ev *memory.Event, snapshot bool) memoryEventDocument {
	return memoryEventDocument{
		EventID:        ev.EventID,
		Scope:          string(ev.Scope),
		RunID:          ev.RunID,
		SessionID:      ev.SessionID,
		TaskID:         ev.TaskID,
		Kind:           string(ev.Kind),
		Source:         string(ev.Source),
		Content:        ev.Content,
		Confidence:     ev.Confidence,
		CreatedAt:      ev.CreatedAt.UTC(),
		IdempotencyKey: ev.IdempotencyKey,
		IsSnapshot:     snapshot,
	}
}

func (doc memoryEventDocument) toMemoryEvent() *memory.Event {
	return &memory.Event{
		EventID:        doc.EventID,
		Scope:          memory.Scope(doc.Scope),
		RunID:          doc.RunID,
		SessionID:      doc.SessionID,
		TaskID:         doc.TaskID,
		Kind:           memory.Kind(doc.Kind),
		Source:         cost.Phase(doc.Source),
		Content:        doc.Content,
		Confidence:     doc.Confidence,
		CreatedAt:      doc.CreatedAt,
		IdempotencyKey: doc.IdempotencyKey,
	}
}
