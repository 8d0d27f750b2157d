package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/relay/runtime/events"
)

// DefaultJournalPageSize bounds List when the caller passes no limit.
const DefaultJournalPageSize = 100

// JournalOptions configures a Journal.
type JournalOptions struct {
	// Collection overrides DefaultJournalCollection.
	Collection string
	// PageSize overrides DefaultJournalPageSize.
	PageSize int
}

// Journal implements events.Journal. Envelopes append with a
// client-assigned ObjectID whose ordering backs the opaque cursor.
type Journal struct {
	client   *Client
	coll     collection
	pageSize int
}

// NewJournal builds the journal and ensures its indexes.
func NewJournal(client *Client, opts JournalOptions) (*Journal, error) {
	if client == nil {
		return nil, errors.New("mongo client is required")
	}
	name := opts.Collection
	if name == "" {
		name = DefaultJournalCollection
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultJournalPageSize
	}
	j := &Journal{client: client, coll: client.collection(name), pageSize: pageSize}
	ctx, cancel := client.withTimeout(context.Background())
	defer cancel()
	if err := j.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("journal indexes: %w", err)
	}
	return j, nil
}

// Append records the envelope at the end of the run's history.
func (j *Journal) Append(ctx context.Context, env events.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	ctx, cancel := j.client.withTimeout(ctx)
	defer cancel()
	_, err := j.coll.InsertOne(ctx, fromEnvelope(env))
	return err
}

// List returns envelopes from the cursor position in append order. The
// next cursor is empty when the page reaches the end of history.
func (j *Journal) List(ctx context.Context, runID string, cursor events.Cursor, limit int) (*events.Page, error) {
	if limit <= 0 {
		limit = j.pageSize
	}
	filter := bson.M{"run_id": runID}
	if cursor != "" {
		oid, err := primitive.ObjectIDFromHex(string(cursor))
		if err != nil {
			return nil, fmt.Errorf("invalid cursor %q", cursor)
		}
		filter["_id"] = bson.M{"$gt": oid}
	}

	ctx, cancel := j.client.withTimeout(ctx)
	defer cancel()
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetLimit(int64(limit) + 1)
	cur, err := j.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []envelopeDocument
	for cur.Next(ctx) {
		var doc envelopeDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}

	page := &events.Page{}
	more := len(docs) > limit
	if more {
		docs = docs[:limit]
	}
	for _, doc := range docs {
		page.Envelopes = append(page.Envelopes, doc.toEnvelope())
	}
	if more && len(docs) > 0 {
		page.Next = events.Cursor(docs[len(docs)-1].ID.Hex())
	}
	return page, nil
}

func (j *Journal) ensureIndexes(ctx context.Context) error {
	index := mongodriver.IndexModel{
		Keys: bson.D{{Key: "run_id", Value: 1}, {Key: "_id", Value: 1}},
	}
	_, err := j.coll.Indexes().CreateOne(ctx, index)
	return err
}

type envelopeDocument struct {
	ID        primitive.ObjectID `bson:"_id"`
	Version   int                `bson:"version"`
	EventID   string             `bson:"event_id"`
	RunID     string             `bson:"run_id"`
	SessionID string             `bson:"session_id,omitempty"`
	Timestamp time.Time          `bson:"timestamp"`
	Source    string             `bson:"source"`
	Type      string             `bson:"type"`
	Payload   map[string]any     `bson:"payload,omitempty"`
}

func fromEnvelope(env events.Envelope) envelopeDocument {
	return envelopeDocument{
		ID:        primitive.NewObjectID(),
		Version:   env.Version,
		EventID:   env.EventID,
		RunID:     env.RunID,
		SessionID: env.SessionID,
		Timestamp: env.Timestamp.UTC(),
		Source:    string(env.Source),
		Type:      string(env.Type),
		Payload:   env.Payload,
	}
}

func (doc envelopeDocument) toEnvelope() events.Envelope {
	return events.Envelope{
		Version:   doc.Version,
		EventID:   doc.EventID,
		RunID:     doc.RunID,
		SessionID: doc.SessionID,
		Timestamp: doc.Timestamp,
		Source:    events.Source(doc.Source),
		Type:      events.Type(doc.Type),
		Payload:   doc.Payload,
	}
}
