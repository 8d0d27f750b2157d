package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/relay/runtime/run"
	"goa.design/relay/runtime/storage"
)

// RunStoreOptions configures a RunStore.
type RunStoreOptions struct {
	// Collection overrides DefaultRunCollection.
	Collection string
}

// RunStore implements run.Store on a Mongo collection keyed by run_id with
// a (session_id, created_at) index for session listings.
type RunStore struct {
	client *Client
	coll   collection
}

// NewRunStore builds the store and ensures its indexes.
func NewRunStore(client *Client, opts RunStoreOptions) (*RunStore, error) {
	if client == nil {
		return nil, errors.New("mongo client is required")
	}
	name := opts.Collection
	if name == "" {
		name = DefaultRunCollection
	}
	s := &RunStore{client: client, coll: client.collection(name)}
	ctx, cancel := client.withTimeout(context.Background())
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("run store indexes: %w", err)
	}
	return s, nil
}

// Semantics declares strict per-operation atomicity.
func (s *RunStore) Semantics() storage.Semantics { return storage.SemanticsStrict }

// Create persists a new run. A duplicate run ID fails.
func (s *RunStore) Create(ctx context.Context, r *run.Run) error {
	ctx, cancel := s.client.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.InsertOne(ctx, fromRun(r))
	if mongodriver.IsDuplicateKeyError(err) {
		return fmt.Errorf("run %s already exists", r.RunID)
	}
	return err
}

// Get returns the run or run.ErrNotFound.
func (s *RunStore) Get(ctx context.Context, runID string) (*run.Run, error) {
	ctx, cancel := s.client.withTimeout(ctx)
	defer cancel()
	var doc runDocument
	if err := s.coll.FindOne(ctx, bson.M{"run_id": runID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, run.ErrNotFound
		}
		return nil, err
	}
	return doc.toRun(), nil
}

// Put replaces the stored run or fails with run.ErrNotFound.
func (s *RunStore) Put(ctx context.Context, r *run.Run) error {
	ctx, cancel := s.client.withTimeout(ctx)
	defer cancel()
	res, err := s.coll.ReplaceOne(ctx, bson.M{"run_id": r.RunID}, fromRun(r))
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return run.ErrNotFound
	}
	return nil
}

// ListBySession returns the session's run IDs in creation order.
func (s *RunStore) ListBySession(ctx context.Context, sessionID string) ([]string, error) {
	ctx, cancel := s.client.withTimeout(ctx)
	defer cancel()
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "run_id", Value: 1}}).
		SetProjection(bson.M{"run_id": 1})
	cur, err := s.coll.Find(ctx, bson.M{"session_id": sessionID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var ids []string
	for cur.Next(ctx) {
		var doc struct {
			RunID string `bson:"run_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		ids = append(ids, doc.RunID)
	}
	return ids, cur.Err()
}

// Delete removes the run or fails with run.ErrNotFound.
func (s *RunStore) Delete(ctx context.Context, runID string) error {
	ctx, cancel := s.client.withTimeout(ctx)
	defer cancel()
	res, err := s.coll.DeleteOne(ctx, bson.M{"run_id": runID})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return run.ErrNotFound
	}
	return nil
}

func (s *RunStore) ensureIndexes(ctx context.Context) error {
	unique := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := s.coll.Indexes().CreateOne(ctx, unique); err != nil {
		return err
	}
	session := mongodriver.IndexModel{
		Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "created_at", Value: 1}},
	}
	_, err := s.coll.Indexes().CreateOne(ctx, session)
	return err
}

type (
	runInputDocument struct {
		Prompt     string         `bson:"prompt"`
		ProviderID string         `bson:"provider_id,omitempty"`
		ModelID    string         `bson:"model_id,omitempty"`
		Metadata   map[string]any `bson:"metadata,omitempty"`
	}

	runOutputDocument struct {
		Content  string         `bson:"content"`
		Metadata map[string]any `bson:"metadata,omitempty"`
	}

	runDocument struct {
		RunID      string             `bson:"run_id"`
		SessionID  string             `bson:"session_id"`
		AgentType  string             `bson:"agent_type"`
		Input      runInputDocument   `bson:"input"`
		Output     *runOutputDocument `bson:"output,omitempty"`
		Status     string             `bson:"status"`
		StopReason string             `bson:"stop_reason,omitempty"`
		Snapshot   []byte             `bson:"snapshot,omitempty"`
		CreatedAt  time.Time          `bson:"created_at"`
		UpdatedAt  time.Time          `bson:"updated_at"`
	}
)

func fromRun(r *run.Run) runDocument {
	doc := runDocument{
		RunID:     r.RunID,
		SessionID: r.SessionID,
		AgentType: r.AgentType,
		Input: runInputDocument{
			Prompt:     r.Input.Prompt,
			ProviderID: r.Input.ProviderID,
			ModelID:    r.Input.ModelID,
			Metadata:   r.Input.Metadata,
		},
		Status:     string(r.Status),
		StopReason: r.StopReason,
		Snapshot:   r.Snapshot,
		CreatedAt:  r.CreatedAt.UTC(),
		UpdatedAt:  r.UpdatedAt.UTC(),
	}
	if r.Output != nil {
		doc.Output = &runOutputDocument{
			Content:  r.Output.Content,
			Metadata: r.Output.Metadata,
		}
	}
	return doc
}

func (doc runDocument) toRun() *run.Run {
	r := &run.Run{
		RunID:     doc.RunID,
		SessionID: doc.SessionID,
		AgentType: doc.AgentType,
		Input: run.Input{
			Prompt:     doc.Input.Prompt,
			ProviderID: doc.Input.ProviderID,
			ModelID:    doc.Input.ModelID,
			Metadata:   doc.Input.Metadata,
		},
		Status:     run.Status(doc.Status),
		StopReason: doc.StopReason,
		Snapshot:   doc.Snapshot,
		CreatedAt:  doc.CreatedAt,
		UpdatedAt:  doc.UpdatedAt,
	}
	if doc.Output != nil {
		r.Output = &run.Output{
			Content:  doc.Output.Content,
			Metadata: doc.Output.Metadata,
		}
	}
	return r
}
