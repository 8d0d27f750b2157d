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
	"goa.design/relay/runtime/pricing"
)

// CostStoreOptions configures a CostStore.
type CostStoreOptions struct {
	// Collection overrides DefaultCostCollection.
	Collection string
}

// CostStore implements cost.Store. Idempotency rides on the unique
// (run_id, idempotency_key) index: a duplicate insert reports false
// without touching storage.
type CostStore struct {
	client *Client
	coll   collection
}

// NewCostStore builds the store and ensures its indexes.
func NewCostStore(client *Client, opts CostStoreOptions) (*CostStore, error) {
	if client == nil {
		return nil, errors.New("mongo client is required")
	}
	name := opts.Collection
	if name == "" {
		name = DefaultCostCollection
	}
	s := &CostStore{client: client, coll: client.collection(name)}
	ctx, cancel := client.withTimeout(context.Background())
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("cost store indexes: %w", err)
	}
	return s, nil
}

// Append inserts the event, reporting false for duplicates.
func (s *CostStore) Append(ctx context.Context, ev *cost.Event) (bool, error) {
	ctx, cancel := s.client.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.InsertOne(ctx, fromCostEvent(ev))
	if mongodriver.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Events returns the run's entries in append order.
func (s *CostStore) Events(ctx context.Context, runID string) ([]*cost.Event, error) {
	return s.list(ctx, bson.M{"run_id": runID})
}

// SessionEvents returns all entries of a session across its runs.
func (s *CostStore) SessionEvents(ctx context.Context, sessionID string) ([]*cost.Event, error) {
	return s.list(ctx, bson.M{"session_id": sessionID})
}

func (s *CostStore) list(ctx context.Context, filter bson.M) ([]*cost.Event, error) {
	ctx, cancel := s.client.withTimeout(ctx)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "event_id", Value: 1}})
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var evs []*cost.Event
	for cur.Next(ctx) {
		var doc costEventDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		evs = append(evs, doc.toCostEvent())
	}
	return evs, cur.Err()
}

func (s *CostStore) ensureIndexes(ctx context.Context) error {
	unique := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}, {Key: "idempotency_key", Value: 1}},
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

type costEventDocument struct {
	EventID           string    `bson:"event_id"`
	RunID             string    `bson:"run_id"`
	SessionID         string    `bson:"session_id"`
	TaskID            string    `bson:"task_id,omitempty"`
	AgentType         string    `bson:"agent_type,omitempty"`
	Phase             string    `bson:"phase"`
	Provider          string    `bson:"provider"`
	Model             string    `bson:"model"`
	PromptTokens      int       `bson:"prompt_tokens"`
	CompletionTokens  int       `bson:"completion_tokens"`
	TotalTokens       int       `bson:"total_tokens"`
	ProviderCostUSD   *float64  `bson:"provider_cost_usd,omitempty"`
	CalculatedCostUSD float64   `bson:"calculated_cost_usd"`
	PricingSource     string    `bson:"pricing_source"`
	IdempotencyKey    string    `bson:"idempotency_key"`
	CreatedAt         time.Time `bson:"created_at"`
}

func fromCostEvent(ev *cost.Event) costEventDocument {
	return costEventDocument{
		EventID:           ev.EventID,
		RunID:             ev.RunID,
		SessionID:         ev.SessionID,
		TaskID:            ev.TaskID,
		AgentType:         ev.AgentType,
		Phase:             string(ev.Phase),
		Provider:          ev.Provider,
		Model:             ev.Model,
		PromptTokens:      ev.PromptTokens,
		CompletionTokens:  ev.CompletionTokens,
		TotalTokens:       ev.TotalTokens,
		ProviderCostUSD:   ev.ProviderCostUSD,
		CalculatedCostUSD: ev.CalculatedCostUSD,
		PricingSource:     string(ev.PricingSource),
		IdempotencyKey:    ev.IdempotencyKey,
		CreatedAt:         ev.CreatedAt.UTC(),
	}
}

func (doc costEventDocument) toCostEvent() *cost.Event {
	return &cost.Event{
		EventID:           doc.EventID,
		RunID:             doc.RunID,
		SessionID:         doc.SessionID,
		TaskID:            doc.TaskID,
		AgentType:         doc.AgentType,
		Phase:             cost.Phase(doc.Phase),
		Provider:          doc.Provider,
		Model:             doc.Model,
		PromptTokens:      doc.PromptTokens,
		CompletionTokens:  doc.CompletionTokens,
		TotalTokens:       doc.TotalTokens,
		ProviderCostUSD:   doc.ProviderCostUSD,
		CalculatedCostUSD: doc.CalculatedCostUSD,
		PricingSource:     pricing.Source(doc.PricingSource),
		IdempotencyKey:    doc.IdempotencyKey,
		CreatedAt:         doc.CreatedAt,
	}
}
