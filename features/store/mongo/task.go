package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/relay/runtime/storage"
	"goa.design/relay/runtime/task"
)

// TaskStoreOptions configures a TaskStore.
type TaskStoreOptions struct {
	// Collection overrides DefaultTaskCollection.
	Collection string
}

// TaskStore implements task.Store on a Mongo collection keyed by
// (run_id, task_id) with a seq field preserving insertion order.
type TaskStore struct {
	client *Client
	coll   collection
}

// NewTaskStore builds the store and ensures its indexes.
func NewTaskStore(client *Client, opts TaskStoreOptions) (*TaskStore, error) {
	if client == nil {
		return nil, errors.New("mongo client is required")
	}
	name := opts.Collection
	if name == "" {
		name = DefaultTaskCollection
	}
	s := &TaskStore{client: client, coll: client.collection(name)}
	ctx, cancel := client.withTimeout(context.Background())
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("task store indexes: %w", err)
	}
	return s, nil
}

// Semantics declares strict per-operation atomicity.
func (s *TaskStore) Semantics() storage.Semantics { return storage.SemanticsStrict }

// CreateBatch persists the tasks in order. Mongo has no multi-document
// atomicity without a replica set, so a mid-batch failure is compensated
// by deleting the batch's IDs; the state manager validated them as new.
func (s *TaskStore) CreateBatch(ctx context.Context, runID string, tasks []*task.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	ctx, cancel := s.client.withTimeout(ctx)
	defer cancel()

	base, err := s.nextSeq(ctx, runID)
	if err != nil {
		return err
	}
	docs := make([]any, 0, len(tasks))
	ids := make([]string, 0, len(tasks))
	for i, t := range tasks {
		docs = append(docs, fromTask(t, base+i))
		ids = append(ids, t.TaskID)
	}
	if _, err := s.coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(true)); err != nil {
		if _, derr := s.coll.DeleteMany(ctx, bson.M{
			"run_id":  runID,
			"task_id": bson.M{"$in": ids},
		}); derr != nil {
			return fmt.Errorf("insert batch: %w (compensation also failed: %v)", err, derr)
		}
		if mongodriver.IsDuplicateKeyError(err) {
			return fmt.Errorf("duplicate task id in run %s", runID)
		}
		return err
	}
	return nil
}

// Get returns the task or task.ErrNotFound.
func (s *TaskStore) Get(ctx context.Context, runID, taskID string) (*task.Task, error) {
	ctx, cancel := s.client.withTimeout(ctx)
	defer cancel()
	var doc taskDocument
	if err := s.coll.FindOne(ctx, bson.M{"run_id": runID, "task_id": taskID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, task.ErrNotFound
		}
		return nil, err
	}
	return doc.toTask(), nil
}

// Put replaces the stored task, keeping its seq, or fails with
// task.ErrNotFound.
func (s *TaskStore) Put(ctx context.Context, t *task.Task) error {
	ctx, cancel := s.client.withTimeout(ctx)
	defer cancel()
	doc := fromTask(t, 0)
	update := bson.M{"$set": bson.M{
		"type":               doc.Type,
		"status":             doc.Status,
		"dependencies":       doc.Dependencies,
		"input":              doc.Input,
		"output":             doc.Output,
		"error":              doc.Error,
		"retry_count":        doc.RetryCount,
		"max_retries":        doc.MaxRetries,
		"executor_hint":      doc.ExecutorHint,
		"requires_gpu":       doc.RequiresGPU,
		"estimated_duration": doc.EstimatedDuration,
		"updated_at":         doc.UpdatedAt,
	}}
	res, err := s.coll.UpdateOne(ctx, bson.M{"run_id": t.RunID, "task_id": t.TaskID}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return task.ErrNotFound
	}
	return nil
}

// ListByRun returns the run's tasks in insertion order.
func (s *TaskStore) ListByRun(ctx context.Context, runID string) ([]*task.Task, error) {
	return s.list(ctx, bson.M{"run_id": runID})
}

// ListByRunAndStatus returns the run's tasks with the given status, in
// insertion order.
func (s *TaskStore) ListByRunAndStatus(ctx context.Context, runID string, status task.Status) ([]*task.Task, error) {
	return s.list(ctx, bson.M{"run_id": runID, "status": string(status)})
}

// DeleteByRun removes every task of the run.
func (s *TaskStore) DeleteByRun(ctx context.Context, runID string) error {
	ctx, cancel := s.client.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.DeleteMany(ctx, bson.M{"run_id": runID})
	return err
}

func (s *TaskStore) list(ctx context.Context, filter bson.M) ([]*task.Task, error) {
	ctx, cancel := s.client.withTimeout(ctx)
	defer cancel()
	cur, err := s.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var tasks []*task.Task
	for cur.Next(ctx) {
		var doc taskDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		tasks = append(tasks, doc.toTask())
	}
	return tasks, cur.Err()
}

// nextSeq reads the run's current task count to continue the ordering.
// Writers serialize per run, so the count cannot race.
func (s *TaskStore) nextSeq(ctx context.Context, runID string) (int, error) {
	existing, err := s.list(ctx, bson.M{"run_id": runID})
	if err != nil {
		return 0, err
	}
	return len(existing), nil
}

func (s *TaskStore) ensureIndexes(ctx context.Context) error {
	unique := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}, {Key: "task_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := s.coll.Indexes().CreateOne(ctx, unique); err != nil {
		return err
	}
	order := mongodriver.IndexModel{
		Keys: bson.D{{Key: "run_id", Value: 1}, {Key: "seq", Value: 1}},
	}
	_, err := s.coll.Indexes().CreateOne(ctx, order)
	return err
}

type (
	taskInputDocument struct {
		Description    string         `bson:"description"`
		ExpectedOutput string         `bson:"expected_output,omitempty"`
		Params         map[string]any `bson:"params,omitempty"`
	}

	taskResultDocument struct {
		Content  string         `bson:"content"`
		Metadata map[string]any `bson:"metadata,omitempty"`
	}

	taskFailureDocument struct {
		Message   string `bson:"message"`
		Retryable bool   `bson:"retryable"`
	}

	taskDocument struct {
		RunID             string               `bson:"run_id"`
		TaskID            string               `bson:"task_id"`
		Seq               int                  `bson:"seq"`
		Type              string               `bson:"type"`
		Status            string               `bson:"status"`
		Dependencies      []string             `bson:"dependencies,omitempty"`
		Input             taskInputDocument    `bson:"input"`
		Output            *taskResultDocument  `bson:"output,omitempty"`
		Error             *taskFailureDocument `bson:"error,omitempty"`
		RetryCount        int                  `bson:"retry_count"`
		MaxRetries        int                  `bson:"max_retries"`
		ExecutorHint      string               `bson:"executor_hint,omitempty"`
		RequiresGPU       bool                 `bson:"requires_gpu,omitempty"`
		EstimatedDuration int64                `bson:"estimated_duration,omitempty"`
		CreatedAt         time.Time            `bson:"created_at"`
		UpdatedAt         time.Time            `bson:"updated_at"`
	}
)

func fromTask(t *task.Task, seq int) taskDocument {
	doc := taskDocument{
		RunID:        t.RunID,
		TaskID:       t.TaskID,
		Seq:          seq,
		Type:         t.Type,
		Status:       string(t.Status),
		Dependencies: t.Dependencies,
		Input: taskInputDocument{
			Description:    t.Input.Description,
			ExpectedOutput: t.Input.ExpectedOutput,
			Params:         t.Input.Params,
		},
		RetryCount:        t.RetryCount,
		MaxRetries:        t.MaxRetries,
		ExecutorHint:      t.ExecutorHint,
		RequiresGPU:       t.RequiresGPU,
		EstimatedDuration: int64(t.EstimatedDuration),
		CreatedAt:         t.CreatedAt.UTC(),
		UpdatedAt:         t.UpdatedAt.UTC(),
	}
	if t.Output != nil {
		doc.Output = &taskResultDocument{Content: t.Output.Content, Metadata: t.Output.Metadata}
	}
	if t.Error != nil {
		doc.Error = &taskFailureDocument{Message: t.Error.Message, Retryable: t.Error.Retryable}
	}
	return doc
}

func (doc taskDocument) toTask() *task.Task {
	t := &task.Task{
		RunID:        doc.RunID,
		TaskID:       doc.TaskID,
		Type:         doc.Type,
		Status:       task.Status(doc.Status),
		Dependencies: doc.Dependencies,
		Input: task.Input{
			Description:    doc.Input.Description,
			ExpectedOutput: doc.Input.ExpectedOutput,
			Params:         doc.Input.Params,
		},
		RetryCount:        doc.RetryCount,
		MaxRetries:        doc.MaxRetries,
		ExecutorHint:      doc.ExecutorHint,
		RequiresGPU:       doc.RequiresGPU,
		EstimatedDuration: time.Duration(doc.EstimatedDuration),
		CreatedAt:         doc.CreatedAt,
		UpdatedAt:         doc.UpdatedAt,
	}
	if doc.Output != nil {
		t.Output = &task.Result{Content: doc.Output.Content, Metadata: doc.Output.Metadata}
	}
	if doc.Error != nil {
		t.Error = &task.Failure{Message: doc.Error.Message, Retryable: doc.Error.Retryable}
	}
	return t
}
