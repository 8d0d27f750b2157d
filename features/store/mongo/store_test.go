package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/relay/runtime/cost"
	"goa.design/relay/runtime/events"
	"goa.design/relay/runtime/memory"
	"goa.design/relay/runtime/run"
	"goa.design/relay/runtime/storage"
	"goa.design/relay/runtime/task"
)

func testClient() *Client {
	return &Client{timeout: time.Second}
}

func dupKeyErr() error {
	return mongodriver.WriteException{
		WriteErrors: []mongodriver.WriteError{{Code: 11000}},
	}
}

func TestRunStoreSemantics(t *testing.T) {
	t.Parallel()
	var s RunStore
	assert.Equal(t, storage.SemanticsStrict, s.Semantics())
	var ts TaskStore
	assert.Equal(t, storage.SemanticsStrict, ts.Semantics())
}

func TestRunStoreRoundTrip(t *testing.T) {
	t.Parallel()

	r := &run.Run{
		RunID:     "run-1",
		SessionID: "sess-1",
		AgentType: "coding",
		Input:     run.Input{Prompt: "do it", ProviderID: "anthropic", ModelID: "claude-sonnet-4-5"},
		Output:    &run.Output{Content: "done"},
		Status:    run.StatusCompleted,
		Snapshot:  []byte(`{"iterationCount":2}`),
		CreatedAt: time.Unix(100, 0).UTC(),
		UpdatedAt: time.Unix(200, 0).UTC(),
	}

	coll := &fakeCollection{}
	s := &RunStore{client: testClient(), coll: coll}
	require.NoError(t, s.Create(context.Background(), r))
	require.Len(t, coll.inserted, 1)

	coll.findOneDoc = coll.inserted[0]
	got, err := s.Get(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

func TestRunStoreNotFound(t *testing.T) {
	t.Parallel()

	coll := &fakeCollection{
		findOneErr:    mongodriver.ErrNoDocuments,
		replaceResult: &mongodriver.UpdateResult{MatchedCount: 0},
		deleteResult:  &mongodriver.DeleteResult{DeletedCount: 0},
	}
	s := &RunStore{client: testClient(), coll: coll}

	_, err := s.Get(context.Background(), "nope")
	require.ErrorIs(t, err, run.ErrNotFound)
	err = s.Put(context.Background(), &run.Run{RunID: "nope"})
	require.ErrorIs(t, err, run.ErrNotFound)
	err = s.Delete(context.Background(), "nope")
	require.ErrorIs(t, err, run.ErrNotFound)
}

func TestRunStoreCreateDuplicate(t *testing.T) {
	t.Parallel()

	coll := &fakeCollection{insertErr: dupKeyErr()}
	s := &RunStore{client: testClient(), coll: coll}
	err := s.Create(context.Background(), &run.Run{RunID: "run-1"})
	require.ErrorContains(t, err, "already exists")
}

func TestTaskStoreBatchCompensatesFailedInsert(t *testing.T) {
	t.Parallel()

	coll := &fakeCollection{insertManyErr: dupKeyErr()}
	s := &TaskStore{client: testClient(), coll: coll}

	batch := []*task.Task{
		{RunID: "run-1", TaskID: "a", Type: "llm", Status: task.StatusPending,
			Input: task.Input{Description: "x"}},
		{RunID: "run-1", TaskID: "b", Type: "llm", Status: task.StatusPending,
			Input: task.Input{Description: "y"}},
	}
	err := s.CreateBatch(context.Background(), "run-1", batch)
	require.ErrorContains(t, err, "duplicate task id")

	require.NotNil(t, coll.lastDeleteFilter)
	filter, ok := coll.lastDeleteFilter.(bson.M)
	require.True(t, ok)
	assert.Equal(t, "run-1", filter["run_id"])
	in, ok := filter["task_id"].(bson.M)
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, in["$in"])
}

func TestTaskStoreRoundTrip(t *testing.T) {
	t.Parallel()

	tk := &task.Task{
		RunID:        "run-1",
		TaskID:       "a",
		Type:         "llm",
		Status:       task.StatusDone,
		Dependencies: []string{"z"},
		Input:        task.Input{Description: "x", Params: map[string]any{"tool": "echo"}},
		Output:       &task.Result{Content: "out"},
		RetryCount:   1,
		MaxRetries:   -1,
		CreatedAt:    time.Unix(1, 0).UTC(),
		UpdatedAt:    time.Unix(2, 0).UTC(),
	}
	coll := &fakeCollection{findDocs: []any{fromTask(tk, 0)}}
	s := &TaskStore{client: testClient(), coll: coll}

	got, err := s.ListByRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, tk, got[0])
}

func TestCostStoreAppendIdempotent(t *testing.T) {
	t.Parallel()

	ev := &cost.Event{
		RunID:          "run-1",
		SessionID:      "sess-1",
		Phase:          cost.PhaseTask,
		Provider:       "anthropic",
		Model:          "claude-sonnet-4-5",
		IdempotencyKey: "run-1:task:a:0",
	}

	coll := &fakeCollection{}
	s := &CostStore{client: testClient(), coll: coll}
	ok, err := s.Append(context.Background(), ev)
	require.NoError(t, err)
	assert.True(t, ok)

	coll.insertErr = dupKeyErr()
	ok, err = s.Append(context.Background(), ev)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, coll.inserted, 1)
}

func TestMemorySessionSnapshot(t *testing.T) {
	t.Parallel()

	coll := &fakeCollection{findOneErr: mongodriver.ErrNoDocuments}
	s := &MemorySessionStore{client: testClient(), coll: coll}
	_, err := s.Snapshot(context.Background(), "sess-1")
	require.ErrorIs(t, err, memory.ErrNotFound)

	snap := &memory.Event{
		Scope:          memory.ScopeSession,
		RunID:          "run-1",
		SessionID:      "sess-1",
		Kind:           memory.KindSummary,
		Content:        "summary of earlier work",
		IdempotencyKey: "snap-1",
	}
	require.NoError(t, s.PutSnapshot(context.Background(), "sess-1", snap))
	filter, ok := coll.lastUpdateFilter.(bson.M)
	require.True(t, ok)
	assert.Equal(t, true, filter["is_snapshot"])

	coll.findOneErr = nil
	coll.findOneDoc = fromMemoryEvent(snap, true)
	got, err := s.Snapshot(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, memory.KindSummary, got.Kind)
	assert.Equal(t, "summary of earlier work", got.Content)
}

func TestJournalListPagination(t *testing.T) {
	t.Parallel()

	docs := make([]any, 0, 4)
	for i := 1; i <= 4; i++ {
		docs = append(docs, envelopeDocument{
			ID:      primitive.ObjectID{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, byte(i)},
			Version: 1,
			EventID: string(rune('a' + i)),
			RunID:   "run-1",
			Source:  string(events.SourceBrain),
			Type:    string(events.TypeRunStarted),
		})
	}
	coll := &fakeCollection{findDocs: docs}
	j := &Journal{client: testClient(), coll: coll, pageSize: 100}

	page, err := j.List(context.Background(), "run-1", "", 3)
	require.NoError(t, err)
	require.Len(t, page.Envelopes, 3)
	require.NotEmpty(t, page.Next)

	// The fake ignores the filter; verify the cursor targets the last
	// returned document.
	last := docs[2].(envelopeDocument)
	assert.Equal(t, events.Cursor(last.ID.Hex()), page.Next)

	_, err = j.List(context.Background(), "run-1", "not-a-hex-oid", 3)
	require.ErrorContains(t, err, "invalid cursor")
}

func TestJournalAppendValidates(t *testing.T) {
	t.Parallel()

	coll := &fakeCollection{}
	j := &Journal{client: testClient(), coll: coll, pageSize: 100}
	err := j.Append(context.Background(), events.Envelope{Type: events.TypeRunStarted})
	require.ErrorContains(t, err, "runId")
	assert.Empty(t, coll.inserted)
}

// fakeCollection implements the narrow collection interface in memory.
// Decode round-trips through bson so any document type works.
type fakeCollection struct {
	inserted      []any
	insertErr     error
	insertManyErr error

	findOneDoc any
	findOneErr error
	findDocs   []any
	findErr    error

	replaceResult *mongodriver.UpdateResult
	updateResult  *mongodriver.UpdateResult
	deleteResult  *mongodriver.DeleteResult

	lastUpdateFilter any
	lastDeleteFilter any
}

func (c *fakeCollection) FindOne(context.Context, any, ...*options.FindOneOptions) singleResult {
	return fakeSingleResult{doc: c.findOneDoc, err: c.findOneErr}
}

func (c *fakeCollection) Find(_ context.Context, _ any, opts ...*options.FindOptions) (cursor, error) {
	if c.findErr != nil {
		return nil, c.findErr
	}
	docs := c.findDocs
	if len(opts) > 0 && opts[len(opts)-1] != nil && opts[len(opts)-1].Limit != nil {
		if limit := int(*opts[len(opts)-1].Limit); limit > 0 && len(docs) > limit {
			docs = docs[:limit]
		}
	}
	return &fakeCursor{docs: docs}, nil
}

func (c *fakeCollection) InsertOne(_ context.Context, doc any, _ ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	if c.insertErr != nil {
		return nil, c.insertErr
	}
	c.inserted = append(c.inserted, doc)
	return &mongodriver.InsertOneResult{}, nil
}

func (c *fakeCollection) InsertMany(_ context.Context, docs []any, _ ...*options.InsertManyOptions) (*mongodriver.InsertManyResult, error) {
	if c.insertManyErr != nil {
		return nil, c.insertManyErr
	}
	c.inserted = append(c.inserted, docs...)
	return &mongodriver.InsertManyResult{}, nil
}

func (c *fakeCollection) ReplaceOne(context.Context, any, any, ...*options.ReplaceOptions) (*mongodriver.UpdateResult, error) {
	if c.replaceResult != nil {
		return c.replaceResult, nil
	}
	return &mongodriver.UpdateResult{MatchedCount: 1}, nil
}

func (c *fakeCollection) UpdateOne(_ context.Context, filter, _ any, _ ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	c.lastUpdateFilter = filter
	if c.updateResult != nil {
		return c.updateResult, nil
	}
	return &mongodriver.UpdateResult{MatchedCount: 1}, nil
}

func (c *fakeCollection) DeleteOne(_ context.Context, filter any, _ ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	c.lastDeleteFilter = filter
	if c.deleteResult != nil {
		return c.deleteResult, nil
	}
	return &mongodriver.DeleteResult{DeletedCount: 1}, nil
}

func (c *fakeCollection) DeleteMany(_ context.Context, filter any, _ ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	c.lastDeleteFilter = filter
	if c.deleteResult != nil {
		return c.deleteResult, nil
	}
	return &mongodriver.DeleteResult{DeletedCount: 1}, nil
}

func (c *fakeCollection) Indexes() indexView { return fakeIndexView{} }

type fakeIndexView struct{}

func (fakeIndexView) CreateOne(context.Context, mongodriver.IndexModel, ...*options.CreateIndexesOptions) (string, error) {
	return "", nil
}

type fakeSingleResult struct {
	doc any
	err error
}

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	return reencode(r.doc, val)
}

type fakeCursor struct {
	docs []any
	pos  int
}

func (c *fakeCursor) Next(context.Context) bool {
	if c.pos >= len(c.docs) {
		return false
	}
	c.pos++
	return true
}

func (c *fakeCursor) Decode(val any) error {
	return reencode(c.docs[c.pos-1], val)
}

func (c *fakeCursor) Err() error { return nil }

func (c *fakeCursor) Close(context.Context) error { return nil }

func reencode(doc, val any) error {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return err
	}
	return bson.Unmarshal(raw, val)
}
