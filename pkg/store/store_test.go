package store

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/loam/pkg/events"
	"github.com/cuemby/loam/pkg/log"
	"github.com/cuemby/loam/pkg/persistence"
	"github.com/cuemby/loam/pkg/retention"
	"github.com/cuemby/loam/pkg/schema"
	"github.com/cuemby/loam/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	os.Exit(m.Run())
}

func openDatabase(t *testing.T) *Database {
	t.Helper()
	ctx := context.Background()

	backend, err := persistence.Open(ctx, filepath.Join(t.TempDir(), "loam.db"), persistence.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	db, err := Open(ctx, backend, retention.Unchecked{}, broker)
	require.NoError(t, err)
	return db
}

func mustCommit(t *testing.T, tx *Transaction) types.Timestamp {
	t.Helper()
	ts, err := tx.Commit(context.Background())
	require.NoError(t, err)
	return ts
}

func TestInsertGetRoundTrip(t *testing.T) {
	db := openDatabase(t)
	ctx := context.Background()

	tx := db.Begin("tester")
	id, err := tx.Insert(ctx, "notes", types.Object(map[string]types.Value{
		"title": types.String("first"),
		"count": types.Int(1),
	}))
	require.NoError(t, err)

	// Visible to the writing transaction before commit.
	got, err := tx.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	title, _ := got.Get("title")
	assert.Equal(t, "first", title.Str)

	ts := mustCommit(t, tx)
	assert.Positive(t, ts)

	// Visible to later transactions.
	tx2 := db.Begin("tester")
	got, err = tx2.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	count, _ := got.Get("count")
	assert.Equal(t, int64(1), count.Int)
}

func TestDeleteAndTombstoneVisibility(t *testing.T) {
	db := openDatabase(t)
	ctx := context.Background()

	tx := db.Begin("tester")
	id, err := tx.Insert(ctx, "notes", types.Object(map[string]types.Value{"n": types.Int(1)}))
	require.NoError(t, err)
	mustCommit(t, tx)

	tx = db.Begin("tester")
	require.NoError(t, tx.Delete(ctx, id))
	mustCommit(t, tx)

	tx = db.Begin("tester")
	got, err := tx.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, got)

	docs, err := tx.ScanTable(ctx, "notes", 0)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestCommitsAppearInTimestampOrder(t *testing.T) {
	db := openDatabase(t)
	ctx := context.Background()

	var last types.Timestamp
	for i := 0; i < 5; i++ {
		tx := db.Begin("tester")
		_, err := tx.Insert(ctx, "notes", types.Object(map[string]types.Value{"i": types.Int(int64(i))}))
		require.NoError(t, err)
		ts := mustCommit(t, tx)
		assert.Greater(t, ts, last)
		last = ts
	}
	assert.Equal(t, last, db.LatestTS())
}

func TestOCCConflictOnPointRead(t *testing.T) {
	db := openDatabase(t)
	ctx := context.Background()

	setup := db.Begin("tester")
	id, err := setup.Insert(ctx, "notes", types.Object(map[string]types.Value{"n": types.Int(1)}))
	require.NoError(t, err)
	mustCommit(t, setup)

	// tx1 reads the document, tx2 rewrites it and commits first.
	tx1 := db.Begin("one")
	_, err = tx1.Get(ctx, id)
	require.NoError(t, err)

	tx2 := db.Begin("two")
	require.NoError(t, tx2.Replace(ctx, id, types.Object(map[string]types.Value{"n": types.Int(2)})))
	mustCommit(t, tx2)

	_, err = tx1.Insert(ctx, "notes", types.Object(map[string]types.Value{"n": types.Int(3)}))
	require.NoError(t, err)
	_, err = tx1.Commit(ctx)

	var occ *types.OCCError
	require.ErrorAs(t, err, &occ)
	assert.Equal(t, "notes", occ.Table)
	assert.Contains(t, occ.Error(), "notes")
}

func TestOCCConflictOnRangeRead(t *testing.T) {
	db := openDatabase(t)
	ctx := context.Background()

	setup := db.Begin("tester")
	_, err := setup.Insert(ctx, "notes", types.Object(map[string]types.Value{"n": types.Int(1)}))
	require.NoError(t, err)
	mustCommit(t, setup)

	tx1 := db.Begin("one")
	_, err = tx1.ScanTable(ctx, "notes", 0)
	require.NoError(t, err)

	tx2 := db.Begin("two")
	_, err = tx2.Insert(ctx, "notes", types.Object(map[string]types.Value{"n": types.Int(2)}))
	require.NoError(t, err)
	mustCommit(t, tx2)

	_, err = tx1.Insert(ctx, "other", types.Object(map[string]types.Value{"x": types.Int(1)}))
	require.NoError(t, err)
	_, err = tx1.Commit(ctx)

	var occ *types.OCCError
	require.ErrorAs(t, err, &occ)
}

func TestReadOnlyTransactionsNeverConflict(t *testing.T) {
	db := openDatabase(t)
	ctx := context.Background()

	setup := db.Begin("tester")
	id, err := setup.Insert(ctx, "notes", types.Object(map[string]types.Value{"n": types.Int(1)}))
	require.NoError(t, err)
	mustCommit(t, setup)

	tx1 := db.Begin("one")
	_, err = tx1.Get(ctx, id)
	require.NoError(t, err)

	tx2 := db.Begin("two")
	require.NoError(t, tx2.Replace(ctx, id, types.Object(map[string]types.Value{"n": types.Int(2)})))
	mustCommit(t, tx2)

	_, err = tx1.Commit(ctx)
	assert.NoError(t, err)
}

func TestExecuteWithOCCRetries(t *testing.T) {
	db := openDatabase(t)
	ctx := context.Background()

	setup := db.Begin("tester")
	id, err := setup.Insert(ctx, "notes", types.Object(map[string]types.Value{"n": types.Int(0)}))
	require.NoError(t, err)
	mustCommit(t, setup)

	// The first attempt loses the race to an interfering commit; the
	// retry goes through.
	attempts := 0
	_, err = ExecuteWithOCCRetries(ctx, db, "retrier", DefaultOCCRetryConfig(),
		func(ctx context.Context, tx *Transaction) error {
			attempts++
			if _, err := tx.Get(ctx, id); err != nil {
				return err
			}
			if attempts == 1 {
				interferer := db.Begin("interferer")
				if err := interferer.Replace(ctx, id, types.Object(map[string]types.Value{"n": types.Int(99)})); err != nil {
					return err
				}
				if _, err := interferer.Commit(ctx); err != nil {
					return err
				}
			}
			return tx.Replace(ctx, id, types.Object(map[string]types.Value{"n": types.Int(1)}))
		})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	// Non-retriable failures surface immediately.
	attempts = 0
	wantErr := errors.New("boom")
	_, err = ExecuteWithOCCRetries(ctx, db, "retrier", DefaultOCCRetryConfig(),
		func(ctx context.Context, tx *Transaction) error {
			attempts++
			return wantErr
		})
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 1, attempts)
}

func TestScanTableMergesBufferedWrites(t *testing.T) {
	db := openDatabase(t)
	ctx := context.Background()

	setup := db.Begin("tester")
	committed, err := setup.Insert(ctx, "notes", types.Object(map[string]types.Value{"n": types.Int(1)}))
	require.NoError(t, err)
	doomed, err := setup.Insert(ctx, "notes", types.Object(map[string]types.Value{"n": types.Int(2)}))
	require.NoError(t, err)
	mustCommit(t, setup)

	tx := db.Begin("tester")
	require.NoError(t, tx.Delete(ctx, doomed))
	inserted, err := tx.Insert(ctx, "notes", types.Object(map[string]types.Value{"n": types.Int(3)}))
	require.NoError(t, err)

	docs, err := tx.ScanTable(ctx, "notes", 0)
	require.NoError(t, err)
	require.Len(t, docs, 2)

	ids := map[types.DocumentID]bool{}
	for _, doc := range docs {
		ids[doc.ID] = true
	}
	assert.True(t, ids[committed])
	assert.True(t, ids[inserted])
	assert.False(t, ids[doomed])

	// Results stay in id-key order.
	for i := 1; i < len(docs); i++ {
		assert.Negative(t, bytes.Compare(byIDKey(docs[i-1].ID), byIDKey(docs[i].ID)))
	}
}

func TestSchemaEnforcementOnCommit(t *testing.T) {
	db := openDatabase(t)
	ctx := context.Background()

	require.NoError(t, db.SetSchema(ctx, &schema.DatabaseSchema{
		Tables: map[string]schema.TableDefinition{
			"notes": {DocumentType: schema.ObjectOf(
				schema.FieldValidator{Name: "title", Type: schema.String()},
			)},
		},
		SchemaValidation: true,
	}))

	tx := db.Begin("tester")
	_, err := tx.Insert(ctx, "notes", types.Object(map[string]types.Value{"title": types.Int(5)}))
	require.NoError(t, err)
	_, err = tx.Commit(ctx)
	require.Error(t, err)
	var verr *schema.ValidationError
	assert.ErrorAs(t, err, &verr)

	tx = db.Begin("tester")
	_, err = tx.Insert(ctx, "notes", types.Object(map[string]types.Value{"title": types.String("ok")}))
	require.NoError(t, err)
	_, err = tx.Commit(ctx)
	assert.NoError(t, err)
}

func TestPlanSchemaChange(t *testing.T) {
	db := openDatabase(t)
	ctx := context.Background()

	tx := db.Begin("tester")
	_, err := tx.Insert(ctx, "notes", types.Object(map[string]types.Value{"n": types.Int(1)}))
	require.NoError(t, err)
	mustCommit(t, tx)

	matching := &schema.DatabaseSchema{
		Tables: map[string]schema.TableDefinition{
			"notes": {DocumentType: schema.ObjectOf(
				schema.FieldValidator{Name: "n", Type: schema.Int64()},
			)},
		},
		SchemaValidation: true,
	}
	tables, err := db.PlanSchemaChange(ctx, matching)
	require.NoError(t, err)
	assert.Empty(t, tables, "contents already conform, no scan needed")

	mismatched := &schema.DatabaseSchema{
		Tables: map[string]schema.TableDefinition{
			"notes": {DocumentType: schema.ObjectOf(
				schema.FieldValidator{Name: "n", Type: schema.String()},
			)},
		},
		SchemaValidation: true,
	}
	tables, err = db.PlanSchemaChange(ctx, mismatched)
	require.NoError(t, err)
	assert.Equal(t, []string{"notes"}, tables)
}

func TestLogSinkRegistry(t *testing.T) {
	db := openDatabase(t)
	ctx := context.Background()

	tx := db.Begin("admin")
	_, err := db.AddLogSink(ctx, tx, SinkStdout, types.Object(nil))
	require.NoError(t, err)
	webhookID, err := db.AddLogSink(ctx, tx, SinkWebhook, types.Object(map[string]types.Value{
		"url": types.String("https://example.com/hook"),
	}))
	require.NoError(t, err)
	mustCommit(t, tx)

	tx = db.Begin("admin")
	sinks, err := db.ListLogSinks(ctx, tx)
	require.NoError(t, err)
	assert.Len(t, sinks, 2)

	// One sink per type.
	_, err = db.AddLogSink(ctx, tx, SinkStdout, types.Object(nil))
	assert.ErrorIs(t, err, types.ErrLogSinkExists)

	// Webhook URLs are validated.
	_, err = db.AddLogSink(ctx, tx, SinkDatadog, types.Object(map[string]types.Value{
		"site_location": types.String("us1"),
	}))
	require.Error(t, err) // missing dd_api_key
	err = db.PatchLogSinkConfig(ctx, tx, webhookID, types.Object(map[string]types.Value{
		"url": types.String("not a url"),
	}))
	assert.ErrorIs(t, err, types.ErrInvalidWebhookURL)

	require.NoError(t, db.PatchLogSinkConfig(ctx, tx, webhookID, types.Object(map[string]types.Value{
		"url": types.String("https://example.com/hook2"),
	})))
	require.NoError(t, db.RemoveLogSink(ctx, tx, webhookID))
	mustCommit(t, tx)

	tx = db.Begin("admin")
	sinks, err = db.ListLogSinks(ctx, tx)
	require.NoError(t, err)
	require.Len(t, sinks, 1)
	assert.Equal(t, SinkStdout, sinks[0].Type)
}

func TestImportStageAndActivate(t *testing.T) {
	db := openDatabase(t)
	ctx := context.Background()

	// A live table with one row.
	tx := db.Begin("tester")
	_, err := tx.Insert(ctx, "products", types.Object(map[string]types.Value{"v": types.Int(1)}))
	require.NoError(t, err)
	mustCommit(t, tx)
	live, ok := db.Mapping().Lookup("products")
	require.True(t, ok)
	liveNumber := live.Number

	// Stage an import invisible to the namespace.
	staging, err := db.InsertTableForImport(ctx, "products")
	require.NoError(t, err)
	_, err = db.WriteImportBatch(ctx, staging, []types.Value{
		types.Object(map[string]types.Value{"v": types.Int(100)}),
		types.Object(map[string]types.Value{"v": types.Int(200)}),
	})
	require.NoError(t, err)

	tx = db.Begin("tester")
	docs, err := tx.ScanTable(ctx, "products", 0)
	require.NoError(t, err)
	require.Len(t, docs, 1, "staged rows are hidden before activation")

	// Activation swaps the namespace atomically.
	require.NoError(t, db.ActivateImport(ctx, staging, "products"))

	activated, ok := db.Mapping().Lookup("products")
	require.True(t, ok)
	assert.Equal(t, staging.Tablet, activated.Tablet)
	assert.Equal(t, liveNumber, activated.Number, "the live table number moves to the activated tablet")

	tx = db.Begin("tester")
	docs, err = tx.ScanTable(ctx, "products", 0)
	require.NoError(t, err)
	require.Len(t, docs, 2)

	// The replaced tablet is hidden but still reachable for cleanup.
	replaced, ok := db.Mapping().LookupTablet(live.Tablet)
	require.True(t, ok)
	assert.True(t, replaced.Hidden)
	require.NoError(t, db.DropHiddenTable(ctx, live.Tablet))
}

func TestRunnerQueueShedding(t *testing.T) {
	ran := make(chan struct{})
	release := make(chan struct{})
	runner := runnerFunc(func(ctx context.Context, req FunctionRequest) (FunctionResult, error) {
		close(ran)
		<-release
		return FunctionResult{Value: types.Int(1)}, nil
	})

	q := NewRunnerQueue(runner, 1)
	go func() {
		_, _ = q.Run(context.Background(), FunctionRequest{Name: "slow"})
	}()
	<-ran

	// Queue full: shed.
	_, err := q.Run(context.Background(), FunctionRequest{Name: "second"})
	assert.ErrorIs(t, err, types.ErrOverloaded)
	close(release)
}

type runnerFunc func(ctx context.Context, req FunctionRequest) (FunctionResult, error)

func (f runnerFunc) Run(ctx context.Context, req FunctionRequest) (FunctionResult, error) {
	return f(ctx, req)
}
