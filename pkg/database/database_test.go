package database_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s3db-go/s3db/pkg/codec"
	"github.com/s3db-go/s3db/pkg/database"
	"github.com/s3db-go/s3db/pkg/dberrors"
	"github.com/s3db-go/s3db/pkg/partition"
	"github.com/s3db-go/s3db/pkg/plugin"
	"github.com/s3db-go/s3db/pkg/resource"
	"github.com/s3db-go/s3db/pkg/schema"
)

const testDSN = "s3://key:secret@fake-host/test-bucket/root?useFake=true"

func mustConnect(t *testing.T) *database.Database {
	t.Helper()
	db, err := database.New(context.Background(), testDSN, database.Options{EncryptionKey: "k"})
	require.NoError(t, err)
	require.NoError(t, db.Connect(context.Background()))
	return db
}

func TestConnectInitializesManifestOnFirstRun(t *testing.T) {
	db := mustConnect(t)
	assert.Empty(t, db.Resources())
}

func TestCreateResourceInsertGetRoundtrip(t *testing.T) {
	db := mustConnect(t)
	ctx := context.Background()

	res, err := db.CreateResource(ctx, database.CreateResourceSpec{
		Name: "orders",
		Attributes: schema.RawSchema{
			"status": {Rule: "string|required"},
			"total":  {Rule: "number|required"},
		},
		Partitions: []partition.Definition{{Name: "byStatus", Fields: []string{"status"}}},
		Behavior:   codec.Mixed,
	})
	require.NoError(t, err)
	assert.Equal(t, "v0", res.CurrentVersion())

	rec, err := res.Insert(ctx, map[string]any{"id": "o1", "status": "new", "total": float64(9)}, resource.InsertOptions{})
	require.NoError(t, err)
	assert.Equal(t, "o1", rec.ID)

	same, err := db.Resource("orders")
	require.NoError(t, err)
	got, err := same.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, "new", got.Attributes["status"])
}

func TestCreateResourceRejectsDuplicateName(t *testing.T) {
	db := mustConnect(t)
	ctx := context.Background()
	spec := database.CreateResourceSpec{Name: "orders", Attributes: schema.RawSchema{}}

	_, err := db.CreateResource(ctx, spec)
	require.NoError(t, err)

	_, err = db.CreateResource(ctx, spec)
	assert.True(t, dberrors.Is(err, dberrors.AlreadyExists))
}

func TestUpdateAttributesPreservesOldRecordsAndResourceFound(t *testing.T) {
	db := mustConnect(t)
	ctx := context.Background()

	res, err := db.CreateResource(ctx, database.CreateResourceSpec{
		Name: "orders",
		Attributes: schema.RawSchema{
			"status": {Rule: "string|required"},
		},
	})
	require.NoError(t, err)

	require.NoError(t, db.UpdateAttributes(ctx, database.UpdateAttributesSpec{
		Name: "orders",
		Attributes: schema.RawSchema{
			"status": {Rule: "string|required"},
			"tax":    {Rule: "number|optional"},
		},
	}))

	assert.Equal(t, "v1", res.CurrentVersion())
	_, ok := res.SchemaVersion("v0")
	assert.True(t, ok)
}

func TestDropResourceRemovesFromRegistry(t *testing.T) {
	db := mustConnect(t)
	ctx := context.Background()

	_, err := db.CreateResource(ctx, database.CreateResourceSpec{Name: "temp", Attributes: schema.RawSchema{}})
	require.NoError(t, err)
	require.Contains(t, db.Resources(), "temp")

	require.NoError(t, db.DropResource(ctx, "temp", false))
	assert.NotContains(t, db.Resources(), "temp")

	_, err = db.Resource("temp")
	assert.True(t, dberrors.Is(err, dberrors.NotFound))
}

func TestReconnectOnSameDatabaseInstanceSeesManifestResources(t *testing.T) {
	db := mustConnect(t)
	ctx := context.Background()
	_, err := db.CreateResource(ctx, database.CreateResourceSpec{Name: "orders", Attributes: schema.RawSchema{}})
	require.NoError(t, err)

	require.NoError(t, db.Disconnect(ctx))
	require.NoError(t, db.Connect(ctx))
	assert.Contains(t, db.Resources(), "orders")
}

type fakePlugin struct {
	id        string
	setupErr  error
	setupHits int
	started   bool
	stopped   bool
}

func (p *fakePlugin) ID() string { return p.id }
func (p *fakePlugin) Setup(ctx context.Context, host *plugin.Framework) error {
	p.setupHits++
	return p.setupErr
}
func (p *fakePlugin) Start(ctx context.Context) error { p.started = true; return nil }
func (p *fakePlugin) Stop(ctx context.Context) error  { p.stopped = true; return nil }

func TestUsePluginAfterConnectRunsSetupAndStartImmediately(t *testing.T) {
	db := mustConnect(t)
	p := &fakePlugin{id: "audit"}

	require.NoError(t, db.UsePlugin(context.Background(), p, json.RawMessage(`{}`)))
	assert.Equal(t, 1, p.setupHits)
	assert.True(t, p.started)

	require.NoError(t, db.Disconnect(context.Background()))
	assert.True(t, p.stopped)
}

// hookingPlugin registers a counting hook on every resource during Setup,
// so tests can assert exactly how many times it ends up wired.
type hookingPlugin struct {
	id   string
	hits int
}

func (p *hookingPlugin) ID() string { return p.id }
func (p *hookingPlugin) Setup(ctx context.Context, host *plugin.Framework) error {
	host.HookResource("*", "before:insert", func(ctx context.Context, record map[string]any) (map[string]any, error) {
		p.hits++
		return record, nil
	})
	return nil
}
func (p *hookingPlugin) Start(ctx context.Context) error { return nil }
func (p *hookingPlugin) Stop(ctx context.Context) error  { return nil }

// Regression test: a plugin registered before Connect instantiates
// resources must still have its Setup-time HookResource calls attached to
// those resources — Connect must rescan after SetupAndStartAll, not only
// attach hooks while the registry is still empty.
func TestHookRegisteredInSetupAttachesToResourcesCreatedDuringConnect(t *testing.T) {
	db, err := database.New(context.Background(), testDSN, database.Options{EncryptionKey: "k"})
	require.NoError(t, err)

	// A manifest-recorded resource already exists before Connect runs
	// SetupAndStartAll, mirroring a resource created in a prior session.
	require.NoError(t, db.Connect(context.Background()))
	ctx := context.Background()
	_, err = db.CreateResource(ctx, database.CreateResourceSpec{Name: "orders", Attributes: schema.RawSchema{}})
	require.NoError(t, err)
	require.NoError(t, db.Disconnect(ctx))

	p := &hookingPlugin{id: "counter"}
	require.NoError(t, db.UsePlugin(ctx, p, json.RawMessage(`{}`)))
	require.NoError(t, db.Connect(ctx))

	res, err := db.Resource("orders")
	require.NoError(t, err)
	_, err = res.Insert(ctx, map[string]any{}, resource.InsertOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, p.hits)
}

// Regression test: adding a second plugin via UsePlugin must not
// re-register the first plugin's hooks a second time.
func TestRepeatedUsePluginDoesNotDoubleRegisterEarlierPluginHooks(t *testing.T) {
	db := mustConnect(t)
	ctx := context.Background()

	res, err := db.CreateResource(ctx, database.CreateResourceSpec{Name: "orders", Attributes: schema.RawSchema{}})
	require.NoError(t, err)

	first := &hookingPlugin{id: "first"}
	require.NoError(t, db.UsePlugin(ctx, first, json.RawMessage(`{}`)))

	second := &hookingPlugin{id: "second"}
	require.NoError(t, db.UsePlugin(ctx, second, json.RawMessage(`{}`)))

	_, err = res.Insert(ctx, map[string]any{}, resource.InsertOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, first.hits)
	assert.Equal(t, 1, second.hits)
}
