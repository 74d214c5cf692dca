package plugin_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s3db-go/s3db/pkg/cost"
	"github.com/s3db-go/s3db/pkg/dberrors"
	"github.com/s3db-go/s3db/pkg/eventbus"
	"github.com/s3db-go/s3db/pkg/objectclient"
	"github.com/s3db-go/s3db/pkg/plugin"
)

type recordingPlugin struct {
	id       string
	deps     []string
	calls    *[]string
	setupErr error
}

func (p *recordingPlugin) ID() string { return p.id }
func (p *recordingPlugin) DependsOn() []string { return p.deps }
func (p *recordingPlugin) Setup(ctx context.Context, host *plugin.Framework) error {
	*p.calls = append(*p.calls, p.id+":setup")
	return p.setupErr
}
func (p *recordingPlugin) Start(ctx context.Context) error {
	*p.calls = append(*p.calls, p.id+":start")
	return nil
}
func (p *recordingPlugin) Stop(ctx context.Context) error {
	*p.calls = append(*p.calls, p.id+":stop")
	return nil
}

func newFramework() (*plugin.Framework, objectclient.Client) {
	client := objectclient.NewFake(cost.New(cost.DefaultPricingTable()))
	return plugin.New(client, eventbus.New(nil)), client
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	f, _ := newFramework()
	calls := []string{}
	require.NoError(t, f.Register(&recordingPlugin{id: "audit", calls: &calls}))

	err := f.Register(&recordingPlugin{id: "audit", calls: &calls})
	assert.True(t, dberrors.Is(err, dberrors.ValidationFailed))
}

func TestSetupAndStartAllRunsInDependencyOrder(t *testing.T) {
	f, _ := newFramework()
	calls := []string{}

	// "b" depends on "a"; registered out of dependency order.
	require.NoError(t, f.Register(&recordingPlugin{id: "b", deps: []string{"a"}, calls: &calls}))
	require.NoError(t, f.Register(&recordingPlugin{id: "a", calls: &calls}))

	results := f.SetupAndStartAll(context.Background())
	assert.Empty(t, results)
	assert.Equal(t, []string{"a:setup", "a:start", "b:setup", "b:start"}, calls)

	stateA, ok := f.State("a")
	require.True(t, ok)
	assert.Equal(t, plugin.StateRunning, stateA)
}

func TestSetupFailureIsolatesToThatPlugin(t *testing.T) {
	f, _ := newFramework()
	calls := []string{}
	boom := assertErr{}

	require.NoError(t, f.Register(&recordingPlugin{id: "broken", calls: &calls, setupErr: boom}))
	require.NoError(t, f.Register(&recordingPlugin{id: "fine", calls: &calls}))

	results := f.SetupAndStartAll(context.Background())
	require.Len(t, results, 1)
	assert.True(t, dberrors.Is(results["broken"], dberrors.PluginSetupFailed))

	assert.Contains(t, calls, "fine:setup")
	assert.Contains(t, calls, "fine:start")
	assert.NotContains(t, calls, "broken:start")
}

func TestDependencyCycleIsFatal(t *testing.T) {
	f, _ := newFramework()
	calls := []string{}
	require.NoError(t, f.Register(&recordingPlugin{id: "a", deps: []string{"b"}, calls: &calls}))
	require.NoError(t, f.Register(&recordingPlugin{id: "b", deps: []string{"a"}, calls: &calls}))

	results := f.SetupAndStartAll(context.Background())
	require.Len(t, results, 1)
	assert.True(t, dberrors.Is(results["*"], dberrors.PluginSetupFailed))
}

func TestStopRunsInReverseOrder(t *testing.T) {
	f, _ := newFramework()
	calls := []string{}
	require.NoError(t, f.Register(&recordingPlugin{id: "a", calls: &calls}))
	require.NoError(t, f.Register(&recordingPlugin{id: "b", deps: []string{"a"}, calls: &calls}))
	f.SetupAndStartAll(context.Background())
	calls = calls[:0]

	require.NoError(t, f.Stop(context.Background()))
	assert.Equal(t, []string{"b:stop", "a:stop"}, calls)
}

func TestPluginStorageIsolation(t *testing.T) {
	f, client := newFramework()
	audit := f.Storage("audit")
	other := f.Storage("other")
	ctx := context.Background()

	require.NoError(t, audit.Put(ctx, "events/2024", []byte(`{"k":"v"}`), nil))

	_, err := other.Get(ctx, "events/2024")
	assert.True(t, dberrors.Is(err, dberrors.NotFound))

	got, err := client.GetObject(ctx, "plugin=audit/events/2024")
	require.NoError(t, err)
	assert.Equal(t, `{"k":"v"}`, string(got.Body))
}

func TestHookResourceWildcardMatchesAnyResourceName(t *testing.T) {
	f, _ := newFramework()
	f.HookResource("*", "before:insert", func(ctx context.Context, record map[string]any) (map[string]any, error) {
		return record, nil
	})
	f.HookResource("orders", "after:insert", func(ctx context.Context, record map[string]any) (map[string]any, error) {
		return record, nil
	})

	hooks := f.HooksFor("orders")
	assert.Len(t, hooks["before:insert"], 1)
	assert.Len(t, hooks["after:insert"], 1)

	otherHooks := f.HooksFor("users")
	assert.Len(t, otherHooks["before:insert"], 1)
	assert.Empty(t, otherHooks["after:insert"])
}

func TestUninstallPurgesStorage(t *testing.T) {
	f, client := newFramework()
	calls := []string{}
	require.NoError(t, f.Register(&recordingPlugin{id: "audit", calls: &calls}))
	f.SetupAndStartAll(context.Background())

	ctx := context.Background()
	require.NoError(t, f.Storage("audit").Put(ctx, "k", []byte("v"), nil))

	require.NoError(t, f.Uninstall(ctx, "audit", true))
	state, _ := f.State("audit")
	assert.Equal(t, plugin.StateUninstalled, state)

	_, err := client.GetObject(ctx, "plugin=audit/k")
	assert.True(t, dberrors.Is(err, dberrors.NotFound))
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
