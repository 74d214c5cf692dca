// Package plugin implements the PluginFramework (spec.md §4.7): plugin
// lifecycle (setup/start/stop), dependency resolution via Kahn's
// topological sort, a namespaced PluginStorage handle, a hook
// registration API consumed by pkg/resource/pkg/database, and access to
// the shared event bus.
//
// Hooks are modeled the way spec.md §9 requires: first-class functions
// stored in a registry keyed by (resource name pattern, phase:op), read
// by Database when it instantiates or already holds a matching Resource
// — never a monkey-patched method on a live Resource.
//
// Grounded on the teacher's pkg/anchor/adapter/registry.go (mutex-guarded
// registration map with Register/Get/Unregister/Clear) for the registry
// shape, and its adapter/interface.go capability-interface segregation
// for the optional DependsOnProvider/HealthReporter plugin interfaces.
package plugin

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/s3db-go/s3db/pkg/dberrors"
	"github.com/s3db-go/s3db/pkg/eventbus"
	"github.com/s3db-go/s3db/pkg/objectclient"
)

// Hook mirrors resource.Hook's shape without importing pkg/resource,
// keeping PluginFramework a leaf alongside EventBus/ObjectClient per
// spec.md §2's dependency graph; Database converts between the two
// identically-shaped function types when it applies a registration to a
// live Resource.
type Hook func(ctx context.Context, record map[string]any) (map[string]any, error)

// Plugin is the capability set every subsystem attaches through.
type Plugin interface {
	ID() string
	Setup(ctx context.Context, host *Framework) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// DependsOnProvider is implemented by plugins with declared dependencies,
// resolved via Kahn's topological sort at connect time.
type DependsOnProvider interface {
	DependsOn() []string
}

// SingletonProvider is implemented by plugins that update in place
// instead of rejecting a duplicate ID on re-registration.
type SingletonProvider interface {
	Singleton() bool
}

// HealthReporter is implemented by plugins pkg/health should poll.
type HealthReporter interface {
	Healthy() bool
}

// State is a plugin's position in the lifecycle state machine:
// unregistered → registered → setup-complete → running ⇄ stopped → uninstalled.
type State string

const (
	StateUnregistered  State = "unregistered"
	StateRegistered    State = "registered"
	StateSetupComplete State = "setup-complete"
	StateRunning       State = "running"
	StateStopped       State = "stopped"
	StateUninstalled   State = "uninstalled"
)

type entry struct {
	id     string
	plugin Plugin
	state  State
}

type hookRegistration struct {
	resourcePattern string // exact name or "*"
	phaseOp         string // e.g. "before:insert"
	fn              Hook
}

// Framework owns plugin lifecycle, hook registrations, and the
// PluginStorage namespace boundary, scoped to one Database.
type Framework struct {
	mu      sync.Mutex
	client  objectclient.Client
	bus     *eventbus.Bus
	order   []string // registration order, used as topo-sort tie-break
	entries map[string]*entry
	hooks   []hookRegistration
}

// New builds an empty Framework over client (for PluginStorage) and bus
// (for the shared event API).
func New(client objectclient.Client, bus *eventbus.Bus) *Framework {
	return &Framework{
		client:  client,
		bus:     bus,
		entries: make(map[string]*entry),
	}
}

// Register adds plugin to the framework in the "registered" state.
// Registering the same ID twice fails unless the new plugin implements
// SingletonProvider and reports true, in which case it replaces the
// existing plugin in place without resetting lifecycle state.
func (f *Framework) Register(p Plugin) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := p.ID()
	if existing, ok := f.entries[id]; ok {
		if sp, ok := p.(SingletonProvider); ok && sp.Singleton() {
			existing.plugin = p
			return nil
		}
		return dberrors.New(dberrors.ValidationFailed, "duplicate_plugin_id", fmt.Sprintf("plugin %q is already registered", id)).
			WithContext("pluginId", id)
	}

	f.entries[id] = &entry{id: id, plugin: p, state: StateRegistered}
	f.order = append(f.order, id)
	return nil
}

// orderedIDs returns every registered plugin ID in dependency order
// (Kahn's topological sort, ties broken by registration order). A cycle
// is reported as an error, fatal at Database.Connect time per spec.md §4.7.
func (f *Framework) orderedIDs() ([]string, error) {
	inDegree := make(map[string]int, len(f.order))
	dependents := make(map[string][]string)

	for _, id := range f.order {
		inDegree[id] = 0
	}
	for _, id := range f.order {
		e := f.entries[id]
		deps := dependsOn(e.plugin)
		for _, dep := range deps {
			if _, known := f.entries[dep]; !known {
				continue // unresolvable dependency is ignored, not fatal
			}
			inDegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var ready []string
	for _, id := range f.order {
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool { return f.indexOf(ready[i]) < f.indexOf(ready[j]) })

	var out []string
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		out = append(out, id)
		for _, next := range dependents[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				ready = append(ready, next)
			}
		}
		sort.SliceStable(ready, func(i, j int) bool { return f.indexOf(ready[i]) < f.indexOf(ready[j]) })
	}

	if len(out) != len(f.order) {
		return nil, dberrors.New(dberrors.PluginSetupFailed, "dependency_cycle", "plugin dependsOn graph contains a cycle")
	}
	return out, nil
}

func (f *Framework) indexOf(id string) int {
	for i, x := range f.order {
		if x == id {
			return i
		}
	}
	return -1
}

func dependsOn(p Plugin) []string {
	if dp, ok := p.(DependsOnProvider); ok {
		return dp.DependsOn()
	}
	return nil
}

// SetupAndStartAll runs Setup then Start, in dependency order, for every
// plugin not yet past StateSetupComplete/StateRunning. A PluginSetupFailed
// error from one plugin isolates to that plugin (its state is left at
// StateRegistered, the error is returned in the result map) without
// tearing down the rest of the database, per spec.md §7.
func (f *Framework) SetupAndStartAll(ctx context.Context) map[string]error {
	ids, err := f.orderedIDs()
	if err != nil {
		return map[string]error{"*": err}
	}

	results := make(map[string]error)
	for _, id := range ids {
		f.mu.Lock()
		e := f.entries[id]
		f.mu.Unlock()

		if e.state == StateSetupComplete || e.state == StateRunning {
			continue
		}
		if err := e.plugin.Setup(ctx, f); err != nil {
			results[id] = dberrors.NewPluginSetupFailed(id, err)
			continue
		}
		f.mu.Lock()
		e.state = StateSetupComplete
		f.mu.Unlock()

		if err := e.plugin.Start(ctx); err != nil {
			results[id] = dberrors.NewPluginSetupFailed(id, err)
			continue
		}
		f.mu.Lock()
		e.state = StateRunning
		f.mu.Unlock()
	}
	return results
}

// StartPlugin runs Setup (idempotent — only once) then Start for a
// single already-registered plugin, used when a plugin is added via
// Database.UsePlugin after Connect.
func (f *Framework) StartPlugin(ctx context.Context, id string) error {
	f.mu.Lock()
	e, ok := f.entries[id]
	f.mu.Unlock()
	if !ok {
		return dberrors.New(dberrors.NotFound, "plugin_not_found", fmt.Sprintf("plugin %q is not registered", id))
	}

	if e.state != StateSetupComplete && e.state != StateRunning {
		if err := e.plugin.Setup(ctx, f); err != nil {
			return dberrors.NewPluginSetupFailed(id, err)
		}
		f.mu.Lock()
		e.state = StateSetupComplete
		f.mu.Unlock()
	}
	if e.state == StateRunning {
		return nil
	}
	if err := e.plugin.Start(ctx); err != nil {
		return dberrors.NewPluginSetupFailed(id, err)
	}
	f.mu.Lock()
	e.state = StateRunning
	f.mu.Unlock()
	return nil
}

// Stop stops every running plugin, in reverse dependency order.
func (f *Framework) Stop(ctx context.Context) error {
	ids, err := f.orderedIDs()
	if err != nil {
		return err
	}
	var firstErr error
	for i := len(ids) - 1; i >= 0; i-- {
		f.mu.Lock()
		e := f.entries[ids[i]]
		f.mu.Unlock()
		if e.state != StateRunning {
			continue
		}
		if err := e.plugin.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		f.mu.Lock()
		e.state = StateStopped
		f.mu.Unlock()
	}
	return firstErr
}

// Uninstall transitions a plugin to StateUninstalled and, if
// purgeStorage is set, deletes every key under its PluginStorage prefix.
func (f *Framework) Uninstall(ctx context.Context, id string, purgeStorage bool) error {
	f.mu.Lock()
	e, ok := f.entries[id]
	f.mu.Unlock()
	if !ok {
		return dberrors.New(dberrors.NotFound, "plugin_not_found", fmt.Sprintf("plugin %q is not registered", id))
	}
	if e.state == StateRunning {
		if err := e.plugin.Stop(ctx); err != nil {
			return err
		}
	}
	f.mu.Lock()
	e.state = StateUninstalled
	f.mu.Unlock()

	if purgeStorage {
		return f.Storage(id).purge(ctx)
	}
	return nil
}

// State reports a plugin's current lifecycle state.
func (f *Framework) State(id string) (State, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok {
		return "", false
	}
	return e.state, true
}

// Plugins returns every registered plugin, for health polling and
// manifest persistence.
func (f *Framework) Plugins() []Plugin {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Plugin, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.entries[id].plugin)
	}
	return out
}

// Events returns the shared event bus, for a plugin's on/emit/off API.
func (f *Framework) Events() *eventbus.Bus { return f.bus }

// HookResource registers fn against resourcePattern ("*" for every
// resource, or an exact resource name) and phaseOp (e.g. "before:insert",
// matching resource.PhaseBefore+":"+"insert"). Database applies matching
// registrations to a Resource at creation time and re-scans on every
// UsePlugin call so a hook registered after a resource exists still
// attaches to it.
func (f *Framework) HookResource(resourcePattern, phaseOp string, fn Hook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks = append(f.hooks, hookRegistration{resourcePattern: resourcePattern, phaseOp: phaseOp, fn: fn})
}

// HooksFor returns every registered hook whose pattern matches
// resourceName (an exact match or "*"), in registration order.
func (f *Framework) HooksFor(resourceName string) map[string][]Hook {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]Hook)
	for _, reg := range f.hooks {
		if reg.resourcePattern != "*" && reg.resourcePattern != resourceName {
			continue
		}
		out[reg.phaseOp] = append(out[reg.phaseOp], reg.fn)
	}
	return out
}

// Storage returns the PluginStorage handle scoped to pluginID.
func (f *Framework) Storage(pluginID string) *Storage {
	return &Storage{client: f.client, pluginID: pluginID}
}

// Storage is a namespaced object-store handle scoped to a single
// plugin's private prefix ("plugin=<id>/..."), enforced at
// key-generation time so a plugin cannot escape its namespace and the
// core never writes under it for any other reason, per spec.md §3
// invariant 5.
type Storage struct {
	client   objectclient.Client
	pluginID string
}

func (s *Storage) key(relative string) string {
	return fmt.Sprintf("plugin=%s/%s", s.pluginID, strings.TrimPrefix(relative, "/"))
}

func (s *Storage) Put(ctx context.Context, relative string, body []byte, metadata map[string]string) error {
	_, err := s.client.PutObject(ctx, s.key(relative), body, metadata, objectclient.PutOptions{})
	return err
}

// PutIfAbsent writes relative only if no object exists at that key yet,
// the precondition the scheduler's job locks rely on (spec.md §5).
func (s *Storage) PutIfAbsent(ctx context.Context, relative string, body []byte, metadata map[string]string) error {
	_, err := s.client.PutObject(ctx, s.key(relative), body, metadata, objectclient.PutOptions{IfMatch: objectclient.IfMatchAbsent})
	return err
}

func (s *Storage) Get(ctx context.Context, relative string) (objectclient.GetResult, error) {
	return s.client.GetObject(ctx, s.key(relative))
}

func (s *Storage) Head(ctx context.Context, relative string) (objectclient.HeadResult, error) {
	return s.client.HeadObject(ctx, s.key(relative))
}

func (s *Storage) Delete(ctx context.Context, relative string) error {
	return s.client.DeleteObject(ctx, s.key(relative))
}

func (s *Storage) List(ctx context.Context, relativePrefix string, opts objectclient.ListOptions) (objectclient.ListResult, error) {
	page, err := s.client.ListObjects(ctx, s.key(relativePrefix), opts)
	if err != nil {
		return objectclient.ListResult{}, err
	}
	stripped := make([]string, len(page.Keys))
	prefix := fmt.Sprintf("plugin=%s/", s.pluginID)
	for i, k := range page.Keys {
		stripped[i] = strings.TrimPrefix(k, prefix)
	}
	return objectclient.ListResult{Keys: stripped, NextToken: page.NextToken}, nil
}

func (s *Storage) purge(ctx context.Context) error {
	token := ""
	prefix := fmt.Sprintf("plugin=%s/", s.pluginID)
	for {
		page, err := s.client.ListObjects(ctx, prefix, objectclient.ListOptions{ContinuationToken: token})
		if err != nil {
			return err
		}
		if len(page.Keys) > 0 {
			if _, err := s.client.DeleteObjects(ctx, page.Keys); err != nil {
				return err
			}
		}
		if page.NextToken == "" {
			return nil
		}
		token = page.NextToken
	}
}
