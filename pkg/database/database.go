// Package database implements Database (spec.md §4.6): the top-level
// handle a caller opens with a connection string. It owns the manifest
// (<root>/s3db.json), the resource registry, the shared ObjectClient,
// CostAccountant, EventBus, and PluginFramework, and drives connect/
// disconnect and the createResource/resource/dropResource/usePlugin
// surface.
//
// Grounded on the teacher's pkg/anchor/adapter/registry.go global-
// registry-with-mutex pattern, scoped here to one instance per Database
// rather than a package-level singleton (the same redesign applied to
// pkg/cost.Accountant).
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/s3db-go/s3db/pkg/codec"
	"github.com/s3db-go/s3db/pkg/config"
	"github.com/s3db-go/s3db/pkg/cost"
	"github.com/s3db-go/s3db/pkg/dberrors"
	"github.com/s3db-go/s3db/pkg/eventbus"
	"github.com/s3db-go/s3db/pkg/health"
	"github.com/s3db-go/s3db/pkg/keyring"
	"github.com/s3db-go/s3db/pkg/logger"
	"github.com/s3db-go/s3db/pkg/objectclient"
	"github.com/s3db-go/s3db/pkg/partition"
	"github.com/s3db-go/s3db/pkg/plugin"
	"github.com/s3db-go/s3db/pkg/resource"
	"github.com/s3db-go/s3db/pkg/schema"
)

const manifestKey = "s3db.json"
const manifestVersion = 1

// manifest is the on-disk shape of s3db.json, per spec.md §6.1. Readers
// tolerate unknown top-level keys via json.RawMessage round-tripping is
// unnecessary here since we control both writer and reader; we still
// decode leniently (unknown fields are simply dropped by encoding/json).
type manifest struct {
	Version   int                         `json:"version"`
	Resources map[string]resourceManifest `json:"resources"`
	Plugins   map[string]pluginManifest   `json:"plugins"`
}

type versionSpec struct {
	Attributes schema.RawSchema        `json:"attributes"`
	Partitions []partition.Definition  `json:"partitions,omitempty"`
}

type resourceManifest struct {
	CurrentVersion string                 `json:"currentVersion"`
	Versions       map[string]versionSpec `json:"versions"`
	Behavior       string                 `json:"behavior"`
}

type pluginManifest struct {
	ID      string          `json:"id"`
	ClassName string        `json:"className"`
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config,omitempty"`
}

func emptyManifest() manifest {
	return manifest{Version: manifestVersion, Resources: map[string]resourceManifest{}, Plugins: map[string]pluginManifest{}}
}

// CreateResourceSpec is the caller-supplied shape for createResource:
// the first schema version's rules, its initial partitions, and its
// behavior mode.
type CreateResourceSpec struct {
	Name       string
	Attributes schema.RawSchema
	Partitions []partition.Definition
	Behavior   codec.Behavior
}

// UpdateAttributesSpec appends a new, immutable schema version to an
// existing resource (spec.md §3's "mutated only through updateAttributes,
// which creates a new schema version and does not rewrite existing
// objects").
type UpdateAttributesSpec struct {
	Name       string
	Attributes schema.RawSchema
}

// Database is the top-level registry: one ObjectClient, one manifest,
// one resource set, one plugin framework, one event bus, one cost
// accountant, scoped to a single connection.
type Database struct {
	mu sync.RWMutex

	client     objectclient.Client
	cfg        *config.Config
	bus        *eventbus.Bus
	accountant *cost.Accountant
	plugins    *plugin.Framework
	health     *health.Checker
	log        *logger.Logger

	encryptionKey string

	manifestETag string
	resources    map[string]*resource.Resource
	connected    bool

	// attachedHookCounts tracks, per resource name and phaseOp, how many
	// of plugins.HooksFor's (stable, append-only) entries have already
	// been registered on that resource, so re-scanning after a later
	// Setup call attaches only the hooks that are new.
	attachedHookCounts map[string]map[string]int
}

// Options configures New.
type Options struct {
	EncryptionKey string
	Config        *config.Config
	Logger        *logger.Logger

	// Keyring, when set, resolves EncryptionKey and the connection
	// string's secret component whenever they're left empty, per
	// spec.md §4.6's flag/config/keyring resolution order. Callers that
	// already have both values (tests, the fake-backed demos) can leave
	// this nil.
	Keyring *keyring.Manager
}

// New builds a Database over an already-parsed connection string,
// without touching the store; call Connect to load or initialize the
// manifest and start plugins.
func New(ctx context.Context, connectionString string, opts Options) (*Database, error) {
	cfg, err := objectclient.ParseConnectionString(connectionString)
	if err != nil {
		return nil, err
	}

	cfgMgr := opts.Config
	if cfgMgr == nil {
		cfgMgr = config.New(nil)
	}
	log := opts.Logger
	if log == nil {
		log = logger.New("s3db", "dev")
	}

	encryptionKey := opts.EncryptionKey
	if opts.Keyring != nil {
		if cfg.Secret == "" {
			if secret, err := opts.Keyring.ConnectionSecret(cfg.Host); err == nil {
				cfg.Secret = secret
			}
		}
		if encryptionKey == "" {
			if key, err := opts.Keyring.EncryptionKey(cfg.Host); err == nil {
				encryptionKey = key
			}
		}
	}

	accountant := cost.New(cost.DefaultPricingTable())
	client, err := objectclient.Connect(ctx, cfg, accountant)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New(func(event string, recovered any) {
		log.Errorf("event handler for %s panicked: %v", event, recovered)
	})

	return &Database{
		client:             client,
		cfg:                cfgMgr,
		bus:                bus,
		accountant:         accountant,
		plugins:            plugin.New(client, bus),
		health:             health.NewChecker(),
		log:                log,
		encryptionKey:      encryptionKey,
		resources:          make(map[string]*resource.Resource),
		attachedHookCounts: make(map[string]map[string]int),
	}, nil
}

// Events returns the database's shared event bus.
func (d *Database) Events() *eventbus.Bus { return d.bus }

// Cost returns the database's CostAccountant.
func (d *Database) Cost() *cost.Accountant { return d.accountant }

// Health returns the database's health checker.
func (d *Database) Health() *health.Checker { return d.health }

// Plugins returns the database's PluginFramework.
func (d *Database) Plugins() *plugin.Framework { return d.plugins }

// Connect loads (or initializes) the manifest, instantiates a Resource
// for every manifest-recorded resource, registers a store health check,
// and runs setup+start for every plugin registered so far, in dependency
// order, per spec.md §4.6.
func (d *Database) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, etag, err := d.loadManifestLocked(ctx)
	if err != nil {
		return err
	}
	d.manifestETag = etag

	for name, rm := range m.Resources {
		res, err := d.instantiateResourceLocked(name, rm)
		if err != nil {
			return err
		}
		d.resources[name] = res
	}

	d.health.RunCheck("objectclient", func() error {
		_, err := d.client.HeadObject(ctx, manifestKey)
		if err != nil && !dberrors.Is(err, dberrors.NotFound) {
			return err
		}
		return nil
	})

	d.connected = true

	if results := d.plugins.SetupAndStartAll(ctx); len(results) > 0 {
		for id, err := range results {
			d.log.Errorf("plugin %s failed to start: %v", id, err)
		}
	}

	// Plugins that just ran Setup may have registered hooks against
	// resources instantiated earlier in this same Connect call; attach
	// whatever is new now that the registry is populated.
	for _, res := range d.resources {
		d.attachNewPluginHooksLocked(res)
	}
	return nil
}

// Disconnect stops every running plugin. The ObjectClient and in-memory
// state otherwise need no teardown (no held connections beyond the HTTP
// client pool).
func (d *Database) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	return d.plugins.Stop(ctx)
}

func (d *Database) instantiateResourceLocked(name string, rm resourceManifest) (*resource.Resource, error) {
	versions := make(map[string]*schema.Schema, len(rm.Versions))
	for v, vs := range rm.Versions {
		compiled, err := schema.Compile(vs.Attributes, v)
		if err != nil {
			return nil, err
		}
		versions[v] = compiled
	}

	behavior := behaviorFromString(rm.Behavior)
	var partitions []partition.Definition
	if vs, ok := rm.Versions[rm.CurrentVersion]; ok {
		partitions = vs.Partitions
	}

	res := resource.New(resource.Config{
		Name:             name,
		Client:           d.client,
		Codec:            codec.New(d.encryptionKey, d.cfg.GetInt(config.KeyMixedSpillThresholdBytes, 2000), d.cfg.GetInt(config.KeyBodyCompressionThreshold, 10240)),
		Bus:              d.bus,
		Partitions:       partitions,
		Behavior:         behavior,
		Versions:         versions,
		CurrentVersion:   rm.CurrentVersion,
		DefaultPageSize:  d.cfg.GetInt(config.KeyDefaultPageSize, 100),
		BatchConcurrency: d.cfg.GetInt(config.KeyDefaultBatchConcurrency, 16),
	})
	d.attachNewPluginHooksLocked(res)
	return res, nil
}

// attachNewPluginHooksLocked wires every hook the plugin framework has
// registered (by exact name or "*") onto res, converting plugin.Hook to
// resource.Hook via a bare function-type conversion (both packages
// deliberately declare the identically-shaped type independently, so
// Database — which legitimately depends on both — is the only place this
// conversion needs to happen).
//
// plugins.HooksFor returns every matching registration in stable,
// append-only order, so attachedHookCounts lets repeated calls (Connect's
// post-setup rescan, every UsePlugin) attach only the hooks that were
// registered since the last call instead of re-registering ones already
// wired — otherwise a plugin added via two UsePlugin calls would have its
// first plugin's hooks fire once per call.
func (d *Database) attachNewPluginHooksLocked(res *resource.Resource) {
	counts, ok := d.attachedHookCounts[res.Name()]
	if !ok {
		counts = make(map[string]int)
		d.attachedHookCounts[res.Name()] = counts
	}
	for phaseOp, hooks := range d.plugins.HooksFor(res.Name()) {
		already := counts[phaseOp]
		if already >= len(hooks) {
			continue
		}
		phase, op := splitPhaseOp(phaseOp)
		for _, h := range hooks[already:] {
			res.RegisterHook(phase, op, resource.Hook(h))
		}
		counts[phaseOp] = len(hooks)
	}
}

func splitPhaseOp(phaseOp string) (phase, op string) {
	for i := 0; i < len(phaseOp); i++ {
		if phaseOp[i] == ':' {
			return phaseOp[:i], phaseOp[i+1:]
		}
	}
	return phaseOp, ""
}

func behaviorFromString(s string) codec.Behavior {
	switch s {
	case "body-only":
		return codec.BodyOnly
	case "user-managed":
		return codec.UserManaged
	case "metadata-only":
		return codec.MetadataOnly
	default:
		return codec.Mixed
	}
}

func behaviorToString(b codec.Behavior) string {
	switch b {
	case codec.MetadataOnly:
		return "metadata-only"
	case codec.BodyOnly:
		return "body-only"
	case codec.UserManaged:
		return "user-managed"
	default:
		return "mixed"
	}
}

// loadManifestLocked loads <root>/s3db.json, or initializes and persists
// a fresh one if absent, per spec.md §4.6 step 1.
func (d *Database) loadManifestLocked(ctx context.Context) (manifest, string, error) {
	result, err := d.client.GetObject(ctx, manifestKey)
	if err == nil {
		var m manifest
		if jsonErr := json.Unmarshal(result.Body, &m); jsonErr != nil {
			return manifest{}, "", dberrors.Wrap(dberrors.ValidationFailed, "manifest_corrupt", "manifest failed to parse as JSON", jsonErr)
		}
		if m.Resources == nil {
			m.Resources = map[string]resourceManifest{}
		}
		if m.Plugins == nil {
			m.Plugins = map[string]pluginManifest{}
		}
		return m, result.ETag, nil
	}
	if !dberrors.Is(err, dberrors.NotFound) {
		return manifest{}, "", err
	}

	m := emptyManifest()
	etag, putErr := d.putManifest(ctx, m, objectclient.IfMatchAbsent)
	if putErr != nil {
		if dberrors.Is(putErr, dberrors.AlreadyExists) || dberrors.Is(putErr, dberrors.StoreRejected) {
			return d.loadManifestLocked(ctx)
		}
		return manifest{}, "", putErr
	}
	return m, etag, nil
}

func (d *Database) putManifest(ctx context.Context, m manifest, ifMatch string) (string, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return "", dberrors.Wrap(dberrors.ValidationFailed, "manifest_encode_failed", "failed to encode manifest", err)
	}
	result, err := d.client.PutObject(ctx, manifestKey, body, nil, objectclient.PutOptions{
		ContentType: "application/json",
		IfMatch:     ifMatch,
	})
	if err != nil {
		return "", err
	}
	return result.ETag, nil
}

// mutateManifest reloads and re-applies mutate against the current
// manifest up to 5 times (SPEC_FULL.md §C's bounded optimistic-
// concurrency retry), retrying on a conditional-PUT precondition
// failure (the "another writer changed the manifest" case), per spec.md
// §4.6 ("on precondition failure, the database reloads the manifest and
// retries the mutation").
func (d *Database) mutateManifestLocked(ctx context.Context, mutate func(*manifest) error) (manifest, error) {
	const maxAttempts = 5
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		m, etag, err := d.loadManifestLocked(ctx)
		if err != nil {
			return manifest{}, err
		}
		if err := mutate(&m); err != nil {
			return manifest{}, err
		}
		newEtag, err := d.putManifest(ctx, m, etag)
		if err == nil {
			d.manifestETag = newEtag
			return m, nil
		}
		if !dberrors.Is(err, dberrors.StoreRejected) {
			return manifest{}, err
		}
		lastErr = err
	}
	return manifest{}, dberrors.Wrap(dberrors.StoreRejected, "manifest_contended", "manifest write did not converge after retries", lastErr)
}

// CreateResource persists a new resource entry to the manifest
// (initializing schema version v0) and instantiates its Resource, per
// spec.md §4.6.
func (d *Database) CreateResource(ctx context.Context, spec CreateResourceSpec) (*resource.Resource, error) {
	if _, err := schema.Compile(spec.Attributes, "v0"); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.resources[spec.Name]; exists {
		return nil, dberrors.NewAlreadyExists("resource", spec.Name)
	}

	rm := resourceManifest{
		CurrentVersion: "v0",
		Behavior:       behaviorToString(spec.Behavior),
		Versions: map[string]versionSpec{
			"v0": {Attributes: spec.Attributes, Partitions: spec.Partitions},
		},
	}

	if _, err := d.mutateManifestLocked(ctx, func(m *manifest) error {
		if _, exists := m.Resources[spec.Name]; exists {
			return dberrors.NewAlreadyExists("resource", spec.Name)
		}
		m.Resources[spec.Name] = rm
		return nil
	}); err != nil {
		return nil, err
	}

	res, err := d.instantiateResourceLocked(spec.Name, rm)
	if err != nil {
		return nil, err
	}
	d.resources[spec.Name] = res
	return res, nil
}

// Resource returns the named resource, or NotFound.
func (d *Database) Resource(name string) (*resource.Resource, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	res, ok := d.resources[name]
	if !ok {
		return nil, dberrors.NewNotFound("resource", name)
	}
	return res, nil
}

// Resources returns every registered resource's name.
func (d *Database) Resources() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.resources))
	for name := range d.resources {
		names = append(names, name)
	}
	return names
}

// DropResource removes a resource entry from the manifest. Data is
// preserved by default (spec.md §3: "Destroyed only through explicit
// dropResource (data preserved by default)"); purgeData additionally
// deletes every primary object and pointer object under the resource's
// prefix.
func (d *Database) DropResource(ctx context.Context, name string, purgeData bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, ok := d.resources[name]
	if !ok {
		return dberrors.NewNotFound("resource", name)
	}

	_, err := d.mutateManifestLocked(ctx, func(m *manifest) error {
		delete(m.Resources, name)
		return nil
	})
	if err != nil {
		return err
	}
	delete(d.resources, name)

	if !purgeData {
		return nil
	}
	return purgeResourcePrefix(ctx, d.client, fmt.Sprintf("resource=%s/", name))
}

func purgeResourcePrefix(ctx context.Context, client objectclient.Client, prefix string) error {
	token := ""
	for {
		page, err := client.ListObjects(ctx, prefix, objectclient.ListOptions{ContinuationToken: token})
		if err != nil {
			return err
		}
		if len(page.Keys) > 0 {
			if _, err := client.DeleteObjects(ctx, page.Keys); err != nil {
				return err
			}
		}
		if page.NextToken == "" {
			return nil
		}
		token = page.NextToken
	}
}

// UpdateAttributes appends a new schema version to an existing resource
// and makes it current, per spec.md §3's append-only evolution policy:
// existing objects are never rewritten and remain readable against the
// version stamped in their own metadata.
func (d *Database) UpdateAttributes(ctx context.Context, spec UpdateAttributesSpec) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, ok := d.resources[spec.Name]
	if !ok {
		return dberrors.NewNotFound("resource", spec.Name)
	}

	var newVersion string
	var compiled *schema.Schema

	_, err := d.mutateManifestLocked(ctx, func(m *manifest) error {
		rm, ok := m.Resources[spec.Name]
		if !ok {
			return dberrors.NewNotFound("resource", spec.Name)
		}
		if rm.Versions == nil {
			rm.Versions = map[string]versionSpec{}
		}

		newVersion = nextSchemaVersion(rm.CurrentVersion)
		c, err := schema.Compile(spec.Attributes, newVersion)
		if err != nil {
			return err
		}
		compiled = c

		partitions := rm.Versions[rm.CurrentVersion].Partitions
		rm.Versions[newVersion] = versionSpec{Attributes: spec.Attributes, Partitions: partitions}
		rm.CurrentVersion = newVersion
		m.Resources[spec.Name] = rm
		return nil
	})
	if err != nil {
		return err
	}

	res.AddSchemaVersion(newVersion, compiled)
	return nil
}

// nextSchemaVersion derives "v<k+1>" from the resource's current "v<k>",
// per spec.md §4.3: updateAttributes computes the next version itself so
// callers can never stamp a non-monotonic or out-of-order _v.
func nextSchemaVersion(current string) string {
	n, err := strconv.Atoi(strings.TrimPrefix(current, "v"))
	if err != nil {
		return "v0"
	}
	return fmt.Sprintf("v%d", n+1)
}

// UsePlugin registers plugin with the PluginFramework, persists its
// enabled/disabled state and opaque config in the manifest, and — if the
// database is already connected — runs its Setup then Start immediately
// rather than waiting for a future Connect, per spec.md §4.7 ("a plugin
// added after connect still receives setup then start").
func (d *Database) UsePlugin(ctx context.Context, p plugin.Plugin, cfg json.RawMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.plugins.Register(p); err != nil {
		return err
	}

	_, err := d.mutateManifestLocked(ctx, func(m *manifest) error {
		m.Plugins[p.ID()] = pluginManifest{
			ID:        p.ID(),
			ClassName: fmt.Sprintf("%T", p),
			Enabled:   true,
			Config:    cfg,
		}
		return nil
	})
	if err != nil {
		return err
	}

	if !d.connected {
		return nil
	}

	if err := d.plugins.StartPlugin(ctx, p.ID()); err != nil {
		return err
	}

	// Setup just ran and may have called HookResource; attach whatever
	// it registered against resources that already exist. A plugin added
	// before Connect has no hooks to attach yet — Connect's own post-setup
	// rescan picks those up once SetupAndStartAll runs.
	for _, res := range d.resources {
		d.attachNewPluginHooksLocked(res)
	}
	return nil
}
