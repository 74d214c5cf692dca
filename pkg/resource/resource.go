// Package resource implements Resource (spec.md §4.5): the unit of
// schema + behavior + hooks over one logical collection, and the
// pipeline every caller-visible operation passes through:
//
//	write: coerce → validate → beforeHooks → encode → encrypt →
//	       storeWrite → updatePartitionPointers → afterHooks → emitEvent
//	read:  storeRead → decodeHeader(_v) → resolveSchemaVersion →
//	       decrypt → decode → afterReadHooks
//
// Hooks are first-class functions in a registry keyed by (phase, op), not
// methods monkey-patched onto a Resource at runtime (spec.md §9): a
// Resource is never mutated after construction except to append a new
// schema version or register a hook/partition, both append-only
// operations guarded by the same mutex that protects reads.
//
// Grounded on the teacher's data_ops.go Insert/Update/Upsert/Delete/Fetch
// shape: S3 objects are overwrite-only, which is why Update and Upsert
// collapse to the same store-write primitive there too, and directly
// informs this package's default last-writer-wins Upsert versus the
// AlreadyExists-guarded Insert (spec.md §8 property 6).
package resource

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/s3db-go/s3db/pkg/batch"
	"github.com/s3db-go/s3db/pkg/codec"
	"github.com/s3db-go/s3db/pkg/dberrors"
	"github.com/s3db-go/s3db/pkg/eventbus"
	"github.com/s3db-go/s3db/pkg/iterator"
	"github.com/s3db-go/s3db/pkg/objectclient"
	"github.com/s3db-go/s3db/pkg/partition"
	"github.com/s3db-go/s3db/pkg/schema"
)

// Record is one decoded document: id, its attribute map (never
// containing the engine-owned id/_v/_ca/_ua keys), the schema version it
// was encoded under, and its creation/update timestamps.
type Record struct {
	ID         string
	Attributes map[string]any
	Version    string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Map flattens a Record into the caller-visible shape spec.md §3
// describes: {id, ...attributes, _v, _createdAt, _updatedAt}.
func (r Record) Map() map[string]any {
	out := make(map[string]any, len(r.Attributes)+4)
	for k, v := range r.Attributes {
		out[k] = v
	}
	out["id"] = r.ID
	out[codec.MetaVersion] = r.Version
	out[codec.MetaCreatedAt] = r.CreatedAt
	out[codec.MetaUpdatedAt] = r.UpdatedAt
	return out
}

// Hook is a first-class function registered against (resourceName,
// phase, op). A before-hook may return a replacement attribute map; a
// non-nil error aborts the operation with that error. An after-hook's
// error never undoes the persisted write — it is reported as
// HookFailed via the event bus instead of returned to the caller.
type Hook func(ctx context.Context, record map[string]any) (map[string]any, error)

// Hook phases, per spec.md §4.5: "before:{op}", "after:{op}", "on:error:{op}".
const (
	PhaseBefore = "before"
	PhaseAfter  = "after"
	PhaseError  = "error"
)

// EventPayload is delivered to subscribers of "<resource>:<phase>:<op>".
type EventPayload struct {
	Record       map[string]any
	ResourceName string
	Op           string
}

// InsertOptions controls Insert's conflict behavior.
type InsertOptions struct {
	// Overwrite switches Insert from the default AlreadyExists-on-collision
	// mode (conditional PUT with IfMatch=absent) to last-writer-wins.
	Overwrite bool
}

// UpdateOptions controls Update's conflict behavior.
type UpdateOptions struct {
	// ExpectedETag makes the write conditional on the primary object's
	// etag being unchanged since the caller's prior Get; empty means
	// the default last-writer-wins.
	ExpectedETag string
}

// ListOptions controls List's paging and client-side filtering.
type ListOptions struct {
	Limit  int
	Offset int
	Filter func(Record) bool
}

// StreamOptions controls Stream's underlying LIST page size.
type StreamOptions struct {
	PageSize    int
	Concurrency int
}

// Config builds one Resource.
type Config struct {
	Name             string
	Client           objectclient.Client
	Codec            *codec.Codec
	Bus              *eventbus.Bus
	Partitions       []partition.Definition
	Behavior         codec.Behavior
	Versions         map[string]*schema.Schema // schema version -> compiled schema
	CurrentVersion   string
	IDGenerator      func() string // overridable for deterministic tests
	DefaultPageSize  int
	BatchConcurrency int
}

// Resource is one collection: an active (possibly multi-version) schema,
// a behavior mode, a partition index, and a hook registry, exposing the
// validated operation pipeline of spec.md §4.5.
type Resource struct {
	name     string
	client   objectclient.Client
	codec    *codec.Codec
	bus      *eventbus.Bus
	index    *partition.Index
	behavior codec.Behavior

	versions       map[string]*schema.Schema
	currentVersion string

	hooks map[string][]Hook

	idGen            func() string
	defaultPageSize  int
	batchConcurrency int
}

// New builds a Resource from cfg. Versions must contain at least
// CurrentVersion.
func New(cfg Config) *Resource {
	versions := make(map[string]*schema.Schema, len(cfg.Versions))
	for k, v := range cfg.Versions {
		versions[k] = v
	}
	idGen := cfg.IDGenerator
	if idGen == nil {
		idGen = generateID
	}
	pageSize := cfg.DefaultPageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	concurrency := cfg.BatchConcurrency
	if concurrency <= 0 {
		concurrency = 16
	}
	return &Resource{
		name:             cfg.Name,
		client:           cfg.Client,
		codec:            cfg.Codec,
		bus:              cfg.Bus,
		index:            partition.New(cfg.Client, cfg.Name, cfg.Partitions),
		behavior:         cfg.Behavior,
		versions:         versions,
		currentVersion:   cfg.CurrentVersion,
		hooks:            make(map[string][]Hook),
		idGen:            idGen,
		defaultPageSize:  pageSize,
		batchConcurrency: concurrency,
	}
}

// generateID produces a time-sortable id with a random suffix, per
// spec.md §3's "id is either caller-supplied or engine-generated
// (time-sortable + random suffix)".
func generateID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%013d%s", time.Now().UnixMilli(), suffix)
}

// Name returns the resource's name.
func (r *Resource) Name() string { return r.name }

// Behavior returns the resource's behavior mode.
func (r *Resource) Behavior() codec.Behavior { return r.behavior }

// CurrentVersion returns the schema version new writes encode under.
func (r *Resource) CurrentVersion() string { return r.currentVersion }

// CurrentSchema returns the compiled schema new writes validate against.
func (r *Resource) CurrentSchema() *schema.Schema { return r.versions[r.currentVersion] }

// SchemaVersion resolves a stored _v tag to its compiled schema.
func (r *Resource) SchemaVersion(version string) (*schema.Schema, bool) {
	s, ok := r.versions[version]
	return s, ok
}

// AddSchemaVersion appends a new, immutable schema version and makes it
// current. Used by Database.UpdateAttributes (spec.md §4.3's evolution
// policy): existing objects are never rewritten.
func (r *Resource) AddSchemaVersion(version string, s *schema.Schema) {
	r.versions[version] = s
	r.currentVersion = version
}

// Partitions returns the declared partitions, sorted by name.
func (r *Resource) Partitions() []partition.Definition { return r.index.Definitions() }

// RegisterHook attaches fn to (phase, op), e.g. RegisterHook(PhaseBefore,
// "insert", fn). Hooks run in registration order.
func (r *Resource) RegisterHook(phase, op string, fn Hook) {
	key := phase + ":" + op
	r.hooks[key] = append(r.hooks[key], fn)
}

func (r *Resource) runBeforeHooks(ctx context.Context, op string, record map[string]any) (map[string]any, error) {
	for _, h := range r.hooks[PhaseBefore+":"+op] {
		updated, err := h(ctx, record)
		if err != nil {
			return nil, err
		}
		if updated != nil {
			record = updated
		}
	}
	return record, nil
}

func (r *Resource) runAfterHooks(ctx context.Context, op string, record map[string]any) map[string]any {
	for _, h := range r.hooks[PhaseAfter+":"+op] {
		updated, err := h(ctx, record)
		if err != nil {
			r.emit(fmt.Sprintf("%s:on:error:%s", r.name, op), dberrors.NewHookFailed(r.name, op, err))
			continue
		}
		if updated != nil {
			record = updated
		}
	}
	return record
}

func (r *Resource) emit(event string, payload any) {
	if r.bus == nil {
		return
	}
	r.bus.Emit(event, payload)
}

func (r *Resource) emitOp(op string, record map[string]any) {
	r.emit(fmt.Sprintf("%s:after:%s", r.name, op), EventPayload{Record: record, ResourceName: r.name, Op: op})
}

func dataPrefix(name string) string { return fmt.Sprintf("resource=%s/data/", name) }

func dataKey(name, id string) string { return dataPrefix(name) + "id=" + id }

func idFromDataKey(key string) (string, bool) {
	idx := strings.LastIndex(key, "id=")
	if idx < 0 {
		return "", false
	}
	return key[idx+len("id="):], true
}

func checkCancel(ctx context.Context, op string) error {
	if ctx.Err() != nil {
		return dberrors.NewCancelled(op)
	}
	return nil
}

func fieldSpecs(s *schema.Schema) []codec.FieldSpec {
	specs := make([]codec.FieldSpec, 0, len(s.Fields))
	for _, f := range s.Fields {
		specs = append(specs, codec.FieldSpec{Name: f.Name, Type: toCodecType(f.Type), Secret: f.Secret})
	}
	return specs
}

func toCodecType(t schema.FieldType) codec.FieldType {
	switch t {
	case schema.TypeNumber:
		return codec.TypeNumber
	case schema.TypeBoolean:
		return codec.TypeBool
	case schema.TypeDate:
		return codec.TypeDate
	case schema.TypeObject:
		return codec.TypeObject
	case schema.TypeArray:
		return codec.TypeArray
	default:
		return codec.TypeString
	}
}

// extractID pulls and validates the caller-supplied id out of attrs,
// returning a copy of attrs with "id" removed.
func extractID(attrs map[string]any) (id string, rest map[string]any, err error) {
	rest = make(map[string]any, len(attrs))
	for k, v := range attrs {
		rest[k] = v
	}
	raw, ok := rest["id"]
	delete(rest, "id")
	if !ok {
		return "", rest, nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", nil, dberrors.New(dberrors.ValidationFailed, "invalid_id", "id must be a string")
	}
	if s == "" {
		return "", nil, dberrors.New(dberrors.ValidationFailed, "empty_id", "id must not be an empty string")
	}
	return s, rest, nil
}

// validateAgainstSchema runs coerce then validate, additionally rejecting
// a non-empty insert against a resource with zero declared fields
// (spec.md §8 boundary case).
func validateAgainstSchema(s *schema.Schema, attrs map[string]any) (map[string]any, error) {
	coerced := s.Coerce(attrs)
	if len(s.Fields) == 0 && len(coerced) > 0 {
		return nil, dberrors.NewValidationFailed([]dberrors.FieldError{{
			Field: "*", Message: "resource declares no attributes; non-empty records are rejected", Expected: "empty record", Actual: "non-empty record",
		}})
	}
	if fieldErrs := s.Validate(coerced); len(fieldErrs) > 0 {
		return nil, dberrors.NewValidationFailed(fieldErrs)
	}
	return coerced, nil
}

// Insert creates a new record. id may be supplied in attrs["id"] or left
// absent for engine generation. Default conflict mode is AlreadyExists;
// pass InsertOptions{Overwrite:true} for last-writer-wins.
func (r *Resource) Insert(ctx context.Context, attrs map[string]any, opts InsertOptions) (Record, error) {
	if err := checkCancel(ctx, "insert"); err != nil {
		return Record{}, err
	}

	id, rest, err := extractID(attrs)
	if err != nil {
		return Record{}, err
	}
	if id == "" {
		id = r.idGen()
	}

	s := r.CurrentSchema()
	coerced, err := validateAgainstSchema(s, rest)
	if err != nil {
		return Record{}, err
	}

	beforeRecord, err := r.runBeforeHooks(ctx, "insert", withID(coerced, id))
	if err != nil {
		return Record{}, err
	}
	coerced = withoutID(beforeRecord)

	now := time.Now().UTC()
	metadata, body, err := r.codec.EncodeRecord(coerced, fieldSpecs(s), r.behavior)
	if err != nil {
		return Record{}, err
	}
	metadata[codec.MetaVersion] = r.currentVersion
	metadata[codec.MetaCreatedAt] = now.Format(time.RFC3339Nano)
	metadata[codec.MetaUpdatedAt] = now.Format(time.RFC3339Nano)

	putOpts := objectclient.PutOptions{ContentType: "application/octet-stream"}
	if !opts.Overwrite {
		putOpts.IfMatch = objectclient.IfMatchAbsent
	}
	if err := checkCancel(ctx, "insert"); err != nil {
		return Record{}, err
	}
	if _, err := r.client.PutObject(ctx, dataKey(r.name, id), body, metadata, putOpts); err != nil {
		if dberrors.Is(err, dberrors.StoreRejected) || dberrors.Is(err, dberrors.AlreadyExists) {
			return Record{}, dberrors.NewAlreadyExists(r.name, id)
		}
		return Record{}, err
	}

	r.writePointersWithRetry(ctx, id, coerced)

	rec := Record{ID: id, Attributes: coerced, Version: r.currentVersion, CreatedAt: now, UpdatedAt: now}
	out := r.runAfterHooks(ctx, "insert", rec.Map())
	r.emitOp("insert", out)
	return recordFromMap(out, rec), nil
}

func withID(attrs map[string]any, id string) map[string]any {
	out := make(map[string]any, len(attrs)+1)
	for k, v := range attrs {
		out[k] = v
	}
	out["id"] = id
	return out
}

func withoutID(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		if k == "id" {
			continue
		}
		out[k] = v
	}
	return out
}

// recordFromMap reconstructs a Record from a (possibly hook-modified)
// flattened map, falling back to fallback's id/version/timestamps for
// any engine-owned key the hook chain did not touch.
func recordFromMap(m map[string]any, fallback Record) Record {
	out := fallback
	out.Attributes = withoutID(m)
	delete(out.Attributes, codec.MetaVersion)
	delete(out.Attributes, codec.MetaCreatedAt)
	delete(out.Attributes, codec.MetaUpdatedAt)
	if id, ok := m["id"].(string); ok && id != "" {
		out.ID = id
	}
	return out
}

// writePointersWithRetry writes every declared partition's pointer for
// id, retrying once on failure before surfacing PartitionPointerStale
// through the event bus — never to the caller (spec.md §4.5's
// error-and-partial-write policy).
func (r *Resource) writePointersWithRetry(ctx context.Context, id string, values map[string]any) {
	if len(r.index.Definitions()) == 0 {
		return
	}
	err := r.index.WritePointers(ctx, id, values)
	if err != nil {
		err = r.index.WritePointers(ctx, id, values)
	}
	if err != nil {
		r.emit(r.name+":partition:stale", dberrors.NewPartitionPointerStale(r.name, id, "*", err))
	}
}

func (r *Resource) rewritePointersWithRetry(ctx context.Context, id string, oldValues, newValues map[string]any) {
	if len(r.index.Definitions()) == 0 {
		return
	}
	err := r.index.RewritePointers(ctx, id, oldValues, newValues)
	if err != nil {
		err = r.index.RewritePointers(ctx, id, oldValues, newValues)
	}
	if err != nil {
		r.emit(r.name+":partition:stale", dberrors.NewPartitionPointerStale(r.name, id, "*", err))
	}
}

func (r *Resource) deletePointersWithRetry(ctx context.Context, id string, values map[string]any) {
	if len(r.index.Definitions()) == 0 {
		return
	}
	err := r.index.DeletePointers(ctx, id, values)
	if err != nil {
		err = r.index.DeletePointers(ctx, id, values)
	}
	if err != nil {
		r.emit(r.name+":partition:stale", dberrors.NewPartitionPointerStale(r.name, id, "*", err))
	}
}

// getRaw fetches and decodes one record without running after:get hooks,
// used internally by Update/Upsert/Delete to read the prior state.
func (r *Resource) getRaw(ctx context.Context, id string) (Record, error) {
	if err := checkCancel(ctx, "get"); err != nil {
		return Record{}, err
	}
	result, err := r.client.GetObject(ctx, dataKey(r.name, id))
	if err != nil {
		if dberrors.Is(err, dberrors.NotFound) {
			return Record{}, dberrors.NewNotFound(r.name, id)
		}
		return Record{}, err
	}

	version := result.Metadata[codec.MetaVersion]
	s, ok := r.versions[version]
	if !ok {
		return Record{}, dberrors.NewSchemaVersionMissing(r.name, version)
	}

	attrs, err := r.codec.DecodeRecord(result.Metadata, result.Body, fieldSpecs(s), r.behavior)
	if err != nil {
		return Record{}, err
	}

	createdAt, _ := time.Parse(time.RFC3339Nano, result.Metadata[codec.MetaCreatedAt])
	updatedAt, _ := time.Parse(time.RFC3339Nano, result.Metadata[codec.MetaUpdatedAt])
	return Record{ID: id, Attributes: attrs, Version: version, CreatedAt: createdAt, UpdatedAt: updatedAt}, nil
}

// Get returns the full decoded record, or NotFound.
func (r *Resource) Get(ctx context.Context, id string) (Record, error) {
	rec, err := r.getRaw(ctx, id)
	if err != nil {
		return Record{}, err
	}
	out := r.runAfterHooks(ctx, "get", rec.Map())
	return recordFromMap(out, rec), nil
}

// Exists reports whether id has a primary object, via HEAD only.
func (r *Resource) Exists(ctx context.Context, id string) (bool, error) {
	if err := checkCancel(ctx, "exists"); err != nil {
		return false, err
	}
	_, err := r.client.HeadObject(ctx, dataKey(r.name, id))
	if err != nil {
		if dberrors.Is(err, dberrors.NotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Update merges patch into the current record, re-encoding under the
// resource's current schema version, and rewrites any partition pointer
// whose fields changed.
func (r *Resource) Update(ctx context.Context, id string, patch map[string]any, opts UpdateOptions) (Record, error) {
	if err := checkCancel(ctx, "update"); err != nil {
		return Record{}, err
	}

	current, err := r.getRaw(ctx, id)
	if err != nil {
		return Record{}, err
	}

	merged := make(map[string]any, len(current.Attributes)+len(patch))
	for k, v := range current.Attributes {
		merged[k] = v
	}
	for k, v := range patch {
		if k == "id" {
			continue
		}
		merged[k] = v
	}

	s := r.CurrentSchema()
	coerced, err := validateAgainstSchema(s, merged)
	if err != nil {
		return Record{}, err
	}

	beforeRecord, err := r.runBeforeHooks(ctx, "update", withID(coerced, id))
	if err != nil {
		return Record{}, err
	}
	coerced = withoutID(beforeRecord)

	now := time.Now().UTC()
	metadata, body, err := r.codec.EncodeRecord(coerced, fieldSpecs(s), r.behavior)
	if err != nil {
		return Record{}, err
	}
	metadata[codec.MetaVersion] = r.currentVersion
	metadata[codec.MetaCreatedAt] = current.CreatedAt.Format(time.RFC3339Nano)
	metadata[codec.MetaUpdatedAt] = now.Format(time.RFC3339Nano)

	putOpts := objectclient.PutOptions{ContentType: "application/octet-stream"}
	if opts.ExpectedETag != "" {
		putOpts.IfMatch = opts.ExpectedETag
	}
	if err := checkCancel(ctx, "update"); err != nil {
		return Record{}, err
	}
	if _, err := r.client.PutObject(ctx, dataKey(r.name, id), body, metadata, putOpts); err != nil {
		return Record{}, err
	}

	r.rewritePointersWithRetry(ctx, id, current.Attributes, coerced)

	rec := Record{ID: id, Attributes: coerced, Version: r.currentVersion, CreatedAt: current.CreatedAt, UpdatedAt: now}
	out := r.runAfterHooks(ctx, "update", rec.Map())
	r.emitOp("update", out)
	return recordFromMap(out, rec), nil
}

// Upsert replaces the full record at id if it exists, or inserts it if
// not; always last-writer-wins (no ifMatch precondition), per spec.md §8
// property 6's documented upsert default.
func (r *Resource) Upsert(ctx context.Context, id string, attrs map[string]any) (Record, error) {
	if err := checkCancel(ctx, "upsert"); err != nil {
		return Record{}, err
	}
	if id == "" {
		return Record{}, dberrors.New(dberrors.ValidationFailed, "empty_id", "id must not be an empty string")
	}

	rest := make(map[string]any, len(attrs))
	for k, v := range attrs {
		rest[k] = v
	}
	delete(rest, "id")

	s := r.CurrentSchema()
	coerced, err := validateAgainstSchema(s, rest)
	if err != nil {
		return Record{}, err
	}

	current, err := r.getRaw(ctx, id)
	existed := err == nil
	if err != nil && !dberrors.Is(err, dberrors.NotFound) {
		return Record{}, err
	}

	beforeRecord, err := r.runBeforeHooks(ctx, "upsert", withID(coerced, id))
	if err != nil {
		return Record{}, err
	}
	coerced = withoutID(beforeRecord)

	now := time.Now().UTC()
	createdAt := now
	if existed {
		createdAt = current.CreatedAt
	}

	metadata, body, err := r.codec.EncodeRecord(coerced, fieldSpecs(s), r.behavior)
	if err != nil {
		return Record{}, err
	}
	metadata[codec.MetaVersion] = r.currentVersion
	metadata[codec.MetaCreatedAt] = createdAt.Format(time.RFC3339Nano)
	metadata[codec.MetaUpdatedAt] = now.Format(time.RFC3339Nano)

	if err := checkCancel(ctx, "upsert"); err != nil {
		return Record{}, err
	}
	if _, err := r.client.PutObject(ctx, dataKey(r.name, id), body, metadata, objectclient.PutOptions{ContentType: "application/octet-stream"}); err != nil {
		return Record{}, err
	}

	if existed {
		r.rewritePointersWithRetry(ctx, id, current.Attributes, coerced)
	} else {
		r.writePointersWithRetry(ctx, id, coerced)
	}

	rec := Record{ID: id, Attributes: coerced, Version: r.currentVersion, CreatedAt: createdAt, UpdatedAt: now}
	op := "update"
	if !existed {
		op = "insert"
	}
	out := r.runAfterHooks(ctx, "upsert", rec.Map())
	r.emitOp(op, out)
	return recordFromMap(out, rec), nil
}

// Delete removes the primary object, then its partition pointers;
// idempotent (deleting an absent id is success), per spec.md §3
// invariant 3.
func (r *Resource) Delete(ctx context.Context, id string) error {
	if err := checkCancel(ctx, "delete"); err != nil {
		return err
	}

	current, err := r.getRaw(ctx, id)
	if err != nil {
		if dberrors.Is(err, dberrors.NotFound) {
			return nil
		}
		return err
	}

	if _, err := r.runBeforeHooks(ctx, "delete", current.Map()); err != nil {
		return err
	}

	if err := checkCancel(ctx, "delete"); err != nil {
		return err
	}
	if err := r.client.DeleteObject(ctx, dataKey(r.name, id)); err != nil {
		return err
	}

	r.deletePointersWithRetry(ctx, id, current.Attributes)

	out := r.runAfterHooks(ctx, "delete", current.Map())
	r.emitOp("delete", out)
	return nil
}

// List returns up to opts.Limit decoded records (client-side filtered,
// offset applied after filtering), in stable key order.
func (r *Resource) List(ctx context.Context, opts ListOptions) ([]Record, error) {
	if err := checkCancel(ctx, "list"); err != nil {
		return nil, err
	}

	limit := opts.Limit
	var out []Record
	skipped := 0
	token := ""
	for {
		page, err := r.client.ListObjects(ctx, dataPrefix(r.name), objectclient.ListOptions{ContinuationToken: token, PageSize: r.defaultPageSize})
		if err != nil {
			return nil, err
		}
		for _, key := range page.Keys {
			id, ok := idFromDataKey(key)
			if !ok {
				continue
			}
			rec, err := r.getRaw(ctx, id)
			if err != nil {
				if dberrors.Is(err, dberrors.NotFound) {
					continue
				}
				return nil, err
			}
			if opts.Filter != nil && !opts.Filter(rec) {
				continue
			}
			if skipped < opts.Offset {
				skipped++
				continue
			}
			out = append(out, rec)
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
		if page.NextToken == "" {
			return out, nil
		}
		token = page.NextToken
	}
}

// ListByPartition returns decoded records whose partition values match
// selector, fetched via the partition pointer index.
func (r *Resource) ListByPartition(ctx context.Context, partitionName string, selector partition.Selector) ([]Record, error) {
	if err := checkCancel(ctx, "listByPartition"); err != nil {
		return nil, err
	}
	ids, err := r.index.List(ctx, partitionName, selector)
	if err != nil {
		return nil, err
	}

	items := make([]any, len(ids))
	for i, id := range ids {
		items[i] = id
	}
	result := batch.Run(ctx, items, func(ctx context.Context, item any) (any, error) {
		return r.getRaw(ctx, item.(string))
	}, batch.Options{Concurrency: r.batchConcurrency})

	out := make([]Record, 0, len(result.Successes))
	for _, o := range result.Successes {
		out = append(out, o.Value.(Record))
	}
	for _, f := range result.Failures {
		if dberrors.Is(f.Err, dberrors.NotFound) {
			continue // stale pointer; reclaimed lazily by Rebuild
		}
		return nil, f.Err
	}
	return out, nil
}

// Count returns the exact number of records via exhaustive LIST
// iteration, per spec.md §8 property 5.
func (r *Resource) Count(ctx context.Context) (int, error) {
	if err := checkCancel(ctx, "count"); err != nil {
		return 0, err
	}
	count := 0
	token := ""
	for {
		page, err := r.client.ListObjects(ctx, dataPrefix(r.name), objectclient.ListOptions{ContinuationToken: token, PageSize: r.defaultPageSize})
		if err != nil {
			return 0, err
		}
		count += len(page.Keys)
		if page.NextToken == "" {
			return count, nil
		}
		token = page.NextToken
	}
}

// Stream returns a lazy, restartable sequence of decoded records.
func (r *Resource) Stream(ctx context.Context, opts StreamOptions) *iterator.Iterator {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = r.defaultPageSize
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = r.batchConcurrency
	}

	fetchPage := func(ctx context.Context, token string, pageSize int) ([]any, string, error) {
		page, err := r.client.ListObjects(ctx, dataPrefix(r.name), objectclient.ListOptions{ContinuationToken: token, PageSize: pageSize})
		if err != nil {
			return nil, "", err
		}
		items := make([]any, 0, len(page.Keys))
		for _, key := range page.Keys {
			if id, ok := idFromDataKey(key); ok {
				items = append(items, id)
			}
		}
		return items, page.NextToken, nil
	}
	decode := func(ctx context.Context, item any) (any, error) {
		rec, err := r.getRaw(ctx, item.(string))
		if err != nil {
			if dberrors.Is(err, dberrors.NotFound) {
				return nil, iterator.ErrSkip
			}
			return nil, err
		}
		return rec, nil
	}
	return iterator.New(ctx, fetchPage, decode, pageSize, concurrency)
}

// allRecordIDs lists every record id currently on disk, used by
// RebuildPartitions.
func (r *Resource) allRecordIDs(ctx context.Context) ([]string, error) {
	var ids []string
	token := ""
	for {
		page, err := r.client.ListObjects(ctx, dataPrefix(r.name), objectclient.ListOptions{ContinuationToken: token, PageSize: r.defaultPageSize})
		if err != nil {
			return nil, err
		}
		for _, key := range page.Keys {
			if id, ok := idFromDataKey(key); ok {
				ids = append(ids, id)
			}
		}
		if page.NextToken == "" {
			return ids, nil
		}
		token = page.NextToken
	}
}

// RebuildPartitions reconciles every declared partition's pointer
// objects against the current primary objects: the explicit maintenance
// path spec.md §4.4/§9 calls for, sharing its reconciliation routine
// with the lazy-on-read path a caller can invoke after observing a
// missing pointer for one record.
func (r *Resource) RebuildPartitions(ctx context.Context) error {
	ids, err := r.allRecordIDs(ctx)
	if err != nil {
		return err
	}
	return r.index.Rebuild(ctx, ids, func(ctx context.Context, id string) (map[string]any, bool, error) {
		rec, err := r.getRaw(ctx, id)
		if err != nil {
			if dberrors.Is(err, dberrors.NotFound) {
				return nil, false, nil
			}
			return nil, false, err
		}
		return rec.Attributes, true, nil
	})
}
