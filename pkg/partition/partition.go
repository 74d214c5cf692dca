// Package partition materializes declared secondary indexes (spec.md
// §4.4) as zero-byte pointer objects under a resource's
// "partitions/<name>/" prefix. Key derivation is deterministic and
// order-preserving: fields are rendered in declaration order so that a
// prefix listing groups records by leading field values.
package partition

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/s3db-go/s3db/pkg/dberrors"
	"github.com/s3db-go/s3db/pkg/objectclient"
)

// Definition is one declared partition: a name and the ordered fields
// that make up its pointer key.
type Definition struct {
	Name   string
	Fields []string // declaration order; determines key field order
}

// Index maintains pointer objects for one resource's declared
// partitions over an ObjectClient.
type Index struct {
	client       objectclient.Client
	resourceName string
	defs         map[string]Definition
}

// New builds an Index for resourceName with defs keyed by partition name.
func New(client objectclient.Client, resourceName string, defs []Definition) *Index {
	byName := make(map[string]Definition, len(defs))
	for _, d := range defs {
		byName[d.Name] = d
	}
	return &Index{client: client, resourceName: resourceName, defs: byName}
}

// Definitions returns the declared partitions, sorted by name.
func (ix *Index) Definitions() []Definition {
	names := make([]string, 0, len(ix.defs))
	for name := range ix.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Definition, 0, len(names))
	for _, name := range names {
		out = append(out, ix.defs[name])
	}
	return out
}

func (ix *Index) basePrefix(partitionName string) string {
	return fmt.Sprintf("resource=%s/partitions/%s/", ix.resourceName, partitionName)
}

// pointerKey renders the deterministic, order-preserving key for one
// record's values under one partition.
func pointerKey(base string, def Definition, values map[string]any, recordID string) (string, error) {
	var b strings.Builder
	b.WriteString(base)
	for _, field := range def.Fields {
		v, ok := values[field]
		if !ok {
			return "", dberrors.New(dberrors.ValidationFailed, "partition_field_missing",
				fmt.Sprintf("partition %q requires field %q", base, field)).WithContext("field", field)
		}
		b.WriteString(field)
		b.WriteByte('=')
		b.WriteString(encodeSegment(v))
		b.WriteByte('/')
	}
	b.WriteString("id=")
	b.WriteString(recordID)
	return b.String(), nil
}

// encodeSegment renders a value as a single deterministic, URL-safe path
// segment. Numbers and booleans stringify directly; anything else is
// escaped so literal "/" in string values never fractures the key.
func encodeSegment(v any) string {
	switch t := v.(type) {
	case string:
		return url.PathEscape(t)
	case float64:
		return url.PathEscape(fmt.Sprintf("%v", t))
	case bool:
		return fmt.Sprintf("%v", t)
	default:
		return url.PathEscape(fmt.Sprintf("%v", t))
	}
}

// WritePointers writes (or overwrites) one pointer object per declared
// partition for recordID using values (the record's full attribute map).
// Partitions whose fields are not all present in values are silently
// skipped (the field is optional on the record but declared on the
// partition only once attributes are added).
func (ix *Index) WritePointers(ctx context.Context, recordID string, values map[string]any) error {
	for _, def := range ix.Definitions() {
		key, err := pointerKey(ix.basePrefix(def.Name), def, values, recordID)
		if err != nil {
			continue
		}
		if _, err := ix.client.PutObject(ctx, key, nil, nil, objectclient.PutOptions{}); err != nil {
			return err
		}
	}
	return nil
}

// DeletePointers deletes every partition's pointer object for recordID
// given values (the record's attribute map immediately before deletion).
func (ix *Index) DeletePointers(ctx context.Context, recordID string, values map[string]any) error {
	for _, def := range ix.Definitions() {
		key, err := pointerKey(ix.basePrefix(def.Name), def, values, recordID)
		if err != nil {
			continue
		}
		if err := ix.client.DeleteObject(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// RewritePointers deletes any stale pointer (computed from oldValues)
// whose key would differ from the pointer computed from newValues, then
// writes the current set. Partitions whose field values did not change
// are left untouched.
func (ix *Index) RewritePointers(ctx context.Context, recordID string, oldValues, newValues map[string]any) error {
	for _, def := range ix.Definitions() {
		oldKey, oldErr := pointerKey(ix.basePrefix(def.Name), def, oldValues, recordID)
		newKey, newErr := pointerKey(ix.basePrefix(def.Name), def, newValues, recordID)

		if newErr == nil {
			if _, err := ix.client.PutObject(ctx, newKey, nil, nil, objectclient.PutOptions{}); err != nil {
				return err
			}
		}
		if oldErr == nil && (newErr != nil || oldKey != newKey) {
			if err := ix.client.DeleteObject(ctx, oldKey); err != nil {
				return err
			}
		}
	}
	return nil
}

// Selector is an equality constraint per field; fields left unbound
// become a prefix listing over the remaining declared fields.
type Selector map[string]any

// List returns record IDs whose partition values match selector.
// Selector fields must be a prefix of the partition's declared field
// order (equality on each bound field); fields left unbound trail as a
// prefix listing.
func (ix *Index) List(ctx context.Context, partitionName string, selector Selector) ([]string, error) {
	def, ok := ix.defs[partitionName]
	if !ok {
		return nil, dberrors.NewUnknownPartition(ix.resourceName, partitionName)
	}

	var prefix strings.Builder
	prefix.WriteString(ix.basePrefix(partitionName))
	for _, field := range def.Fields {
		v, bound := selector[field]
		if !bound {
			break
		}
		prefix.WriteString(field)
		prefix.WriteByte('=')
		prefix.WriteString(encodeSegment(v))
		prefix.WriteByte('/')
	}

	var ids []string
	token := ""
	for {
		page, err := ix.client.ListObjects(ctx, prefix.String(), objectclient.ListOptions{ContinuationToken: token})
		if err != nil {
			return nil, err
		}
		for _, key := range page.Keys {
			if id, ok := recordIDFromKey(key); ok {
				ids = append(ids, id)
			}
		}
		if page.NextToken == "" {
			break
		}
		token = page.NextToken
	}
	return ids, nil
}

func recordIDFromKey(key string) (string, bool) {
	idx := strings.LastIndex(key, "id=")
	if idx < 0 {
		return "", false
	}
	return key[idx+len("id="):], true
}

// RecordSource reads back a record's current partition-field values by
// ID, used by Rebuild to reconcile pointers against primary objects.
type RecordSource func(ctx context.Context, recordID string) (values map[string]any, found bool, err error)

// Rebuild scans every pointer object currently on disk for every
// declared partition, deletes orphan pointers whose primary object no
// longer exists or whose key no longer matches the record's current
// values, and writes any pointer missing for a still-live record. It is
// the maintenance path and the target of lazy reconciliation when a
// reader observes a missing pointer.
func (ix *Index) Rebuild(ctx context.Context, allRecordIDs []string, source RecordSource) error {
	seen := make(map[string]map[string]bool, len(ix.defs)) // partition -> recordID -> pointer exists and is current

	for _, def := range ix.Definitions() {
		seen[def.Name] = make(map[string]bool)
		token := ""
		for {
			page, err := ix.client.ListObjects(ctx, ix.basePrefix(def.Name), objectclient.ListOptions{ContinuationToken: token})
			if err != nil {
				return err
			}
			for _, key := range page.Keys {
				id, ok := recordIDFromKey(key)
				if !ok {
					continue
				}
				values, found, err := source(ctx, id)
				if err != nil {
					return err
				}
				if !found {
					if err := ix.client.DeleteObject(ctx, key); err != nil {
						return err
					}
					continue
				}
				wantKey, err := pointerKey(ix.basePrefix(def.Name), def, values, id)
				if err != nil || wantKey != key {
					if delErr := ix.client.DeleteObject(ctx, key); delErr != nil {
						return delErr
					}
					continue
				}
				seen[def.Name][id] = true
			}
			if page.NextToken == "" {
				break
			}
			token = page.NextToken
		}
	}

	for _, id := range allRecordIDs {
		values, found, err := source(ctx, id)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		for _, def := range ix.Definitions() {
			if seen[def.Name][id] {
				continue
			}
			key, err := pointerKey(ix.basePrefix(def.Name), def, values, id)
			if err != nil {
				continue
			}
			if _, err := ix.client.PutObject(ctx, key, nil, nil, objectclient.PutOptions{}); err != nil {
				return err
			}
		}
	}
	return nil
}
