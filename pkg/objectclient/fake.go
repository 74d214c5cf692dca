package objectclient

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/s3db-go/s3db/pkg/cost"
	"github.com/s3db-go/s3db/pkg/dberrors"
)

type fakeObject struct {
	body         []byte
	metadata     map[string]string
	etag         string
	lastModified time.Time
}

// FakeClient is an in-memory backend with semantics identical to the S3
// backend, used by useFake and by every other package's test suite.
type FakeClient struct {
	mu         sync.RWMutex
	objects    map[string]*fakeObject
	prefix     string
	accountant *cost.Accountant
}

// NewFake creates an empty in-memory object store with no root prefix.
func NewFake(accountant *cost.Accountant) *FakeClient {
	return &FakeClient{
		objects:    make(map[string]*fakeObject),
		accountant: accountant,
	}
}

// NewFakeWithPrefix is NewFake scoped to a root prefix, mirroring
// NewS3Client's handling of ConnectionConfig.Prefix so useFake backends
// are root-scoped identically to a real bucket.
func NewFakeWithPrefix(accountant *cost.Accountant, prefix string) *FakeClient {
	c := NewFake(accountant)
	c.prefix = normalizePrefix(prefix)
	return c
}

func (f *FakeClient) withPrefix(key string) string { return f.prefix + key }

func (f *FakeClient) stripPrefix(key string) string {
	if f.prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, f.prefix)
}

func etagFor(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])[:32]
}

func (f *FakeClient) PutObject(ctx context.Context, key string, body []byte, metadata map[string]string, opts PutOptions) (PutResult, error) {
	if ctx.Err() != nil {
		return PutResult{}, dberrors.NewCancelled("PutObject")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	key = f.withPrefix(key)
	existing, exists := f.objects[key]
	if opts.IfMatch == IfMatchAbsent && exists {
		account(f.accountant, cost.CommandPut, int64(len(body)), 0)
		return PutResult{}, dberrors.NewAlreadyExists("object", key)
	}
	if opts.IfMatch != "" && opts.IfMatch != IfMatchAbsent {
		if !exists || existing.etag != opts.IfMatch {
			account(f.accountant, cost.CommandPut, int64(len(body)), 0)
			return PutResult{}, dberrors.New(dberrors.StoreRejected, "precondition_failed", "ifMatch precondition failed")
		}
	}

	normalized := make(map[string]string, len(metadata))
	for k, v := range metadata {
		normalized[strings.ToLower(strings.TrimSpace(k))] = v
	}

	obj := &fakeObject{
		body:         append([]byte(nil), body...),
		metadata:     normalized,
		etag:         etagFor(body),
		lastModified: time.Now(),
	}
	f.objects[key] = obj
	account(f.accountant, cost.CommandPut, int64(len(body)), 0)
	return PutResult{ETag: obj.etag}, nil
}

func (f *FakeClient) GetObject(ctx context.Context, key string) (GetResult, error) {
	if ctx.Err() != nil {
		return GetResult{}, dberrors.NewCancelled("GetObject")
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	key = f.withPrefix(key)
	obj, ok := f.objects[key]
	if !ok {
		account(f.accountant, cost.CommandGet, 0, 0)
		return GetResult{}, dberrors.NewNotFound("object", key)
	}
	account(f.accountant, cost.CommandGet, 0, int64(len(obj.body)))
	return GetResult{
		Body:         append([]byte(nil), obj.body...),
		Metadata:     cloneMetadata(obj.metadata),
		ETag:         obj.etag,
		LastModified: obj.lastModified,
	}, nil
}

func (f *FakeClient) HeadObject(ctx context.Context, key string) (HeadResult, error) {
	if ctx.Err() != nil {
		return HeadResult{}, dberrors.NewCancelled("HeadObject")
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	key = f.withPrefix(key)
	obj, ok := f.objects[key]
	if !ok {
		account(f.accountant, cost.CommandHead, 0, 0)
		return HeadResult{}, dberrors.NewNotFound("object", key)
	}
	account(f.accountant, cost.CommandHead, 0, 0)
	return HeadResult{
		Metadata:     cloneMetadata(obj.metadata),
		ETag:         obj.etag,
		LastModified: obj.lastModified,
		Size:         int64(len(obj.body)),
	}, nil
}

// DeleteObject is idempotent: deleting an absent key is success, per
// spec.md §4.1.
func (f *FakeClient) DeleteObject(ctx context.Context, key string) error {
	if ctx.Err() != nil {
		return dberrors.NewCancelled("DeleteObject")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, f.withPrefix(key))
	account(f.accountant, cost.CommandDelete, 0, 0)
	return nil
}

func (f *FakeClient) DeleteObjects(ctx context.Context, keys []string) ([]DeleteOutcome, error) {
	outcomes := make([]DeleteOutcome, 0, len(keys))
	for _, k := range keys {
		err := f.DeleteObject(ctx, k)
		outcomes = append(outcomes, DeleteOutcome{Key: k, Err: err})
	}
	return outcomes, nil
}

func (f *FakeClient) ListObjects(ctx context.Context, prefix string, opts ListOptions) (ListResult, error) {
	if ctx.Err() != nil {
		return ListResult{}, dberrors.NewCancelled("ListObjects")
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	fullPrefix := f.withPrefix(prefix)
	var matching []string
	for k := range f.objects {
		if strings.HasPrefix(k, fullPrefix) {
			matching = append(matching, k)
		}
	}
	sort.Strings(matching)
	account(f.accountant, cost.CommandList, 0, 0)

	start := 0
	if opts.ContinuationToken != "" {
		for i, k := range matching {
			if k > opts.ContinuationToken {
				start = i
				break
			}
			start = i + 1
		}
	}

	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 1000
	}

	end := start + pageSize
	if end > len(matching) {
		end = len(matching)
	}
	if start > len(matching) {
		start = len(matching)
	}

	page := matching[start:end]
	stripped := make([]string, len(page))
	for i, k := range page {
		stripped[i] = f.stripPrefix(k)
	}
	result := ListResult{Keys: stripped}
	if end < len(matching) {
		result.NextToken = page[len(page)-1]
	}
	return result, nil
}

func cloneMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
