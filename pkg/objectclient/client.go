// Package objectclient is the only component that talks to the object
// store (spec.md §4.1). It exposes a small, backend-agnostic interface
// implemented both by a real S3-compatible backend (s3.go, grounded on
// the teacher's services/anchor/internal/database/s3/client.go and
// data_ops.go) and by an in-memory fake with identical semantics
// (fake.go) used when the connection string sets useFake, and by every
// other package's test suite.
package objectclient

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/s3db-go/s3db/pkg/cost"
	"github.com/s3db-go/s3db/pkg/dberrors"
)

// PutOptions controls a PutObject call.
type PutOptions struct {
	IfMatch     string // etag precondition; "absent" means "only if the key does not yet exist"
	ContentType string
}

// IfMatchAbsent is the sentinel IfMatch value meaning "fail if the object
// already exists", used by Resource.Insert's default AlreadyExists mode.
const IfMatchAbsent = "absent"

// PutResult is returned by a successful PutObject.
type PutResult struct {
	ETag      string
	VersionID string
}

// GetResult is returned by a successful GetObject.
type GetResult struct {
	Body         []byte
	Metadata     map[string]string
	ETag         string
	LastModified time.Time
}

// HeadResult is returned by a successful HeadObject.
type HeadResult struct {
	Metadata     map[string]string
	ETag         string
	LastModified time.Time
	Size         int64
}

// ListOptions controls a single ListObjects page.
type ListOptions struct {
	ContinuationToken string
	PageSize          int
}

// ListResult is one page of a ListObjects call.
type ListResult struct {
	Keys      []string
	NextToken string
}

// DeleteOutcome is one key's result from a batched DeleteObjects call.
type DeleteOutcome struct {
	Key string
	Err error
}

// Client is the object-store operation surface every engine component
// depends on instead of a concrete backend.
type Client interface {
	PutObject(ctx context.Context, key string, body []byte, metadata map[string]string, opts PutOptions) (PutResult, error)
	GetObject(ctx context.Context, key string) (GetResult, error)
	HeadObject(ctx context.Context, key string) (HeadResult, error)
	DeleteObject(ctx context.Context, key string) error
	ListObjects(ctx context.Context, prefix string, opts ListOptions) (ListResult, error)
	DeleteObjects(ctx context.Context, keys []string) ([]DeleteOutcome, error)
}

// ConnectionConfig is the parsed form of a connection string, per
// spec.md §6.2: <scheme>://<key>:<secret>@<host>[:<port>]/<bucket>/<prefix>.
type ConnectionConfig struct {
	Scheme   string // s3, http, https
	Key      string
	Secret   string
	Host     string
	Port     int
	Bucket   string
	Prefix   string
	UseFake  bool
}

// ParseConnectionString parses the engine's connection string syntax.
func ParseConnectionString(raw string) (ConnectionConfig, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return ConnectionConfig{}, dberrors.Wrap(dberrors.ValidationFailed, "invalid_connection_string", "could not parse connection string", err)
	}

	switch u.Scheme {
	case "s3", "http", "https":
	default:
		return ConnectionConfig{}, dberrors.New(dberrors.ValidationFailed, "invalid_scheme", fmt.Sprintf("unsupported scheme %q: expected s3, http, or https", u.Scheme))
	}

	cfg := ConnectionConfig{Scheme: u.Scheme, Host: u.Hostname()}
	if u.User != nil {
		cfg.Key = u.User.Username()
		cfg.Secret, _ = u.User.Password()
	}
	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return ConnectionConfig{}, dberrors.New(dberrors.ValidationFailed, "invalid_port", fmt.Sprintf("invalid port %q", portStr))
		}
		cfg.Port = p
	}

	segments := strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 2)
	if len(segments) == 0 || segments[0] == "" {
		return ConnectionConfig{}, dberrors.New(dberrors.ValidationFailed, "missing_bucket", "connection string path must include a bucket")
	}
	cfg.Bucket = segments[0]
	if len(segments) == 2 {
		cfg.Prefix = segments[1]
	}

	if u.Query().Get("useFake") == "true" {
		cfg.UseFake = true
	}

	return cfg, nil
}

// RetryPolicy governs retries on idempotent operations (GET/HEAD/
// DELETE/LIST per spec.md §4.1). PUT is retried only when the caller
// marks it safe via PutOptions.IfMatch == IfMatchAbsent or an empty
// IfMatch (no ifMatch means a plain overwrite, itself idempotent).
type RetryPolicy struct {
	MaxAttempts     int
	BackoffCapMillis int
}

// DefaultRetryPolicy matches pkg/config's objectclient.retry_* defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BackoffCapMillis: 2000}
}

// withRetry runs op up to policy.MaxAttempts times with exponential
// backoff and jitter, retrying only when shouldRetry(err) is true.
func withRetry(ctx context.Context, policy RetryPolicy, shouldRetry func(error) bool, op func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return dberrors.NewCancelled("objectclient")
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !shouldRetry(lastErr) {
			return lastErr
		}
		if attempt == policy.MaxAttempts-1 {
			break
		}
		backoff := time.Duration(1<<uint(attempt)) * 50 * time.Millisecond
		cap := time.Duration(policy.BackoffCapMillis) * time.Millisecond
		if backoff > cap {
			backoff = cap
		}
		jitter := time.Duration(rand.Int63n(int64(backoff) + 1))
		select {
		case <-time.After(jitter):
		case <-ctx.Done():
			return dberrors.NewCancelled("objectclient")
		}
	}
	return dberrors.NewStoreUnavailable("", lastErr)
}

// Connect builds the Client for cfg: a real S3Client, or a FakeClient
// when cfg.UseFake is set (the useFake query flag from spec.md §6.2),
// scoped to the same root prefix either way.
func Connect(ctx context.Context, cfg ConnectionConfig, accountant *cost.Accountant) (Client, error) {
	if cfg.UseFake {
		return NewFakeWithPrefix(accountant, cfg.Prefix), nil
	}
	return NewS3Client(ctx, cfg, accountant)
}

// accountPut records a completed PUT with the CostAccountant.
func account(accountant *cost.Accountant, cmd cost.Command, requestBytes, responseBytes int64) {
	if accountant == nil {
		return
	}
	accountant.Record(cmd, requestBytes, responseBytes)
}
