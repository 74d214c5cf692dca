package objectclient

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/s3db-go/s3db/pkg/cost"
	"github.com/s3db-go/s3db/pkg/dberrors"
)

// S3Client wraps an AWS SDK v2 S3 client scoped to one bucket, grounded
// directly on services/anchor/internal/database/s3/client.go (connection
// setup, custom endpoint/path-style support for MinIO-compatible
// backends) and data_ops.go (per-key put/get/delete, bulk delete, and
// paginated listing).
type S3Client struct {
	client     *s3.Client
	bucket     string
	prefix     string
	retry      RetryPolicy
	accountant *cost.Accountant
}

// NewS3Client builds an S3Client from a parsed connection string. host
// (and optional port) become a custom endpoint when non-empty, enabling
// MinIO/localstack-compatible backends exactly as the teacher's adapter
// does; an empty host falls back to the default AWS endpoint resolution
// and credential chain.
func NewS3Client(ctx context.Context, cfg ConnectionConfig, accountant *cost.Accountant) (*S3Client, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	if cfg.Key != "" && cfg.Secret != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.Key, cfg.Secret, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, dberrors.Wrap(dberrors.StoreUnavailable, "aws_config_load_failed", "failed to load AWS configuration", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Host != "" {
			endpoint := cfg.Scheme + "://" + cfg.Host
			if cfg.Port != 0 {
				endpoint += ":" + itoa(cfg.Port)
			}
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Client{
		client:     client,
		bucket:     cfg.Bucket,
		prefix:     normalizePrefix(cfg.Prefix),
		retry:      DefaultRetryPolicy(),
		accountant: accountant,
	}, nil
}

// normalizePrefix trims any leading/trailing slash and, for a non-empty
// prefix, appends exactly one trailing slash so every key built under it
// reads as "<prefix>/<rest>" per spec.md §3's key layout.
func normalizePrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

func (c *S3Client) withPrefix(key string) string { return c.prefix + key }

func (c *S3Client) stripPrefix(key string) string {
	if c.prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, c.prefix)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (c *S3Client) PutObject(ctx context.Context, key string, body []byte, metadata map[string]string, opts PutOptions) (PutResult, error) {
	normalized := make(map[string]string, len(metadata))
	for k, v := range metadata {
		normalized[strings.ToLower(strings.TrimSpace(k))] = v
	}

	input := &s3.PutObjectInput{
		Bucket:   aws.String(c.bucket),
		Key:      aws.String(c.withPrefix(key)),
		Body:     bytes.NewReader(body),
		Metadata: normalized,
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if opts.IfMatch == IfMatchAbsent {
		input.IfNoneMatch = aws.String("*")
	} else if opts.IfMatch != "" {
		input.IfMatch = aws.String(opts.IfMatch)
	}

	retryable := opts.IfMatch == "" || opts.IfMatch == IfMatchAbsent

	var result PutResult
	err := withRetry(ctx, retryableOrSingleAttempt(c.retry, retryable), isRetryableS3Error, func(ctx context.Context) error {
		out, err := c.client.PutObject(ctx, input)
		if err != nil {
			return classifyS3Error(err)
		}
		result = PutResult{ETag: aws.ToString(out.ETag), VersionID: aws.ToString(out.VersionId)}
		return nil
	})
	account(c.accountant, cost.CommandPut, int64(len(body)), 0)
	return result, err
}

func (c *S3Client) GetObject(ctx context.Context, key string) (GetResult, error) {
	var result GetResult
	err := withRetry(ctx, c.retry, isRetryableS3Error, func(ctx context.Context) error {
		out, err := c.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(c.bucket), Key: aws.String(c.withPrefix(key))})
		if err != nil {
			return classifyS3Error(err)
		}
		defer out.Body.Close()
		body, readErr := io.ReadAll(out.Body)
		if readErr != nil {
			return dberrors.Wrap(dberrors.StoreUnavailable, "read_body_failed", "failed to read object body", readErr)
		}
		result = GetResult{
			Body:     body,
			Metadata: out.Metadata,
			ETag:     aws.ToString(out.ETag),
		}
		if out.LastModified != nil {
			result.LastModified = *out.LastModified
		}
		return nil
	})
	var bodyLen int64
	if err == nil {
		bodyLen = int64(len(result.Body))
	}
	account(c.accountant, cost.CommandGet, 0, bodyLen)
	return result, err
}

func (c *S3Client) HeadObject(ctx context.Context, key string) (HeadResult, error) {
	var result HeadResult
	err := withRetry(ctx, c.retry, isRetryableS3Error, func(ctx context.Context) error {
		out, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(c.bucket), Key: aws.String(c.withPrefix(key))})
		if err != nil {
			return classifyS3Error(err)
		}
		result = HeadResult{
			Metadata: out.Metadata,
			ETag:     aws.ToString(out.ETag),
			Size:     aws.ToInt64(out.ContentLength),
		}
		if out.LastModified != nil {
			result.LastModified = *out.LastModified
		}
		return nil
	})
	account(c.accountant, cost.CommandHead, 0, 0)
	return result, err
}

// DeleteObject is idempotent: a 404 from S3 is treated as success, per
// spec.md §4.1.
func (c *S3Client) DeleteObject(ctx context.Context, key string) error {
	err := withRetry(ctx, c.retry, isRetryableS3Error, func(ctx context.Context) error {
		_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(c.bucket), Key: aws.String(c.withPrefix(key))})
		if err != nil {
			classified := classifyS3Error(err)
			if dberrors.Is(classified, dberrors.NotFound) {
				return nil
			}
			return classified
		}
		return nil
	})
	account(c.accountant, cost.CommandDelete, 0, 0)
	return err
}

func (c *S3Client) DeleteObjects(ctx context.Context, keys []string) ([]DeleteOutcome, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	objs := make([]types.ObjectIdentifier, len(keys))
	for i, k := range keys {
		objs[i] = types.ObjectIdentifier{Key: aws.String(c.withPrefix(k))}
	}

	out, err := c.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(c.bucket),
		Delete: &types.Delete{Objects: objs},
	})
	account(c.accountant, cost.CommandDelete, 0, 0)
	if err != nil {
		return nil, classifyS3Error(err)
	}

	failed := make(map[string]error, len(out.Errors))
	for _, e := range out.Errors {
		failed[aws.ToString(e.Key)] = dberrors.New(dberrors.StoreRejected, "delete_object_failed", aws.ToString(e.Message))
	}
	outcomes := make([]DeleteOutcome, len(keys))
	for i, k := range keys {
		outcomes[i] = DeleteOutcome{Key: k, Err: failed[k]}
	}
	return outcomes, nil
}

func (c *S3Client) ListObjects(ctx context.Context, prefix string, opts ListOptions) (ListResult, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(c.withPrefix(prefix)),
	}
	if opts.PageSize > 0 {
		input.MaxKeys = aws.Int32(int32(opts.PageSize))
	}
	if opts.ContinuationToken != "" {
		input.ContinuationToken = aws.String(opts.ContinuationToken)
	}

	var result ListResult
	err := withRetry(ctx, c.retry, isRetryableS3Error, func(ctx context.Context) error {
		out, err := c.client.ListObjectsV2(ctx, input)
		if err != nil {
			return classifyS3Error(err)
		}
		keys := make([]string, 0, len(out.Contents))
		for _, obj := range out.Contents {
			keys = append(keys, c.stripPrefix(aws.ToString(obj.Key)))
		}
		result = ListResult{Keys: keys}
		if aws.ToBool(out.IsTruncated) {
			result.NextToken = aws.ToString(out.NextContinuationToken)
		}
		return nil
	})
	account(c.accountant, cost.CommandList, 0, 0)
	return result, err
}

// retryableOrSingleAttempt collapses a policy to a single attempt when
// retryable is false, matching spec.md §4.1's "PUT is retried only when
// the caller marks it safe" rule.
func retryableOrSingleAttempt(policy RetryPolicy, retryable bool) RetryPolicy {
	if retryable {
		return policy
	}
	return RetryPolicy{MaxAttempts: 1, BackoffCapMillis: policy.BackoffCapMillis}
}

// classifyS3Error maps an AWS SDK error into the engine's error
// taxonomy: 404-shaped errors become NotFound, other 4xx become
// StoreRejected, everything else (network/5xx/retry-exhausted) becomes
// StoreUnavailable, per spec.md §4.1's failure semantics.
func classifyS3Error(err error) error {
	if err == nil {
		return nil
	}

	var notFound *types.NoSuchKey
	if errors.As(err, &notFound) {
		return dberrors.New(dberrors.NotFound, "object_not_found", "object not found")
	}
	var noBucket *types.NoSuchBucket
	if errors.As(err, &noBucket) {
		return dberrors.New(dberrors.NotFound, "bucket_not_found", "bucket not found")
	}

	var httpErr *smithyhttp.ResponseError
	if errors.As(err, &httpErr) {
		status := httpErr.HTTPStatusCode()
		switch {
		case status == 404:
			return dberrors.New(dberrors.NotFound, "object_not_found", "object not found")
		case status == 412:
			return dberrors.New(dberrors.StoreRejected, "precondition_failed", "ifMatch precondition failed")
		case status >= 400 && status < 500:
			return dberrors.Wrap(dberrors.StoreRejected, "store_rejected", "object store rejected the request", err)
		}
	}

	return dberrors.Wrap(dberrors.StoreUnavailable, "store_unavailable", "object store request failed", err)
}

func isRetryableS3Error(err error) bool {
	kind, ok := dberrors.KindOf(err)
	if !ok {
		return true
	}
	return kind == dberrors.StoreUnavailable || kind == dberrors.Cancelled
}
