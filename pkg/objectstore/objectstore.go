// Package objectstore wraps an S3-compatible object store client with the
// narrow surface the proxy needs: GetObject, HeadObject, PutObject, and
// DeleteObject, plus error classification so the router can tell a missing
// key apart from a transient failure apart from an expired credential.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// Client is the subset of S3 operations the proxy depends on. A real
// *s3.Client satisfies it via S3Client; tests substitute a fake.
type Client interface {
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error)
	HeadObject(ctx context.Context, bucket, key string) error
	PutObject(ctx context.Context, bucket, key string, body io.Reader, size int64) error
	DeleteObject(ctx context.Context, bucket, key string) error
}

// S3Client adapts the AWS SDK v2 S3 client to the Client interface.
type S3Client struct {
	api *s3.Client
}

// Options configures construction of the underlying S3 client.
type Options struct {
	// Endpoint overrides the default AWS endpoint resolution, for
	// S3-compatible stores (MinIO, localstack, etc).
	Endpoint string
	Region   string

	// Static credentials; when both are empty the default AWS credential
	// chain (env vars, shared config, instance role) is used instead.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// ForcePathStyle is required by most non-AWS S3-compatible stores.
	ForcePathStyle bool
}

// New builds an S3Client from Options, verifying nothing about connectivity
// up front; the proxy discovers a dead store lazily, on the first request,
// and reports it through the circuit breaker like any other remote error.
func New(ctx context.Context, opts Options) (*S3Client, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" || opts.SecretAccessKey != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, opts.SessionToken),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("objectstore: load aws config: %w", err)
	}

	api := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.ForcePathStyle
	})

	return &S3Client{api: api}, nil
}

// GetObject downloads key from bucket. The caller must close the returned
// reader. The returned size is the declared Content-Length, or -1 if unknown.
func (c *S3Client) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, 0, err
	}
	size := int64(-1)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return out.Body, size, nil
}

// HeadObject checks for key's existence in bucket without downloading it.
func (c *S3Client) HeadObject(ctx context.Context, bucket, key string) error {
	_, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	return err
}

// PutObject uploads body as key in bucket, granting the bucket owner full
// control over the object (builds may run under credentials scoped to a
// project-specific account that differs from the bucket owner's).
func (c *S3Client) PutObject(ctx context.Context, bucket, key string, body io.Reader, size int64) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   body,
		ACL:    types.ObjectCannedACLBucketOwnerFullControl,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	_, err := c.api.PutObject(ctx, input)
	return err
}

// DeleteObject removes key from bucket. Deleting a missing key is not an
// error as far as S3 is concerned.
func (c *S3Client) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	return err
}

// ============================================================================
// Error classification
// ============================================================================

// credentialExpiryCodes are the vendor error codes that mean "the caller's
// credentials are no longer valid" rather than "the request itself failed".
// These are never retried and never counted against the circuit breaker:
// the remedy is a credential reload, not a retry.
var credentialExpiryCodes = map[string]bool{
	"ExpiredToken":          true,
	"ExpiredTokenException": true,
	"RequestExpired":        true,
	"InvalidAccessKeyId":    true,
	"InvalidClientTokenId":  true,
	"SignatureDoesNotMatch": true,
	"AccessDenied":          false, // ambiguous: could be a real permission error, not treated as credential expiry
}

// IsCredentialExpiry reports whether err indicates the configured
// credentials have expired or been rejected outright.
func IsCredentialExpiry(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if expired, known := credentialExpiryCodes[apiErr.ErrorCode()]; known {
			return expired
		}
	}
	return false
}

// IsNotFound reports whether err indicates the requested key does not exist.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}

	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404":
			return true
		}
	}

	// HeadObject on a missing key surfaces as a bare HTTP 404 with no
	// structured body, so the typed checks above don't always catch it.
	return strings.Contains(err.Error(), "StatusCode: 404") ||
		strings.Contains(err.Error(), "status code: 404")
}

// IsRetryable reports whether err is a transient condition the proxy should
// treat as "offline" rather than a permanent failure: network errors,
// throttling, and 5xx-class service errors.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "Throttling", "ThrottlingException", "RequestThrottled", "SlowDown",
			"ProvisionedThroughputExceededException", "RequestTimeout":
			return true
		case "InternalError", "ServiceUnavailable", "ServiceException", "InternalServiceException":
			return true
		case "NoSuchKey", "NotFound", "AccessDenied", "Forbidden", "InvalidRange", "InvalidRequest":
			return false
		}
	}

	msg := err.Error()
	for _, pattern := range []string{"connection reset", "connection refused", "i/o timeout", "temporary failure", "EOF", "503", "500"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// StatusCodeFor picks an HTTP status to report to the client for a remote
// error that is neither NotFound nor CredentialExpiry: the remote's own
// status when the SDK surfaces one, otherwise 404 per the proxy's bias
// toward "act as a cache miss" over "fail the build".
func StatusCodeFor(err error) int {
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode()
	}
	return 404
}
