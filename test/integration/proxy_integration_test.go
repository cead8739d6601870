//go:build integration

// Package integration drives the full HTTP surface against a real
// S3-compatible store (MinIO, via testcontainers) instead of the fakes used
// by the package-level unit tests. It is excluded from the default `go test
// ./...` run because it requires a Docker daemon.
package integration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/AudereNow/s3cacheproxy/pkg/breaker"
	"github.com/AudereNow/s3cacheproxy/pkg/cache"
	"github.com/AudereNow/s3cacheproxy/pkg/objectstore"
	"github.com/AudereNow/s3cacheproxy/pkg/router"
	"github.com/AudereNow/s3cacheproxy/pkg/shutdown"
	"github.com/AudereNow/s3cacheproxy/pkg/spool"
	"github.com/AudereNow/s3cacheproxy/pkg/watchdog"
)

// minioHelper manages a MinIO container for the lifetime of a test, or
// connects to an externally supplied endpoint when MINIO_ENDPOINT is set.
type minioHelper struct {
	container testcontainers.Container
	endpoint  string
}

func newMinioHelper(t *testing.T) *minioHelper {
	t.Helper()
	ctx := context.Background()

	if endpoint := os.Getenv("MINIO_ENDPOINT"); endpoint != "" {
		return &minioHelper{endpoint: endpoint}
	}

	req := testcontainers.ContainerRequest{
		Image:        "minio/minio:latest",
		ExposedPorts: []string{"9000/tcp"},
		Env: map[string]string{
			"MINIO_ROOT_USER":     "minioadmin",
			"MINIO_ROOT_PASSWORD": "minioadmin",
		},
		Cmd: []string{"server", "/data"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("9000/tcp"),
			wait.ForHTTP("/minio/health/live").WithPort("9000/tcp").WithStartupTimeout(60 * time.Second),
		),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)

	return &minioHelper{
		container: container,
		endpoint:  fmt.Sprintf("http://%s:%s", host, port.Port()),
	}
}

func (h *minioHelper) cleanup() {
	if h.container != nil {
		_ = h.container.Terminate(context.Background())
	}
}

// newRouter wires a full Router against the MinIO endpoint, exactly as
// cmd/s3cacheproxy/commands/start.go does for a live process, minus config
// loading.
func newRouter(t *testing.T, h *minioHelper, bucket string, async bool) *router.Router {
	t.Helper()
	ctx := context.Background()

	createBucket(t, h, bucket)

	store, err := objectstore.New(ctx, objectstore.Options{
		Endpoint:        h.endpoint,
		Region:          "us-east-1",
		AccessKeyID:     "minioadmin",
		SecretAccessKey: "minioadmin",
		ForcePathStyle:  true,
	})
	require.NoError(t, err)

	c := cache.New(1<<20, 1<<20)
	sp := spool.New(t.TempDir(), 0, 0)
	br := breaker.New(breaker.Config{ErrorsBeforePausing: 3, PauseDuration: time.Minute})
	wd := watchdog.New(0, func() {})
	coord := shutdown.New(sp)

	return router.New(router.Config{
		Bucket:             bucket,
		AllowOffline:       true,
		AllowGccDepfiles:   true,
		AsyncUploadEnabled: async,
	}, c, sp, br, wd, store, coord, nil)
}

// createBucket talks to MinIO directly with the raw S3 SDK client since
// objectstore.Client has no CreateBucket in its narrow proxy-facing surface.
func createBucket(t *testing.T, h *minioHelper, bucket string) {
	t.Helper()
	ctx := context.Background()

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("minioadmin", "minioadmin", "")),
	)
	require.NoError(t, err)

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(h.endpoint)
		o.UsePathStyle = true
	})

	_, err = client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
	if err != nil {
		var exists *types.BucketAlreadyOwnedByYou
		var apiErr smithy.APIError
		if errors.As(err, &exists) {
			return
		}
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "BucketAlreadyOwnedByYou" {
			return
		}
		require.NoError(t, err)
	}
}

func TestPutThenGetRoundTripsThroughRealStore(t *testing.T) {
	h := newMinioHelper(t)
	defer h.cleanup()

	rt := newRouter(t, h, fmt.Sprintf("proxy-test-%d", os.Getpid()), false)

	putReq := httptest.NewRequest(http.MethodPut, "/artifacts/build.o", bytes.NewReader([]byte("object code")))
	putW := httptest.NewRecorder()
	rt.ServeHTTP(putW, putReq)
	require.Equal(t, http.StatusOK, putW.Code)

	require.Eventually(t, func() bool {
		getReq := httptest.NewRequest(http.MethodGet, "/artifacts/build.o", nil)
		getW := httptest.NewRecorder()
		rt.ServeHTTP(getW, getReq)
		return getW.Code == http.StatusOK && getW.Body.String() == "object code"
	}, 5*time.Second, 50*time.Millisecond, "PUT must eventually be visible through GET once the upload lands")
}

func TestDeleteRemovesFromRealStore(t *testing.T) {
	h := newMinioHelper(t)
	defer h.cleanup()

	rt := newRouter(t, h, fmt.Sprintf("proxy-test-del-%d", os.Getpid()), false)

	putReq := httptest.NewRequest(http.MethodPut, "/x", bytes.NewReader([]byte("v")))
	putW := httptest.NewRecorder()
	rt.ServeHTTP(putW, putReq)
	require.Equal(t, http.StatusOK, putW.Code)

	require.Eventually(t, func() bool {
		getReq := httptest.NewRequest(http.MethodGet, "/x", nil)
		getW := httptest.NewRecorder()
		rt.ServeHTTP(getW, getReq)
		return getW.Code == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	delReq := httptest.NewRequest(http.MethodDelete, "/x", nil)
	delW := httptest.NewRecorder()
	rt.ServeHTTP(delW, delReq)
	require.Equal(t, http.StatusOK, delW.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/x", nil)
	getW := httptest.NewRecorder()
	rt.ServeHTTP(getW, getReq)
	require.Equal(t, http.StatusNotFound, getW.Code)
}

// TestAsyncPutSurvivesRequestCancellation drives an async PUT the way a real
// net/http.Server does: the request's context is cancelled the instant the
// handler returns, well before a backgrounded upload has a chance to reach
// the store. If the upload function inherits that context instead of a
// detached one, the PUT to MinIO comes back as context.Canceled and the
// object never lands.
func TestAsyncPutSurvivesRequestCancellation(t *testing.T) {
	h := newMinioHelper(t)
	defer h.cleanup()

	rt := newRouter(t, h, fmt.Sprintf("proxy-test-async-%d", os.Getpid()), true)

	ctx, cancel := context.WithCancel(context.Background())
	putReq := httptest.NewRequest(http.MethodPut, "/artifacts/async.o", bytes.NewReader([]byte("object code"))).WithContext(ctx)
	putW := httptest.NewRecorder()
	rt.ServeHTTP(putW, putReq)
	require.Equal(t, http.StatusOK, putW.Code)

	// Mirror net/http: the request context is torn down as soon as the
	// handler returns control to the server, regardless of what that
	// handler kicked off in the background.
	cancel()

	require.Eventually(t, func() bool {
		getReq := httptest.NewRequest(http.MethodGet, "/artifacts/async.o", nil)
		getW := httptest.NewRecorder()
		rt.ServeHTTP(getW, getReq)
		return getW.Code == http.StatusOK && getW.Body.String() == "object code"
	}, 5*time.Second, 50*time.Millisecond, "async upload must complete against the real store even after its request context is cancelled")
}
