// Package router implements the proxy's HTTP state machine: it dispatches
// by method, orchestrates the in-memory cache, the circuit breaker, the
// upload spooler, the depfile filter and the idle watchdog, and enforces
// the response/error policy that keeps a degraded remote store from failing
// the build.
package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/AudereNow/s3cacheproxy/internal/logger"
	"github.com/AudereNow/s3cacheproxy/pkg/breaker"
	"github.com/AudereNow/s3cacheproxy/pkg/cache"
	"github.com/AudereNow/s3cacheproxy/pkg/depfilter"
	"github.com/AudereNow/s3cacheproxy/pkg/metrics"
	"github.com/AudereNow/s3cacheproxy/pkg/objectstore"
	"github.com/AudereNow/s3cacheproxy/pkg/shutdown"
	"github.com/AudereNow/s3cacheproxy/pkg/spool"
	"github.com/AudereNow/s3cacheproxy/pkg/watchdog"
)

// Config carries the per-process settings the router needs that don't
// belong to any single subsystem.
type Config struct {
	Bucket             string
	S3Prefix           string
	AllowOffline       bool
	AllowGccDepfiles   bool
	AsyncUploadEnabled bool
	SocketTimeout      time.Duration
}

// Router wires the request-handling engine together and exposes it as an
// http.Handler.
type Router struct {
	cfg      Config
	cache    *cache.Cache
	spooler  *spool.Spooler
	breaker  *breaker.Breaker
	watchdog *watchdog.Watchdog
	store    objectstore.Client
	coord    *shutdown.Coordinator
	counters *metrics.RequestCounters

	// fetches collapses concurrent cache-miss GETs for the same key into a
	// single remote round trip; a build fanning N parallel jobs out at an
	// identical miss shouldn't cost N identical S3 reads.
	fetches singleflight.Group

	mux *chi.Mux
}

// New builds a Router. counters may be nil to disable request-level metrics.
func New(
	cfg Config,
	c *cache.Cache,
	sp *spool.Spooler,
	br *breaker.Breaker,
	wd *watchdog.Watchdog,
	store objectstore.Client,
	coord *shutdown.Coordinator,
	counters *metrics.RequestCounters,
) *Router {
	rt := &Router{
		cfg:      cfg,
		cache:    c,
		spooler:  sp,
		breaker:  br,
		watchdog: wd,
		store:    store,
		coord:    coord,
		counters: counters,
	}
	rt.mux = rt.newMux()
	return rt
}

// ServeHTTP implements http.Handler.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.mux.ServeHTTP(w, r)
}

// Handle registers an additional handler, such as a metrics endpoint,
// alongside the key-addressed cache routes. It must be called before the
// server starts accepting connections.
func (rt *Router) Handle(pattern string, h http.Handler) {
	rt.mux.Handle(pattern, h)
}

func (rt *Router) newMux() *chi.Mux {
	m := chi.NewRouter()
	m.Use(middleware.RequestID)
	m.Use(middleware.RealIP)
	m.Use(rt.preamble)
	m.Use(middleware.Recoverer)

	m.Get("/ping", rt.handlePing)
	m.Get("/shutdown", rt.handleShutdown)

	m.Get("/*", rt.handleGet)
	m.Head("/*", rt.handleHead)
	m.Put("/*", rt.handlePut)
	m.Delete("/*", rt.handleDelete)
	m.NotFound(rt.handleMethodNotAllowed)
	m.MethodNotAllowed(rt.handleMethodNotAllowed)

	return m
}

// preamble rearms the idle watchdog, stamps a request-scoped log context,
// and enforces the per-request socket timeout.
func (rt *Router) preamble(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rt.watchdog.Touch()

		requestID := middleware.GetReqID(r.Context())
		if requestID == "" {
			requestID = uuid.NewString()
		}
		lc := logger.NewLogContext(requestID, r.Method, requestKey(r), r.RemoteAddr)
		ctx := logger.WithContext(r.Context(), lc)

		if rt.cfg.SocketTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, rt.cfg.SocketTimeout)
			defer cancel()
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestKey strips the leading slash from the request path to form the
// opaque object key the remote store understands.
func requestKey(r *http.Request) string {
	return strings.TrimPrefix(r.URL.Path, "/")
}

func (rt *Router) remoteKey(key string) string {
	return rt.cfg.S3Prefix + key
}

func (rt *Router) handlePing(w http.ResponseWriter, r *http.Request) {
	rt.writeAndLog(w, r, http.StatusOK, []byte("pong"), logResult{})
}

func (rt *Router) handleShutdown(w http.ResponseWriter, r *http.Request) {
	rt.writeAndLog(w, r, http.StatusOK, []byte("shutting down"), logResult{})
	// The coordinator's exit happens after the response has been flushed
	// to the client; ResponseWriter has already had Write called above,
	// but net/http only guarantees delivery once the handler returns, so
	// the exit is deferred to a goroutine that yields first.
	go func() {
		time.Sleep(10 * time.Millisecond)
		rt.coord.Shutdown("shutdown endpoint", 0)
	}()
}

func (rt *Router) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	rt.writeAndLog(w, r, http.StatusMethodNotAllowed, nil, logResult{})
}

// ============================================================================
// GET
// ============================================================================

func (rt *Router) handleGet(w http.ResponseWriter, r *http.Request) {
	key := requestKey(r)
	ctx := r.Context()

	if data, ok := rt.cache.Get(key); ok {
		rt.writeAndLog(w, r, http.StatusOK, data, logResult{fromCache: true})
		return
	}

	if rt.breaker.IsOpen() {
		rt.writeAndLog(w, r, http.StatusNotFound, nil, logResult{awsPaused: true})
		return
	}

	remoteStart := time.Now()
	res, err, shared := rt.fetches.Do(key, func() (any, error) {
		return rt.fetchRemote(ctx, key)
	})
	remoteMs := logger.Duration(remoteStart)

	if err != nil {
		if objectstore.IsNotFound(err) {
			rt.writeAndLog(w, r, http.StatusNotFound, nil, logResult{remoteMs: remoteMs})
			return
		}
		if errors.Is(err, errLocalIO) {
			rt.writeAndLog(w, r, http.StatusOK, nil, logResult{remoteMs: remoteMs})
			return
		}
		rt.handleRemoteError(w, r, err, remoteMs, true, true)
		return
	}

	fr := res.(fetchResult)
	if fr.blockedDepfile {
		rt.writeAndLog(w, r, http.StatusNotFound, nil, logResult{remoteMs: remoteMs, blockedDepfile: true})
		return
	}
	if shared {
		logger.DebugCtx(ctx, "coalesced concurrent miss onto in-flight fetch", logger.Key(key))
	}

	rt.cache.MaybeAdd(key, fr.data)
	rt.writeAndLog(w, r, http.StatusOK, fr.data, logResult{remoteMs: remoteMs})
}

// errLocalIO marks a failure reading an otherwise-successful remote
// response; it is never shown to the breaker and never treated as a remote
// error, per the local-I/O-error policy.
var errLocalIO = errors.New("local I/O error")

// fetchResult is the value singleflight hands to every waiter sharing a
// coalesced fetch.
type fetchResult struct {
	data           []byte
	blockedDepfile bool
}

// fetchRemote performs the actual remote read and classification exactly
// once per singleflight.Do call, regardless of how many concurrent GETs are
// waiting on it; breaker and depfilter outcomes are reported here so they
// are counted once per real round trip, not once per waiter.
func (rt *Router) fetchRemote(ctx context.Context, key string) (fetchResult, error) {
	body, _, err := rt.store.GetObject(ctx, rt.cfg.Bucket, rt.remoteKey(key))
	if err != nil {
		if objectstore.IsNotFound(err) {
			rt.breaker.OnSuccess()
		} else if !objectstore.IsCredentialExpiry(err) {
			rt.breaker.OnError()
		}
		return fetchResult{}, err
	}
	defer body.Close()

	data, readErr := io.ReadAll(body)
	if readErr != nil {
		logger.ErrorCtx(ctx, "local I/O error reading remote body", logger.Err(readErr))
		return fetchResult{}, fmt.Errorf("%w: %v", errLocalIO, readErr)
	}

	if !rt.cfg.AllowGccDepfiles && depfilter.IsBlockedDepfile(data) {
		rt.breaker.OnSuccess()
		return fetchResult{blockedDepfile: true}, nil
	}

	rt.breaker.OnSuccess()
	return fetchResult{data: data}, nil
}

// ============================================================================
// HEAD
// ============================================================================

func (rt *Router) handleHead(w http.ResponseWriter, r *http.Request) {
	key := requestKey(r)
	ctx := r.Context()

	if rt.cache.Contains(key) {
		rt.writeAndLog(w, r, http.StatusOK, nil, logResult{fromCache: true})
		return
	}

	if rt.breaker.IsOpen() {
		rt.writeAndLog(w, r, http.StatusNotFound, nil, logResult{awsPaused: true})
		return
	}

	remoteStart := time.Now()
	err := rt.store.HeadObject(ctx, rt.cfg.Bucket, rt.remoteKey(key))
	remoteMs := logger.Duration(remoteStart)

	if err != nil {
		if objectstore.IsNotFound(err) {
			rt.breaker.OnSuccess()
			rt.writeAndLog(w, r, http.StatusNotFound, nil, logResult{remoteMs: remoteMs})
			return
		}
		rt.handleRemoteError(w, r, err, remoteMs, true, false)
		return
	}

	rt.breaker.OnSuccess()
	rt.writeAndLog(w, r, http.StatusOK, nil, logResult{remoteMs: remoteMs})
}

// ============================================================================
// PUT
// ============================================================================

func (rt *Router) handlePut(w http.ResponseWriter, r *http.Request) {
	key := requestKey(r)
	ctx := r.Context()

	if key == "" {
		rt.writeAndLog(w, r, http.StatusForbidden, nil, logResult{})
		return
	}

	stageResult, size, err := rt.spooler.Stage(key, r.Body)
	if err != nil {
		logger.ErrorCtx(ctx, "local I/O error staging upload", logger.Key(key), logger.Err(err))
		rt.writeAndLog(w, r, http.StatusOK, nil, logResult{})
		return
	}
	if stageResult == spool.StageDuplicate {
		rt.writeAndLog(w, r, http.StatusOK, nil, logResult{})
		return
	}

	if rt.breaker.IsOpen() {
		rt.spooler.AdmitAndUpload(ctx, key, size, false, func(context.Context, string, string, int64) error { return nil })
		rt.writeAndLog(w, r, http.StatusOK, nil, logResult{awsPaused: true})
		return
	}

	admitResult, done := rt.spooler.AdmitAndUpload(ctx, key, size, rt.cfg.AsyncUploadEnabled, rt.uploadFunc(key))
	switch admitResult {
	case spool.AdmitTooLarge:
		logger.InfoCtx(ctx, "exceeds max entry size", logger.Key(key))
		rt.writeAndLog(w, r, http.StatusOK, nil, logResult{})
		return
	case spool.AdmitBudgetExceeded:
		logger.InfoCtx(ctx, "too many pending uploads", logger.Key(key))
		rt.writeAndLog(w, r, http.StatusOK, nil, logResult{})
		return
	}

	if rt.cfg.AsyncUploadEnabled {
		rt.writeAndLog(w, r, http.StatusOK, nil, logResult{})
		return
	}

	uploadErr := <-done
	if uploadErr == nil {
		rt.writeAndLog(w, r, http.StatusOK, nil, logResult{})
		return
	}
	rt.handleRemoteError(w, r, uploadErr, 0, false, true)
}

// uploadFunc returns the function the spooler invokes to actually transfer
// the staged file, reporting its outcome to the breaker exactly once. After
// a successful upload the staged bytes are offered to the in-memory cache.
func (rt *Router) uploadFunc(key string) spool.UploadFunc {
	return func(ctx context.Context, key, path string, size int64) error {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		err = rt.store.PutObject(ctx, rt.cfg.Bucket, rt.remoteKey(key), f, size)
		if err != nil {
			if !objectstore.IsCredentialExpiry(err) {
				rt.breaker.OnError()
			}
			return err
		}
		rt.breaker.OnSuccess()
		if data, readErr := os.ReadFile(path); readErr == nil {
			rt.cache.MaybeAdd(key, data)
		}
		return nil
	}
}

// ============================================================================
// DELETE
// ============================================================================

func (rt *Router) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := requestKey(r)
	ctx := r.Context()

	rt.cache.Delete(key)

	remoteStart := time.Now()
	err := rt.store.DeleteObject(ctx, rt.cfg.Bucket, rt.remoteKey(key))
	remoteMs := logger.Duration(remoteStart)

	if err != nil {
		rt.handleRemoteError(w, r, err, remoteMs, true, false)
		return
	}

	rt.breaker.OnSuccess()
	rt.writeAndLog(w, r, http.StatusOK, nil, logResult{remoteMs: remoteMs})
}

// ============================================================================
// Shared error policy (spec §7)
// ============================================================================

// handleRemoteError classifies err and responds per the error policy: a
// credential expiry is always fatal; a retryable/offline error is
// downgraded when allowOffline is set; anything else counts toward the
// breaker and falls back to a 404.
//
// softStatusNotFound selects the soft-status code for a downgraded
// retryable/offline error: true yields 404 (GET, HEAD, and, per the
// operation-specific DELETE contract, DELETE), false yields 200 (PUT,
// where the client must be told the write "succeeded" to keep the build
// moving).
//
// breakerReported is true when the caller's remote call already reported
// err to the breaker (the coalesced GET fetch and the PUT upload function),
// so it is not counted a second time here.
func (rt *Router) handleRemoteError(w http.ResponseWriter, r *http.Request, err error, remoteMs float64, softStatusNotFound, breakerReported bool) {
	ctx := r.Context()

	if objectstore.IsCredentialExpiry(err) {
		logger.ErrorCtx(ctx, "credential expiry", logger.Err(err))
		rt.writeAndLog(w, r, http.StatusInternalServerError, nil, logResult{remoteMs: remoteMs})
		rt.coord.Fatal("credential expiry", err)
		return
	}

	if !breakerReported {
		rt.breaker.OnError()
	}

	if objectstore.IsRetryable(err) && rt.cfg.AllowOffline {
		status := http.StatusNotFound
		if !softStatusNotFound {
			status = http.StatusOK
		}
		logger.WarnCtx(ctx, "remote store unreachable, degrading", logger.Err(err))
		rt.writeAndLog(w, r, status, nil, logResult{remoteMs: remoteMs})
		return
	}

	status := objectstore.StatusCodeFor(err)
	logger.ErrorCtx(ctx, "remote store error", logger.Err(err))
	rt.writeAndLog(w, r, status, nil, logResult{remoteMs: remoteMs})
}

// ============================================================================
// Response + logging
// ============================================================================

type logResult struct {
	fromCache      bool
	awsPaused      bool
	blockedDepfile bool
	remoteMs       float64
}

func (rt *Router) writeAndLog(w http.ResponseWriter, r *http.Request, status int, body []byte, lr logResult) {
	lc := logger.FromContext(r.Context())

	w.WriteHeader(status)
	if len(body) > 0 && r.Method != http.MethodHead {
		if _, err := w.Write(body); err != nil {
			logger.WarnCtx(r.Context(), "client closed connection before write completed", logger.Err(err))
		}
	}

	fields := []any{
		logger.Method(r.Method),
		logger.URL(r.URL.Path),
		logger.Status(status),
		logger.ResponseLength(len(body)),
		logger.ElapsedMs(lc.ElapsedMs()),
	}
	if lr.remoteMs > 0 {
		fields = append(fields, logger.RemoteMs(lr.remoteMs))
	}
	if lr.fromCache {
		fields = append(fields, logger.FromCache(true))
	}
	if lr.awsPaused {
		fields = append(fields, logger.AWSPaused(true))
	}
	if lr.blockedDepfile {
		fields = append(fields, logger.BlockedGccDepfile(true))
	}
	logger.InfoCtx(r.Context(), "request complete", fields...)

	if rt.counters != nil {
		rt.counters.Observe(r.Method, status, lr.fromCache, lr.blockedDepfile)
	}

	if status == http.StatusInternalServerError {
		logger.ErrorCtx(r.Context(), "unrecoverable error, shutting down")
	}
}

