package commands

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/AudereNow/s3cacheproxy/internal/config"
	"github.com/AudereNow/s3cacheproxy/internal/logger"
	"github.com/AudereNow/s3cacheproxy/pkg/breaker"
	"github.com/AudereNow/s3cacheproxy/pkg/cache"
	"github.com/AudereNow/s3cacheproxy/pkg/metrics"
	"github.com/AudereNow/s3cacheproxy/pkg/objectstore"
	"github.com/AudereNow/s3cacheproxy/pkg/router"
	"github.com/AudereNow/s3cacheproxy/pkg/shutdown"
	"github.com/AudereNow/s3cacheproxy/pkg/spool"
	"github.com/AudereNow/s3cacheproxy/pkg/watchdog"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the caching proxy",
	Long: `Start the caching proxy server in the foreground.

The process exits 0 on clean shutdown (via GET /shutdown, idle timeout, or
an external signal) and 1 on startup failure or an unrecoverable runtime
error, including expired remote-store credentials. A supervisor should
restart the process on a non-zero exit to pick up refreshed credentials.`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: loggerOutput(cfg.Logging.File),
	}); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals...)
	defer stop()

	store, err := objectstore.New(ctx, objectstore.Options{
		Endpoint:        cfg.ObjectStore.Endpoint,
		Region:          cfg.ObjectStore.Region,
		AccessKeyID:     cfg.ObjectStore.AccessKeyID,
		SecretAccessKey: cfg.ObjectStore.SecretAccessKey,
		SessionToken:    cfg.ObjectStore.SessionToken,
		ForcePathStyle:  cfg.ObjectStore.ForcePathStyle,
	})
	if err != nil {
		return fmt.Errorf("init object store client: %w", err)
	}

	memCache := cache.New(int64(cfg.MemoryCache.MaxTotalBytes), int64(cfg.MemoryCache.MaxEntryBytes))

	spooler := spool.New(cfg.AsyncUpload.CacheDir, int64(cfg.MaxEntrySizeBytes), int64(cfg.AsyncUpload.MaxPendingUploadMB))
	if err := spooler.PurgeAll(); err != nil {
		return fmt.Errorf("purge spool directory: %w", err)
	}

	br := breaker.New(breaker.Config{
		ErrorsBeforePausing: cfg.ErrorsBeforePausing,
		PauseDuration:       time.Duration(cfg.PauseMinutes) * time.Minute,
	})

	coord := shutdown.New(spooler)

	reg := prometheus.NewRegistry()
	var counters *metrics.RequestCounters
	if cfg.Metrics.Enabled {
		counters = metrics.NewRequestCounters(reg)
	}

	wd := watchdog.New(time.Duration(cfg.IdleMinutes)*time.Minute, func() {
		coord.Shutdown("idle", 0)
	})
	defer wd.Stop()
	defer br.Stop()

	rt := router.New(router.Config{
		Bucket:             cfg.Bucket,
		S3Prefix:           cfg.S3Prefix,
		AllowOffline:       cfg.AllowOffline,
		AllowGccDepfiles:   cfg.AllowGccDepfiles,
		AsyncUploadEnabled: cfg.AsyncUpload.Enabled,
		SocketTimeout:      time.Duration(cfg.SocketTimeoutSeconds) * time.Second,
	}, memCache, spooler, br, wd, store, coord, counters)

	if cfg.Metrics.Enabled {
		reg.MustRegister(metrics.NewCollector(metrics.Sources{
			CacheBytes:       memCache.TotalBytes,
			CacheEntries:     memCache.Len,
			CacheEvictions:   memCache.Evictions,
			PendingBytes:     spooler.PendingBytes,
			BreakerOpen:      br.IsOpen,
			ConsecutiveError: br.ConsecutiveErrors,
		}))
		rt.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: rt,
		// Streaming uploads/downloads can legitimately run long, so only
		// the header read is bounded (Slowloris protection); the body
		// and response are governed by the per-request socket timeout
		// the router itself enforces via request context.
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		coord.Shutdown("signal", 0)
	}()

	logger.Info("s3cacheproxy listening", logger.Bucket(cfg.Bucket))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		coord.Fatal("listen", err)
	}
	return nil
}

func loggerOutput(file string) string {
	if file == "" {
		return "stdout"
	}
	return file
}
