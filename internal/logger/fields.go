package logger

import "log/slog"

// Standard field keys for structured logging. Use these consistently across
// every request log line so the output can be grepped or aggregated.
const (
	KeyRequestID  = "request_id"
	KeyMethod     = "method"
	KeyURL        = "url"
	KeyKey        = "key"
	KeyStatus     = "status"
	KeyRespLength = "response_length"
	KeyElapsedMs  = "elapsed_ms"
	KeyRemoteMs   = "remote_ms"
	KeyFromCache  = "from_cache"
	KeyAWSPaused  = "aws_paused"
	KeyBlockedGcc = "blocked_gcc_depfile"
	KeyBucket     = "bucket"
	KeyError      = "error"
	KeyReason     = "reason"
)

// RequestID returns a slog.Attr for the per-request correlation ID.
func RequestID(id string) slog.Attr { return slog.String(KeyRequestID, id) }

// Method returns a slog.Attr for the HTTP method.
func Method(m string) slog.Attr { return slog.String(KeyMethod, m) }

// URL returns a slog.Attr for the request URL.
func URL(u string) slog.Attr { return slog.String(KeyURL, u) }

// Key returns a slog.Attr for the cache key.
func Key(k string) slog.Attr { return slog.String(KeyKey, k) }

// Status returns a slog.Attr for the HTTP response status code.
func Status(code int) slog.Attr { return slog.Int(KeyStatus, code) }

// ResponseLength returns a slog.Attr for the response body length.
func ResponseLength(n int) slog.Attr { return slog.Int(KeyRespLength, n) }

// ElapsedMs returns a slog.Attr for total request handling time.
func ElapsedMs(ms float64) slog.Attr { return slog.Float64(KeyElapsedMs, ms) }

// RemoteMs returns a slog.Attr for the remote-store round trip time.
func RemoteMs(ms float64) slog.Attr { return slog.Float64(KeyRemoteMs, ms) }

// FromCache returns a slog.Attr marking the response as cache-served.
func FromCache(hit bool) slog.Attr { return slog.Bool(KeyFromCache, hit) }

// AWSPaused returns a slog.Attr marking the request as served with the breaker open.
func AWSPaused(paused bool) slog.Attr { return slog.Bool(KeyAWSPaused, paused) }

// BlockedGccDepfile returns a slog.Attr marking a response suppressed by the depfile filter.
func BlockedGccDepfile(blocked bool) slog.Attr { return slog.Bool(KeyBlockedGcc, blocked) }

// Bucket returns a slog.Attr for the remote-store bucket name.
func Bucket(name string) slog.Attr { return slog.String(KeyBucket, name) }

// Err returns a slog.Attr for an error value.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Reason returns a slog.Attr describing why an action happened (shutdown reason, rejection reason, ...).
func Reason(r string) slog.Attr { return slog.String(KeyReason, r) }
