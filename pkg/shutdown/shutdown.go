// Package shutdown implements the proxy's graceful-teardown sequence: log
// the reason, purge the spool directory, and terminate the process with the
// appropriate exit code.
package shutdown

import (
	"os"
	"sync"

	"github.com/AudereNow/s3cacheproxy/internal/logger"
)

// Purger is the subset of the spooler's surface shutdown needs. Kept as an
// interface so tests can substitute a no-op or a spy.
type Purger interface {
	PurgeAll() error
}

// Coordinator runs the shutdown sequence exactly once regardless of how many
// callers trigger it concurrently; an idle-timeout fire racing a
// /shutdown request must still exit cleanly exactly one time.
type Coordinator struct {
	spooler Purger

	once sync.Once
	// exit is os.Exit by default; tests override it to observe the call
	// instead of killing the test binary.
	exit func(code int)
}

// New creates a Coordinator that purges spooler's directory before exiting.
func New(spooler Purger) *Coordinator {
	return &Coordinator{spooler: spooler, exit: os.Exit}
}

// SetExitFunc overrides the function called to terminate the process,
// os.Exit by default. Exposed for tests driving a full router through a
// fatal path without killing the test binary.
func (c *Coordinator) SetExitFunc(exit func(code int)) {
	c.exit = exit
}

// Shutdown logs reason, purges the spool directory, and exits the process
// with code. Safe to call more than once or concurrently; only the first
// call has effect.
func (c *Coordinator) Shutdown(reason string, code int) {
	c.once.Do(func() {
		logger.Info("shutting down", logger.Reason(reason), logger.Status(code))
		if c.spooler != nil {
			if err := c.spooler.PurgeAll(); err != nil {
				logger.Error("shutdown: failed to purge spool directory", logger.Err(err))
			}
		}
		c.exit(code)
	})
}

// Fatal logs an unrecoverable error and exits with code 1. Used for the
// router's "prepared a 500 response" and credential-expiry paths, both of
// which must terminate the process after the response is flushed.
func (c *Coordinator) Fatal(reason string, err error) {
	c.once.Do(func() {
		logger.Error("unrecoverable error, shutting down", logger.Reason(reason), logger.Err(err))
		if c.spooler != nil {
			if purgeErr := c.spooler.PurgeAll(); purgeErr != nil {
				logger.Error("shutdown: failed to purge spool directory", logger.Err(purgeErr))
			}
		}
		c.exit(1)
	})
}
