//go:build !windows

package commands

import "syscall"

func init() {
	shutdownSignals = append(shutdownSignals, syscall.SIGTERM)
}
