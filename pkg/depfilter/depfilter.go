// Package depfilter recognizes gcc-style dependency files (depfiles) by a
// fixed content heuristic so the proxy can optionally keep them out of the
// cache: depfiles churn on every build and are cheap to regenerate, so
// caching them buys nothing and only evicts entries that are worth keeping.
package depfilter

import "bytes"

// maxScanBytes bounds how large a body can be before it is no longer
// considered for depfile classification at all, matching the upstream
// build tool's own heuristic size.
const maxScanBytes = 100000

// marker is the literal byte sequence gcc's -MMD/-MD output always contains:
// dot, 'o', colon, space, backslash, the line-continuation marker at the
// end of a Makefile dependency rule's target.
var marker = []byte(".o: \\")

// IsBlockedDepfile reports whether body should be treated as a depfile that
// must not be cached: its length is within maxScanBytes and it contains
// marker anywhere.
func IsBlockedDepfile(body []byte) bool {
	if len(body) > maxScanBytes {
		return false
	}
	return bytes.Contains(body, marker)
}
