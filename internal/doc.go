// Package internal contains helper utilities that are intentionally private to
// authgate: secure random identifiers, API key framing and fingerprints.
//
// # Sub-packages
//
//   - flows: flow orchestrators for the Gateway operations
//   - audit: bounded asynchronous audit dispatcher and sinks
//   - metrics: lock-free counters and the latency histogram
//
// # What this package must NOT do
//
//   - Export types that appear in the public authgate API.
//   - Be imported by any package outside the authgate module.
package internal
