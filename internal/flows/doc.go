// Package flows contains pure-function orchestrators for the credential-bearing
// Gateway operations.
//
// Each flow function (RunAuthenticate, RunRefresh, RunLogin) accepts a typed
// dependency struct and returns a result carrying either the payload or a
// classified failure. This keeps the Gateway thin and lets every branch be
// unit tested with fake dependencies.
//
// # Architecture boundaries
//
// Flow functions coordinate calls to the token codec, token store, API key
// manager and session manager. They do NOT own any of these resources, and
// rate limiting, auditing and metrics stay with the Gateway.
//
// # What this package must NOT do
//
//   - Hold mutable state between calls.
//   - Import authgate (to avoid import cycles).
//   - Perform I/O directly; all I/O is mediated through dependency functions.
package flows
