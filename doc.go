// Package authgate is an authentication and access-control core: signed
// access tokens, rotating refresh-token families with reuse detection, API
// keys, rate limiting, role-based authorization and session caps.
//
// A [Gateway] is built once at startup with [New] and shared by every
// request handler. All Gateway methods are safe for concurrent use.
//
// # Request flow
//
// Every protected call runs the same state machine through [Gateway.Check]:
//
//	Unauthenticated → RateLimitChecked → CredentialVerified → AuthorizationResolved → Completed
//
// Any failure short-circuits to Rejected with an [*AuthError] whose
// [ErrorKind] is one of a closed set. errors.Is matches the kind sentinels
// such as [ErrReused] or [ErrRateLimited].
//
// # State
//
// All mutable state lives in an injected [kv.Store]. The store is the only
// source of truth shared between instances; refresh rotation, rate-limit
// counters and session caps are compare-and-swap loops on it. Store calls
// are bounded by Config.Store.Timeout and security-sensitive paths fail
// closed when it is exceeded.
//
// # Architecture boundaries
//
// The root package exposes Gateway, Builder, Config and value types. Flow
// orchestration, audit dispatch and metric storage live under internal/.
// Sub-packages (jwt, tokenstore, apikey, ratelimit, rbac, session, kv) never
// import the root package.
package authgate
