// Package middleware adapts [authgate.Gateway] to net/http.
//
// [Guard] reads a bearer token from the Authorization header or an API key
// from X-API-Key, runs Gateway.Check and stores the principal in the
// request context. Rejections map onto 401, 403, 429 (with Retry-After) and
// 503.
//
// The echoauth and grpcauth sub-packages provide the same guard for echo and
// gRPC servers and share the helpers exported here.
//
// # What this package must NOT do
//
//   - Parse or verify credentials itself. All decisions come from Check.
//   - Expose error causes to clients.
package middleware
