// Package session caps and tracks concurrent logins per subject.
//
// # Storage
//
// Each session is stored under "ss:{sessionId}" in the compact binary layout
// produced by [Encode]. A per-subject index "ss:sub:{subject}" lists the
// subject's session ids and is only ever changed by compare-and-swap, so
// concurrent logins for the same subject cannot exceed the cap.
//
// # Eviction
//
// When a new login would exceed MaxConcurrent, the least recently active
// sessions are evicted. Their refresh-token families are revoked before the
// new session is admitted.
//
// # Architecture boundaries
//
// This package does not sign or verify tokens. Family revocation is
// delegated to a [FamilyRevoker], normally the token store.
package session
