// Package jwt signs and verifies authgate bearer tokens (access and refresh)
// with strict, allocation-light validation. Verification failures are
// classified into a small closed set of sentinel errors.
package jwt
