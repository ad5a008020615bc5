// Package auth validates bearer tokens for HTTP ingest, the stream
// endpoint, and the admin API.
//
// Tokens come in two forms: opaque static tokens provisioned through
// configuration (typical for field devices) and HS256 JWTs signed with
// the shared secret (typical for dashboards and service accounts).
// Both resolve to a Principal carrying role and tenant scope; handlers
// ask the principal, not the token, what it may do.
package auth
