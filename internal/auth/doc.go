// Package auth issues and validates the bearer tokens that protect the
// local API.
//
// There are no user accounts. An operator mints a token for a role with
// the "crestronbridge token" command and hands it to a client. Tokens are
// HS256 JWTs signed with security.jwt.secret and checked by signature and
// expiry only.
//
// Roles form a ladder: viewer may read accessories and history, operator
// may also write characteristics, admin may also read bridge internals.
package auth
