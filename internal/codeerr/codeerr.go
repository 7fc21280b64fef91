// Package codeerr defines the tagged error kinds Signet surfaces across
// component boundaries (transport, protocol, policy, auth, integrity,
// internal), per the error-handling design in spec.md §7. Callers compare
// with errors.Is; wrapped context is added with fmt.Errorf("...: %w", Err).
package codeerr

import "errors"

// Transport errors: retried by the relay pool's own reconnect/circuit logic.
var (
	ErrRelayUnreachable = errors.New("relay unreachable")
	ErrPublishNoAck     = errors.New("no relay acknowledged publish")
	ErrSocketTimeout    = errors.New("socket timeout")
)

// Protocol errors: answered with a NIP-46 error reply, logged at debug.
var (
	ErrMalformedEvent = errors.New("malformed event")
	ErrBadSignature   = errors.New("bad signature")
	ErrUnknownMethod  = errors.New("unknown method")
	ErrBadParams      = errors.New("bad params")
)

// Policy errors: answered with a NIP-46 error reply, recorded as a denial.
var (
	ErrKeyNotActive   = errors.New("key not active")
	ErrKeyLocked      = errors.New("key locked")
	ErrAppRevoked     = errors.New("app revoked")
	ErrAppSuspended   = errors.New("app suspended")
	ErrPermissionDeny = errors.New("permission denied")
)

// Auth errors: surfaced to the local HTTP caller, never revealing which
// factor was wrong beyond "incorrect passphrase" + attempts remaining.
var (
	ErrWrongPassphrase = errors.New("incorrect passphrase")
	ErrTooManyAttempts = errors.New("too many attempts")
	ErrCsrfInvalid     = errors.New("invalid csrf token")
	ErrSessionExpired  = errors.New("session expired")
)

// Integrity errors: fatal for the operation, never retried.
var (
	ErrCiphertextCorrupt = errors.New("ciphertext corrupt")
	ErrKdfFailure        = errors.New("key derivation failed")
)

// Internal errors: logged with full context, HTTP 500, admin event recorded.
var (
	ErrDbError    = errors.New("database error")
	ErrUnexpected = errors.New("unexpected internal error")
)

// KeyStore / validation errors used by C2.
var (
	ErrNameInUse        = errors.New("key name already in use")
	ErrPassphraseMismatch = errors.New("passphrase and confirmation do not match")
	ErrInvalidEncoding  = errors.New("invalid key encoding")
	ErrWeakPassphrase   = errors.New("passphrase too short")
	ErrNotFound         = errors.New("not found")
	ErrNotEncrypted     = errors.New("key is not encrypted")
)

// ErrPasswordRequired is returned by AuthorizationQueue.Approve when a
// PendingRequest's requiresPassword flag is set and the approval did not
// carry a passphrase (§4.6 scenario 3: "without password -> 400 Password
// required").
var ErrPasswordRequired = errors.New("password required")
