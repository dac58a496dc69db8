// Package serviceerr defines the sentinel errors shared across the gateway.
// Callers distinguish retryable conditions from ones requiring a new
// authorization by matching against these values with errors.Is.
package serviceerr

import "errors"

var (
	// ErrNotFound reports an absent entity (session, platform, record).
	ErrNotFound = errors.New("not found")

	// ErrAuthRequired reports that no usable token exists for the
	// (session, platform) pair; the caller must start a new authorization.
	// This is an expected condition, not a failure.
	ErrAuthRequired = errors.New("authorization required")

	// ErrRefreshInProgress reports that another holder is refreshing the
	// same token and it did not complete within the wait budget. Retryable.
	ErrRefreshInProgress = errors.New("token refresh in progress")

	// ErrRefreshTokenInvalid reports that the platform rejected the stored
	// refresh token. The token record has been deleted; the session is
	// unauthenticated for that platform until re-authorized.
	ErrRefreshTokenInvalid = errors.New("refresh token invalid or revoked")

	// ErrUpstreamUnavailable reports a transient failure (network, 5xx)
	// talking to the platform. The stored record is untouched. Retryable.
	ErrUpstreamUnavailable = errors.New("platform temporarily unavailable")

	// ErrInvalidCallbackState reports a callback whose state value was
	// never issued, was superseded, or has expired. No token exchange is
	// performed.
	ErrInvalidCallbackState = errors.New("invalid or expired callback state")

	// ErrExchangeFailed reports that the authorization code exchange was
	// rejected by the platform.
	ErrExchangeFailed = errors.New("authorization code exchange failed")

	// ErrInvalidHandle reports a handle that failed verification. It
	// deliberately does not distinguish tampering from expiry.
	ErrInvalidHandle = errors.New("invalid auth handle")

	// ErrDecryptionFailure reports a stored blob that could not be opened.
	// The manager fails closed and never falls back to treating ciphertext
	// as plaintext.
	ErrDecryptionFailure = errors.New("decryption failed")

	// ErrWaitTimeout reports that a wait operation elapsed before the
	// awaited event occurred.
	ErrWaitTimeout = errors.New("wait timed out")
)
