package syncer

import "errors"

// Attempt failure classes. Everything a sync attempt can hit is caught at
// the attempt boundary and folded into the status projection; these
// sentinels let callers tell the classes apart with errors.Is.
var (
	// ErrAuth means the credential was missing, expired, or rejected.
	// Auth failures short-circuit before any network or storage work so
	// callers can prompt for re-authentication.
	ErrAuth = errors.New("authorization failed")

	// ErrNetwork is a transport-level failure reaching the server.
	ErrNetwork = errors.New("network failure")

	// ErrDecode means the server's response did not match the expected
	// shape. Nothing from such a response is partially trusted; the whole
	// attempt fails.
	ErrDecode = errors.New("failed to decode server response")

	// ErrServer is a structured error reported by the server itself.
	ErrServer = errors.New("server rejected sync request")
)
