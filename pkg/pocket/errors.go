package pocket

import "errors"

// Error taxonomy for the sync engine. Every failure path surfaces as one of
// these, wrapped with context.
var (
	// ErrStorage means the local store rejected a write; nothing was
	// partially applied.
	ErrStorage = errors.New("local storage error")

	// ErrNotFound means a record lookup by id matched nothing.
	ErrNotFound = errors.New("record not found")

	// ErrNetwork means a request could not complete. Retried per the
	// orchestrator's backoff policy.
	ErrNetwork = errors.New("network error")

	// ErrServerRejected means the server answered non-2xx (other than
	// conflict or auth). Retried like ErrNetwork.
	ErrServerRejected = errors.New("server rejected request")

	// ErrConflict means the push was rejected because the checkpoint is
	// stale. Never blindly retried: the next cycle must pull first.
	ErrConflict = errors.New("push conflict, pull required")

	// ErrApply means a pulled or pushed row could not be applied
	// (referential integrity or row-level failure). Fatal to the cycle.
	ErrApply = errors.New("row application failed")

	// ErrAuth means the credential was rejected even after one refresh.
	ErrAuth = errors.New("authentication failed")

	// ErrSyncInProgress is returned by Trigger when a cycle is already in
	// flight. The second trigger is a no-op.
	ErrSyncInProgress = errors.New("sync already in progress")
)
