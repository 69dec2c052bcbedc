package ledgersync

import "errors"

// Sync failures.
var (
	// ErrUnreachable is a transient network/backend failure. Retryable; the
	// watermark is never advanced when a sync fails with it.
	ErrUnreachable = errors.New("remote store unreachable")

	// ErrUnauthorized means the caller lacks access to the ledger. Not
	// retryable; the presentation layer should prompt a ledger switch.
	ErrUnauthorized = errors.New("ledger access denied")
)

// Mutation failures.
var (
	// ErrRemoteRejected means the remote write itself failed (validation,
	// permission, outage). Optimistic local state is rolled back where the
	// prior value is known.
	ErrRemoteRejected = errors.New("remote write rejected")

	// ErrConflict means the update's optimistic-concurrency check saw a
	// remote updatedAt different from the caller's expected value. Surfaced
	// distinctly so the UI can say "modified elsewhere, please refresh".
	ErrConflict = errors.New("record was modified elsewhere")
)

func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnreachable)
}
