package anchor

import "errors"

var (
	// ErrAttributesChanged is returned by Anchor when a record exists for the
	// certificate but its digest differs from the one recomputed now.
	ErrAttributesChanged = errors.New("certificate attributes changed since anchoring")
	// ErrNotRetryable is returned by Retry for records that are not FAILED.
	ErrNotRetryable = errors.New("anchor record is not in FAILED state")
	// ErrClosed is returned once the coordinator is shutting down.
	ErrClosed = errors.New("anchor coordinator closed")
	// ErrBusy is returned when a worker already owns the certificate, such as
	// a Retry racing a background attempt.
	ErrBusy = errors.New("certificate is being processed by another worker")
)
