package registry

import "errors"

// Error kinds surfaced by the share-validation pipeline. The Stratum
// session layer maps these to client-facing error codes without tearing
// down the connection.
var (
	// ErrMalformedShare is returned when a hex field on a share submission
	// has the wrong length.
	ErrMalformedShare = errors.New("malformed share")

	// ErrStaleOrUnknownJob is returned when a job id does not resolve, or
	// its template is no longer live (prevhash advanced).
	ErrStaleOrUnknownJob = errors.New("stale or unknown job")

	// ErrNtimeOutOfRange is returned when ntime is behind the template's
	// curtime, or more than two hours ahead of wall-clock time.
	ErrNtimeOutOfRange = errors.New("ntime out of range")

	// ErrDuplicate is returned when the (e1, e2, ntime, nonce) tuple was
	// already submitted for this job.
	ErrDuplicate = errors.New("duplicate submission")

	// ErrLowDifficulty is returned when the share's PoW hash exceeds both
	// the session's target and its grace-window target.
	ErrLowDifficulty = errors.New("share below required difficulty")

	// ErrNodeError wraps an upstream node RPC failure.
	ErrNodeError = errors.New("upstream node error")
)
