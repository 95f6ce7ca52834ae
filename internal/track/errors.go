package track

import "errors"

// Failure taxonomy of the client core. Permission and session-start failures
// are terminal for the StartTracking call that hit them; everything on the
// per-sample path is logged and swallowed.
var (
	// ErrPermissionDenied means the device refused location access. The
	// server is never contacted in this case.
	ErrPermissionDenied = errors.New("track: location permission denied")

	// ErrSessionRejected means the server refused to open a tracking
	// session for the delivery.
	ErrSessionRejected = errors.New("track: tracking session rejected")

	// ErrAlreadyTracking is returned when StartTracking is called while a
	// delivery is already being tracked; a publisher drives exactly one
	// delivery at a time.
	ErrAlreadyTracking = errors.New("track: already tracking a delivery")
)
