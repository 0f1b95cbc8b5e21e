package route

import "errors"

var (
	// ErrGeometryUnavailable means the route has no usable shape. Callers fall
	// back to dead-reckoning.
	ErrGeometryUnavailable = errors.New("route geometry unavailable")
	// ErrProjectionOutOfTolerance means the point is too far from the route to
	// trust the match.
	ErrProjectionOutOfTolerance = errors.New("projection out of tolerance")
)
