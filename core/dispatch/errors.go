package dispatch

import "errors"

var (
	// ErrInvalidRequest rejects malformed requests before any session is
	// created.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNotFound is returned for operations on unknown request ids.
	ErrNotFound = errors.New("request not found")
	// ErrNotBound is returned by Complete when the request never bound.
	ErrNotBound = errors.New("request has no binding")
)
