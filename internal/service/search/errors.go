package search

import "errors"

// MaxQueryLength caps the accepted query length in characters.
const MaxQueryLength = 500

var (
	// ErrInvalidQuery rejects empty or oversized queries before any provider call.
	ErrInvalidQuery = errors.New("invalid query")
	// ErrTimeout reports that the request deadline expired mid-search.
	ErrTimeout = errors.New("search timed out")
)
