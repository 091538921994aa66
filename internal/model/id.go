package model

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string for use as a job identifier. ULIDs embed
// a millisecond timestamp prefix, so lexicographic order matches creation
// order, which the FIFO queue relies on to break same-instant ties.
func NewID() string {
	return ulid.Make().String()
}
