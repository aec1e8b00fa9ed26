// Package group defines a fixed-size process group with blocking,
// tagged, point-to-point messaging. Every member has a rank in
// [0, Size) agreed upon by all members. Delivery between any two
// members preserves send order per tag.
package group

import (
	"context"
	"errors"
	"fmt"
)

// Tag distinguishes message streams between two members.
type Tag int

// TagAbort is reserved for abort broadcasts. Receiving one fails
// every pending and future Recv on the receiving member.
const TagAbort Tag = 1 << 15

func (t Tag) String() string {
	if t == TagAbort {
		return "abort"
	}
	return fmt.Sprintf("tag-%d", int(t))
}

var (
	ErrAborted     = errors.New("group: aborted")
	ErrClosed      = errors.New("group: closed")
	ErrInvalidRank = errors.New("group: invalid rank")
	ErrInvalidTag  = errors.New("group: invalid tag")
	ErrInvalidSize = errors.New("group: invalid size")
)

// AbortError is returned by Recv once an abort has been received.
type AbortError struct {
	Source int
	Reason int64
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("group: aborted by rank %d, reason: %d", e.Source, e.Reason)
}

// Unwrap so that errors.Is(err, ErrAborted) holds.
func (e *AbortError) Unwrap() error {
	return ErrAborted
}

// Group of cooperating processes.
type Group interface {
	// Rank of the local member.
	Rank() int
	// Size of the group.
	Size() int
	// Send data to the member dst. Send returns once the data
	// is handed to dst, it does not wait for a matching Recv.
	Send(c context.Context, dst int, tag Tag, data []int64) error
	// Recv blocks until data sent by src with tag arrives, the
	// context is done, or an abort is received.
	Recv(c context.Context, src int, tag Tag) ([]int64, error)
}

// Broadcast an abort with the given reason to every member
// except the local one. Every member is tried, the first error
// is returned.
func Broadcast(c context.Context, g Group, reason int64) error {
	var first error
	for dst := 0; dst < g.Size(); dst++ {
		if dst == g.Rank() {
			continue
		}
		if err := g.Send(c, dst, TagAbort, []int64{reason}); err != nil && first == nil {
			first = fmt.Errorf("aborting rank %d: %w", dst, err)
		}
	}
	return first
}
