// Package memgroup is an in-process group, every member lives in
// the same process and messages are handed directly to the inbox
// of the destination member.
package memgroup

import (
	"context"
	"fmt"

	"github.com/lytics/cellbalance/group"
)

// Member of an in-process group.
type Member struct {
	rank    int
	inboxes []*group.Inbox
}

// New group of the given size, the returned members are indexed
// by rank.
func New(size int) ([]*Member, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: size=%d", group.ErrInvalidSize, size)
	}
	inboxes := make([]*group.Inbox, size)
	for i := range inboxes {
		inboxes[i] = group.NewInbox(size)
	}
	members := make([]*Member, size)
	for i := range members {
		members[i] = &Member{rank: i, inboxes: inboxes}
	}
	return members, nil
}

// Rank of the member.
func (m *Member) Rank() int {
	return m.rank
}

// Size of the group.
func (m *Member) Size() int {
	return len(m.inboxes)
}

// Send data to dst, never blocks.
func (m *Member) Send(c context.Context, dst int, tag group.Tag, data []int64) error {
	if dst < 0 || dst >= len(m.inboxes) {
		return fmt.Errorf("%w: dst=%d", group.ErrInvalidRank, dst)
	}
	select {
	case <-c.Done():
		return c.Err()
	default:
	}
	return m.inboxes[dst].Deliver(m.rank, tag, data)
}

// Recv data from src.
func (m *Member) Recv(c context.Context, src int, tag group.Tag) ([]int64, error) {
	return m.inboxes[m.rank].Recv(c, src, tag)
}

// Inbox of the member, exposed for inspection.
func (m *Member) Inbox() *group.Inbox {
	return m.inboxes[m.rank]
}

// Close the member's inbox.
func (m *Member) Close() {
	m.inboxes[m.rank].Close()
}
