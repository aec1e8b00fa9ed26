package group

import (
	"context"
	"sync"
)

type streamKey struct {
	src int
	tag Tag
}

// Inbox of a group member. Messages are queued per source and tag,
// so a receiver can wait on one stream regardless of arrival order
// on the others.
type Inbox struct {
	// mu protects the fields below.
	mu      sync.Mutex
	size    int
	streams map[streamKey][][]int64
	waiters map[streamKey]chan struct{}
	aborted *AbortError
	closed  bool
}

// NewInbox for a group of the given size.
func NewInbox(size int) *Inbox {
	return &Inbox{
		size:    size,
		streams: make(map[streamKey][][]int64),
		waiters: make(map[streamKey]chan struct{}),
	}
}

// Deliver data from src. The data is copied. An abort tag marks
// the inbox aborted and wakes every waiting receiver.
func (ib *Inbox) Deliver(src int, tag Tag, data []int64) error {
	if src < 0 || src >= ib.size {
		return ErrInvalidRank
	}

	ib.mu.Lock()
	defer ib.mu.Unlock()

	if ib.closed {
		return ErrClosed
	}
	if tag == TagAbort {
		if ib.aborted == nil {
			var reason int64
			if len(data) > 0 {
				reason = data[0]
			}
			ib.aborted = &AbortError{Source: src, Reason: reason}
		}
		ib.wakeAll()
		return nil
	}

	buf := make([]int64, len(data))
	copy(buf, data)
	key := streamKey{src: src, tag: tag}
	ib.streams[key] = append(ib.streams[key], buf)
	if w, ok := ib.waiters[key]; ok {
		close(w)
		delete(ib.waiters, key)
	}
	return nil
}

// Recv the next message from src with tag.
func (ib *Inbox) Recv(c context.Context, src int, tag Tag) ([]int64, error) {
	if src < 0 || src >= ib.size {
		return nil, ErrInvalidRank
	}
	if tag == TagAbort {
		return nil, ErrInvalidTag
	}

	key := streamKey{src: src, tag: tag}
	for {
		ib.mu.Lock()
		if ib.aborted != nil {
			err := ib.aborted
			ib.mu.Unlock()
			return nil, err
		}
		if ib.closed {
			ib.mu.Unlock()
			return nil, ErrClosed
		}
		if q := ib.streams[key]; len(q) > 0 {
			data := q[0]
			if len(q) == 1 {
				delete(ib.streams, key)
			} else {
				ib.streams[key] = q[1:]
			}
			ib.mu.Unlock()
			return data, nil
		}
		w, ok := ib.waiters[key]
		if !ok {
			w = make(chan struct{})
			ib.waiters[key] = w
		}
		ib.mu.Unlock()

		select {
		case <-c.Done():
			return nil, c.Err()
		case <-w:
		}
	}
}

// Aborted returns the abort received, if any.
func (ib *Inbox) Aborted() *AbortError {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	return ib.aborted
}

// Pending number of queued messages over all streams.
func (ib *Inbox) Pending() int {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	n := 0
	for _, q := range ib.streams {
		n += len(q)
	}
	return n
}

// Close the inbox, waking every waiting receiver.
func (ib *Inbox) Close() {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	if ib.closed {
		return
	}
	ib.closed = true
	ib.wakeAll()
}

func (ib *Inbox) wakeAll() {
	for key, w := range ib.waiters {
		close(w)
		delete(ib.waiters, key)
	}
}
