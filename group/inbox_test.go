package group

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInboxOrderPerStream(t *testing.T) {
	ib := NewInbox(2)
	require.NoError(t, ib.Deliver(1, 1, []int64{1}))
	require.NoError(t, ib.Deliver(1, 2, []int64{9}))
	require.NoError(t, ib.Deliver(1, 1, []int64{2}))
	assert.Equal(t, 3, ib.Pending())

	// Tag 2 can be read before the earlier tag 1 messages.
	data, err := ib.Recv(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{9}, data)

	for _, want := range []int64{1, 2} {
		data, err := ib.Recv(context.Background(), 1, 1)
		require.NoError(t, err)
		assert.Equal(t, []int64{want}, data)
	}
	assert.Equal(t, 0, ib.Pending())
}

func TestInboxDeliverCopies(t *testing.T) {
	ib := NewInbox(1)
	buf := []int64{1, 2}
	require.NoError(t, ib.Deliver(0, 1, buf))
	buf[0] = 7

	data, err := ib.Recv(context.Background(), 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, data)
}

func TestInboxRecvWaits(t *testing.T) {
	ib := NewInbox(2)
	go func() {
		time.Sleep(20 * time.Millisecond)
		ib.Deliver(0, 3, []int64{5})
	}()

	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := ib.Recv(c, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, data)
}

func TestInboxRecvContextDone(t *testing.T) {
	ib := NewInbox(2)
	c, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := ib.Recv(c, 0, 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInboxAbortIsSticky(t *testing.T) {
	ib := NewInbox(3)
	require.NoError(t, ib.Deliver(0, 1, []int64{1}))

	done := make(chan error, 1)
	go func() {
		_, err := ib.Recv(context.Background(), 2, 1)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, ib.Deliver(0, TagAbort, []int64{4}))
	require.NoError(t, ib.Deliver(1, TagAbort, []int64{5}))

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrAborted)
		var ae *AbortError
		require.True(t, errors.As(err, &ae))
		assert.Equal(t, 0, ae.Source)
		assert.Equal(t, int64(4), ae.Reason)
	case <-time.After(5 * time.Second):
		t.Fatal("receiver not woken by abort")
	}

	// Queued messages are not returned after an abort.
	_, err := ib.Recv(context.Background(), 0, 1)
	require.ErrorIs(t, err, ErrAborted)
	assert.Equal(t, int64(4), ib.Aborted().Reason)
}

func TestInboxClose(t *testing.T) {
	ib := NewInbox(2)
	done := make(chan error, 1)
	go func() {
		_, err := ib.Recv(context.Background(), 1, 1)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	ib.Close()
	ib.Close()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("receiver not woken by close")
	}
	require.ErrorIs(t, ib.Deliver(1, 1, nil), ErrClosed)
}

func TestInboxInvalidArgs(t *testing.T) {
	ib := NewInbox(2)
	require.ErrorIs(t, ib.Deliver(2, 1, nil), ErrInvalidRank)
	_, err := ib.Recv(context.Background(), -1, 1)
	require.ErrorIs(t, err, ErrInvalidRank)
	_, err = ib.Recv(context.Background(), 0, TagAbort)
	require.ErrorIs(t, err, ErrInvalidTag)
}

func TestTagString(t *testing.T) {
	assert.Equal(t, "abort", TagAbort.String())
	assert.Equal(t, "tag-3", Tag(3).String())
}
