package cellbalance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lytics/cellbalance/group"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Coordinator is the rank that gathers counts and builds every
// schedule.
const Coordinator = 0

// Message tags of a balancing pass.
const (
	TagCounts group.Tag = iota + 1
	TagIDsLen
	TagCountsLen
	TagIDs
	TagScheduleCounts
)

// AbortReason carried by an abort broadcast.
type AbortReason int64

const (
	AbortRecvFailed AbortReason = iota + 1
	AbortMalformedCounts
	AbortZeroWeightSum
	AbortPlanFailed
	AbortSendFailed
)

func (r AbortReason) String() string {
	switch r {
	case AbortRecvFailed:
		return "receive failed"
	case AbortMalformedCounts:
		return "malformed counts"
	case AbortZeroWeightSum:
		return "zero weight sum"
	case AbortPlanFailed:
		return "plan failed"
	case AbortSendFailed:
		return "send failed"
	default:
		return fmt.Sprintf("abort(%d)", int64(r))
	}
}

// abortTimeout bounds the abort broadcast, which may run after
// the pass deadline has expired.
const abortTimeout = 5 * time.Second

var tracer = otel.Tracer("github.com/lytics/cellbalance")

// Balancer runs balancing passes over a group. Every member of the
// group runs its own Balancer and calls Balance for the same pass.
type Balancer struct {
	cfg     Cfg
	group   group.Group
	weights *Weights
}

// New balancer over the group.
func New(g group.Group, cfg Cfg) (*Balancer, error) {
	setCfgDefaults(&cfg)
	if g == nil {
		return nil, ErrNilGroup
	}
	w, err := NewWeights(g.Size())
	if err != nil {
		return nil, err
	}
	return &Balancer{cfg: cfg, group: g, weights: w}, nil
}

// SetWeight of every rank in [start, stop]. Weights are only read
// by the coordinator, and must not be changed during a pass.
func (b *Balancer) SetWeight(start, stop int, weight float64) error {
	return b.weights.Set(start, stop, weight)
}

// Weights currently held, normalized after the first pass.
func (b *Balancer) Weights() []float64 {
	return b.weights.Values()
}

// Balance runs one pass with the local counts of this member and
// returns its schedule. The coordinator gathers every member's
// counts, builds the plan and sends each member its schedule. On a
// coordinator failure every other member is sent an abort.
//
// Schedules are sent one member at a time. If sending to a member
// fails, the members served before it may already have returned
// their schedule when the abort arrives, the failed member and those
// after it always see the abort.
func (b *Balancer) Balance(c context.Context, local Counts) (*Schedule, error) {
	if b.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		c, cancel = context.WithTimeout(c, b.cfg.Timeout)
		defer cancel()
	}

	rank, size := b.group.Rank(), b.group.Size()
	c, span := tracer.Start(c, "cellbalance.Balance", trace.WithAttributes(
		attribute.Int("cellbalance.rank", rank),
		attribute.Int("cellbalance.size", size),
	))
	defer span.End()

	b.logf("rank %d: starting pass with %v", rank, local)
	t0 := time.Now()

	var s *Schedule
	var err error
	if rank == Coordinator {
		s, err = b.coordinate(c, local)
	} else {
		s, err = b.follow(c, local)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		b.logf("rank %d: pass failed: %v", rank, err)
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("cellbalance.sends", len(s.Sends)),
		attribute.Int("cellbalance.receives", len(s.Receives)),
	)
	b.logf("rank %d: pass done in %v, sends: %d, receives: %d", rank, time.Since(t0), len(s.Sends), len(s.Receives))
	return s, nil
}

func (b *Balancer) coordinate(c context.Context, local Counts) (*Schedule, error) {
	size := b.group.Size()

	counts := make([]Counts, size)
	own, err := countsFromInts(local[:])
	if err != nil {
		b.abort(c, AbortMalformedCounts)
		return nil, fmt.Errorf("rank %d: %w", Coordinator, err)
	}
	counts[Coordinator] = own

	for src := 0; src < size; src++ {
		if src == Coordinator {
			continue
		}
		data, err := b.group.Recv(c, src, TagCounts)
		if err != nil {
			b.abort(c, AbortRecvFailed)
			return nil, recvErr(src, TagCounts, err)
		}
		counts[src], err = countsFromInts(data)
		if err != nil {
			b.abort(c, AbortMalformedCounts)
			return nil, fmt.Errorf("rank %d: %w", src, err)
		}
		b.logf("rank %d: received counts %v from rank %d", Coordinator, counts[src], src)
	}

	if b.weights.zeroSum() && b.cfg.ZeroSum == ZeroSumUniform {
		b.logf("rank %d: weights sum to zero, falling back to uniform weights", Coordinator)
	}
	if err := b.weights.Normalize(b.cfg.ZeroSum); err != nil {
		b.abort(c, AbortZeroWeightSum)
		return nil, err
	}

	plan, err := BuildPlan(counts, b.weights.Values())
	if err != nil {
		b.abort(c, AbortPlanFailed)
		return nil, fmt.Errorf("building plan: %w", err)
	}

	for dst := 0; dst < size; dst++ {
		if dst == Coordinator {
			continue
		}
		if err := b.sendSchedule(c, plan.Schedules[dst]); err != nil {
			b.abort(c, AbortSendFailed)
			return nil, err
		}
		b.logf("rank %d: sent schedule to rank %d", Coordinator, dst)
	}
	return plan.Schedules[Coordinator], nil
}

func (b *Balancer) sendSchedule(c context.Context, s *Schedule) error {
	ids, counts := EncodeSchedule(s)
	msgs := []struct {
		tag  group.Tag
		data []int64
	}{
		{TagIDsLen, []int64{int64(len(ids))}},
		{TagCountsLen, []int64{int64(len(counts))}},
		{TagIDs, widen(ids)},
		{TagScheduleCounts, counts},
	}
	for _, m := range msgs {
		if err := b.group.Send(c, s.Rank, m.tag, m.data); err != nil {
			return sendErr(s.Rank, m.tag, err)
		}
	}
	return nil
}

func (b *Balancer) follow(c context.Context, local Counts) (*Schedule, error) {
	rank := b.group.Rank()
	if err := b.group.Send(c, Coordinator, TagCounts, local[:]); err != nil {
		return nil, sendErr(Coordinator, TagCounts, err)
	}

	idsLen, err := b.recvLen(c, TagIDsLen)
	if err != nil {
		return nil, err
	}
	countsLen, err := b.recvLen(c, TagCountsLen)
	if err != nil {
		return nil, err
	}

	raw, err := b.group.Recv(c, Coordinator, TagIDs)
	if err != nil {
		return nil, recvErr(Coordinator, TagIDs, err)
	}
	if len(raw) != idsLen {
		return nil, fmt.Errorf("%w: expected %d ids, got %d", ErrMalformedSchedule, idsLen, len(raw))
	}
	ids, err := narrow(raw)
	if err != nil {
		return nil, err
	}

	counts, err := b.group.Recv(c, Coordinator, TagScheduleCounts)
	if err != nil {
		return nil, recvErr(Coordinator, TagScheduleCounts, err)
	}
	if len(counts) != countsLen {
		return nil, fmt.Errorf("%w: expected %d counts, got %d", ErrMalformedSchedule, countsLen, len(counts))
	}
	return DecodeSchedule(rank, ids, counts)
}

func (b *Balancer) recvLen(c context.Context, tag group.Tag) (int, error) {
	data, err := b.group.Recv(c, Coordinator, tag)
	if err != nil {
		return 0, recvErr(Coordinator, tag, err)
	}
	if len(data) != 1 || data[0] < 0 {
		return 0, fmt.Errorf("%w: bad length message on %v", ErrMalformedSchedule, tag)
	}
	return int(data[0]), nil
}

// abort every other member. Failures are logged, the caller
// already has the error that caused the abort.
func (b *Balancer) abort(c context.Context, reason AbortReason) {
	c, cancel := context.WithTimeout(context.WithoutCancel(c), abortTimeout)
	defer cancel()
	b.logf("rank %d: aborting pass: %v", b.group.Rank(), reason)
	if err := group.Broadcast(c, b.group, int64(reason)); err != nil {
		b.logf("rank %d: abort broadcast: %v", b.group.Rank(), err)
	}
}

func (b *Balancer) logf(format string, v ...interface{}) {
	if b.cfg.Logger != nil {
		b.cfg.Logger.Printf(format, v...)
	}
}

func recvErr(src int, tag group.Tag, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: receiving %v from rank %d: %v", ErrTimeout, tag, src, err)
	}
	return fmt.Errorf("receiving %v from rank %d: %w", tag, src, err)
}

func sendErr(dst int, tag group.Tag, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: sending %v to rank %d: %v", ErrTimeout, tag, dst, err)
	}
	return fmt.Errorf("sending %v to rank %d: %w", tag, dst, err)
}

// IsAbort reports if err was caused by an abort broadcast, and
// if so with which reason.
func IsAbort(err error) (AbortReason, bool) {
	var ae *group.AbortError
	if errors.As(err, &ae) {
		return AbortReason(ae.Reason), true
	}
	return 0, false
}
