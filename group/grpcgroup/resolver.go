package grpcgroup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lytics/cellbalance/registry"
)

var ErrUnresolved = errors.New("grpcgroup: unresolved rank")

// Resolver maps a rank to the address its node serves on.
type Resolver interface {
	Resolve(c context.Context, rank int) (string, error)
}

// StaticResolver of addresses indexed by rank.
type StaticResolver []string

// Resolve the rank.
func (r StaticResolver) Resolve(c context.Context, rank int) (string, error) {
	if rank < 0 || rank >= len(r) || r[rank] == "" {
		return "", fmt.Errorf("%w: rank=%d", ErrUnresolved, rank)
	}
	return r[rank], nil
}

// RegistryResolver finds ranks registered in an etcd backed
// registry. Ranks not yet registered are waited for by watching the
// namespace until the context is done, so nodes can start in any
// order.
type RegistryResolver struct {
	Registry  *registry.Registry
	Namespace string
	// MaxBackoff between watches that failed, 2s when zero.
	MaxBackoff time.Duration
}

// Resolve the rank.
func (r *RegistryResolver) Resolve(c context.Context, rank int) (string, error) {
	maxd := r.MaxBackoff
	if maxd == 0 {
		maxd = 2 * time.Second
	}
	b := newBackoff(maxd)
	defer b.Stop()

	for {
		if err := b.Backoff(c); err != nil {
			return "", fmt.Errorf("%w: rank=%d: %v", ErrUnresolved, rank, err)
		}
		address, again, err := r.watchFor(c, rank)
		if again {
			continue
		}
		return address, err
	}
}

// watchFor the rank's registration. The returned bool is true
// when the watch broke and should be started again.
func (r *RegistryResolver) watchFor(c context.Context, rank int) (string, bool, error) {
	watchCtx, cancel := context.WithCancel(c)
	defer cancel()

	regs, events, err := r.Registry.Watch(watchCtx, r.Namespace)
	if err != nil {
		if c.Err() != nil {
			return "", false, fmt.Errorf("%w: rank=%d: %v", ErrUnresolved, rank, c.Err())
		}
		return "", false, err
	}
	for _, reg := range regs {
		if reg.Rank == rank {
			return reg.Address, false, nil
		}
	}
	for {
		select {
		case <-c.Done():
			return "", false, fmt.Errorf("%w: rank=%d: %v", ErrUnresolved, rank, c.Err())
		case e, open := <-events:
			if !open || e.Error != nil {
				return "", true, nil
			}
			if e.Reg != nil && e.Reg.Rank == rank && (e.Type == registry.Create || e.Type == registry.Modify) {
				return e.Reg.Address, false, nil
			}
		}
	}
}
