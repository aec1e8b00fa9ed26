// Package grpcgroup is a networked group, each member runs a node
// serving a gRPC Wire service and delivers messages to its peers
// by calling theirs. Envelopes are gob encoded and carry an ID so
// a retried delivery is accepted only once.
package grpcgroup

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lytics/cellbalance/codec"
	"github.com/lytics/cellbalance/group"
	"github.com/lytics/cellbalance/registry"
	"github.com/lytics/retry"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var (
	ErrNilResolver   = errors.New("grpcgroup: nil resolver")
	ErrNodeStopped   = errors.New("grpcgroup: node stopped")
	ErrInvalidSender = errors.New("grpcgroup: invalid sender")
)

// seenCapacity bounds the envelope IDs remembered for duplicate
// suppression.
const seenCapacity = 4096

// Node of a networked group, implements group.Group.
type Node struct {
	cfg      Cfg
	resolver Resolver
	inbox    *group.Inbox
	grpc     *grpc.Server
	health   *health.Server
	metrics  *metrics
	stop     sync.Once
	done     chan struct{}

	// mu protects the fields below.
	mu       sync.Mutex
	conns    map[int]*grpc.ClientConn
	seen     map[string]struct{}
	seenFIFO []string
}

// New node. The namespace must contain only characters in the
// set: [a-zA-Z0-9-_] and no other.
func New(cfg Cfg, resolver Resolver) (*Node, error) {
	setCfgDefaults(&cfg)

	if !registry.IsNamespaceValid(cfg.Namespace) {
		return nil, fmt.Errorf("%w: namespace=%s", registry.ErrInvalidNamespace, cfg.Namespace)
	}
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("%w: size=%d", group.ErrInvalidSize, cfg.Size)
	}
	if cfg.Rank < 0 || cfg.Rank >= cfg.Size {
		return nil, fmt.Errorf("%w: rank=%d, size=%d", group.ErrInvalidRank, cfg.Rank, cfg.Size)
	}
	if resolver == nil {
		return nil, ErrNilResolver
	}

	n := &Node{
		cfg:      cfg,
		resolver: resolver,
		inbox:    group.NewInbox(cfg.Size),
		grpc: grpc.NewServer(
			grpc.UnaryInterceptor(otelgrpc.UnaryServerInterceptor()),
		),
		health:  health.NewServer(),
		metrics: newMetrics(cfg.Registerer, cfg.Namespace, cfg.Rank),
		done:    make(chan struct{}),
		conns:   make(map[int]*grpc.ClientConn),
		seen:    make(map[string]struct{}),
	}
	n.grpc.RegisterService(&wireServiceDesc, n)
	healthpb.RegisterHealthServer(n.grpc, n.health)
	return n, nil
}

// Rank of the local member.
func (n *Node) Rank() int {
	return n.cfg.Rank
}

// Size of the group.
func (n *Node) Size() int {
	return n.cfg.Size
}

// Inbox of the node, exposed for inspection.
func (n *Node) Inbox() *group.Inbox {
	return n.inbox
}

// Serve the node on the listener, blocking until Stop is called.
// When a registry is configured the local rank is registered at
// the listener's address first.
func (n *Node) Serve(lis net.Listener) error {
	if r := n.cfg.Registry; r != nil {
		if err := r.Start(context.Background(), lis.Addr()); err != nil {
			return fmt.Errorf("starting registry: %w", err)
		}
		timeout, cancel := context.WithTimeout(context.Background(), n.cfg.Timeout)
		err := r.Register(timeout, n.cfg.Namespace, n.cfg.Rank)
		cancel()
		if err != nil {
			return fmt.Errorf("registering rank %d: %w", n.cfg.Rank, err)
		}
		go n.monitorRegistry(r)
	}

	n.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	n.logf("%v: rank %d serving on %v", n.cfg.Namespace, n.cfg.Rank, lis.Addr())

	err := n.grpc.Serve(lis)
	// Something in gRPC returns the "use of..." error
	// message even though it stopped fine.
	if err != nil && !strings.Contains(err.Error(), "use of closed network connection") {
		return fmt.Errorf("serving: %w", err)
	}
	return nil
}

func (n *Node) monitorRegistry(r *registry.Registry) {
	select {
	case <-n.done:
	case err := <-r.Failed():
		n.logf("%v: rank %d lost its registration: %v", n.cfg.Namespace, n.cfg.Rank, err)
		n.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
	}
}

// Stop the node: pending and future Recv calls fail with
// group.ErrClosed and the rank is deregistered.
func (n *Node) Stop() {
	n.stop.Do(func() {
		close(n.done)
		n.health.Shutdown()
		n.inbox.Close()

		if r := n.cfg.Registry; r != nil && r.Started() {
			timeout, cancel := context.WithTimeout(context.Background(), n.cfg.Timeout)
			if err := r.Deregister(timeout, n.cfg.Namespace, n.cfg.Rank); err != nil {
				n.logf("%v: deregistering rank %d: %v", n.cfg.Namespace, n.cfg.Rank, err)
			}
			cancel()
			if err := r.Stop(); err != nil {
				n.logf("%v: stopping registry: %v", n.cfg.Namespace, err)
			}
		}

		n.mu.Lock()
		for rank, cc := range n.conns {
			cc.Close()
			delete(n.conns, rank)
		}
		n.mu.Unlock()

		n.grpc.Stop()
	})
}

// Send data to dst. Each attempt is bounded by the configured
// timeout and retried with the same envelope ID, so dst accepts
// the message at most once.
func (n *Node) Send(c context.Context, dst int, tag group.Tag, data []int64) error {
	if dst < 0 || dst >= n.cfg.Size {
		return fmt.Errorf("%w: dst=%d", group.ErrInvalidRank, dst)
	}
	select {
	case <-n.done:
		return ErrNodeStopped
	case <-c.Done():
		return c.Err()
	default:
	}
	if dst == n.cfg.Rank {
		return n.inbox.Deliver(dst, tag, data)
	}

	d := &Delivery{
		ID:     uuid.NewString(),
		Sender: n.cfg.Rank,
		Tag:    int(tag),
		Data:   data,
	}

	var err error
	_ = retry.XWithContext(c, n.cfg.SendRetries, n.cfg.RetryBackoff, func(c context.Context) error {
		err = n.deliver(c, dst, d)
		if err != nil {
			n.logf("%v: rank %d: delivering %v to rank %d: %v", n.cfg.Namespace, n.cfg.Rank, tag, dst, err)
		}
		return err
	})
	if cerr := c.Err(); cerr != nil {
		err = cerr
	}
	if err != nil {
		n.metrics.failures.WithLabelValues(tag.String()).Inc()
		return fmt.Errorf("sending %v to rank %d: %w", tag, dst, err)
	}
	n.metrics.sent.WithLabelValues(tag.String()).Inc()
	return nil
}

func (n *Node) deliver(c context.Context, dst int, d *Delivery) error {
	timeout, cancel := context.WithTimeout(c, n.cfg.Timeout)
	defer cancel()

	cc, err := n.conn(timeout, dst)
	if err != nil {
		return err
	}
	ack := &Ack{}
	err = cc.Invoke(timeout, deliverMethod, d, ack,
		grpc.WaitForReady(true),
		grpc.CallContentSubtype(codec.Name),
	)
	if err != nil {
		return err
	}
	if ack.Receiver != dst {
		return fmt.Errorf("ack from rank %d, expected rank %d", ack.Receiver, dst)
	}
	return nil
}

// conn to the rank, dialed on first use.
func (n *Node) conn(c context.Context, rank int) (*grpc.ClientConn, error) {
	n.mu.Lock()
	cc, ok := n.conns[rank]
	n.mu.Unlock()
	if ok {
		return cc, nil
	}

	address, err := n.resolver.Resolve(c, rank)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if cc, ok := n.conns[rank]; ok {
		return cc, nil
	}
	select {
	case <-n.done:
		return nil, ErrNodeStopped
	default:
	}
	cc, err = grpc.Dial(address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(otelgrpc.UnaryClientInterceptor()),
	)
	if err != nil {
		return nil, err
	}
	n.conns[rank] = cc
	return cc, nil
}

// Recv data sent by src with tag.
func (n *Node) Recv(c context.Context, src int, tag group.Tag) ([]int64, error) {
	return n.inbox.Recv(c, src, tag)
}

// Deliver a message into the local inbox. Implements the gRPC
// definition of the wire service. Consider this a private method.
func (n *Node) Deliver(c context.Context, d *Delivery) (*Ack, error) {
	if d.Sender < 0 || d.Sender >= n.cfg.Size || d.Sender == n.cfg.Rank {
		return nil, fmt.Errorf("%w: sender=%d", ErrInvalidSender, d.Sender)
	}
	tag := group.Tag(d.Tag)

	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.seen[d.ID]; ok {
		n.metrics.duplicates.Inc()
		return &Ack{Receiver: n.cfg.Rank, Duplicate: true}, nil
	}
	// Deliver under the lock, so a concurrent retry of the same
	// envelope can not overtake it.
	if err := n.inbox.Deliver(d.Sender, tag, d.Data); err != nil {
		return nil, err
	}
	n.remember(d.ID)
	n.metrics.received.WithLabelValues(tag.String()).Inc()
	return &Ack{Receiver: n.cfg.Rank}, nil
}

func (n *Node) remember(id string) {
	if id == "" {
		return
	}
	n.seen[id] = struct{}{}
	n.seenFIFO = append(n.seenFIFO, id)
	if len(n.seenFIFO) > seenCapacity {
		delete(n.seen, n.seenFIFO[0])
		n.seenFIFO = n.seenFIFO[1:]
	}
}

// WaitUntilServing blocks until the peer's health service
// reports serving or the context is done.
func (n *Node) WaitUntilServing(c context.Context, rank int) error {
	b := newBackoff(time.Second)
	defer b.Stop()

	for {
		if err := b.Backoff(c); err != nil {
			return fmt.Errorf("waiting for rank %d: %w", rank, err)
		}
		cc, err := n.conn(c, rank)
		if err != nil {
			n.logf("%v: resolving rank %d: %v", n.cfg.Namespace, rank, err)
			continue
		}
		res, err := healthpb.NewHealthClient(cc).Check(c, &healthpb.HealthCheckRequest{Service: serviceName})
		if err != nil {
			continue
		}
		if res.Status == healthpb.HealthCheckResponse_SERVING {
			return nil
		}
	}
}

func (n *Node) logf(format string, v ...interface{}) {
	if n.cfg.Logger != nil {
		n.cfg.Logger.Printf(format, v...)
	}
}
