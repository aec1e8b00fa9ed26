package registry

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/lytics/cellbalance/testetcd"
	etcdv3 "go.etcd.io/etcd/client/v3"
)

const (
	start     = true
	dontStart = false
)

func TestKey(t *testing.T) {
	t.Parallel()

	key, err := Key("ns-1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if key != "ns-1.ranks.3" {
		t.Fatalf("unexpected key: %v", key)
	}
	if _, err := Key("bad namespace", 0); !errors.Is(err, ErrInvalidNamespace) {
		t.Fatalf("expected invalid namespace, got: %v", err)
	}
	if _, err := Key("ns", -1); !errors.Is(err, ErrInvalidRank) {
		t.Fatalf("expected invalid rank, got: %v", err)
	}
}

func TestNewNilEtcd(t *testing.T) {
	t.Parallel()
	if _, err := New(nil); err != ErrNilEtcd {
		t.Fatalf("expected nil etcd error, got: %v", err)
	}
}

func TestInitialLeaseID(t *testing.T) {
	t.Parallel()
	_, r, _ := bootstrap(t, dontStart)

	if r.leaseID != -1 {
		t.Fatal("lease id not initialized correctly")
	}
	if err := r.Register(context.Background(), "ns", 0); err != ErrNotStarted {
		t.Fatalf("expected not started, got: %v", err)
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	_, r, _ := bootstrap(t, start)

	if !r.Started() {
		t.Fatal("registry not started")
	}
	if err := r.Stop(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-r.done:
	default:
		t.Fatal("registry failed to stop")
	}
	// Stopping twice is fine.
	if err := r.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestStartKeepAliveFailure(t *testing.T) {
	t.Parallel()
	client, r, addr := bootstrap(t, dontStart)

	// A closed lessor still grants, but can not keep alive.
	r.newLease = func(c *etcdv3.Client) etcdv3.Lease {
		l := etcdv3.NewLease(c)
		l.Close()
		return l
	}
	if err := r.Start(context.Background(), addr); err == nil {
		t.Fatal("expected keep alive error")
	}
	if r.Started() {
		t.Fatal("registry started without keep alive")
	}
	if r.leaseID != -1 {
		t.Fatalf("lease id not reset: %v", r.leaseID)
	}

	stopped := make(chan error, 1)
	go func() {
		stopped <- r.Stop()
	}()
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stop blocked after failed start")
	}

	ctx, cancel := timeoutContext()
	defer cancel()
	res, err := client.Leases(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Leases) != 0 {
		t.Fatalf("lease not revoked: %v", res.Leases)
	}
}

func TestLeaseDurationTooShort(t *testing.T) {
	t.Parallel()
	_, r, addr := bootstrap(t, dontStart)

	r.LeaseDuration = time.Second
	if err := r.Start(context.Background(), addr); err != ErrLeaseDurationTooShort {
		t.Fatalf("expected lease duration too short, got: %v", err)
	}
}

func TestKeepAlive(t *testing.T) {
	t.Parallel()
	_, r, _ := bootstrap(t, start)

	deadline := time.Now().Add(10 * time.Second)
	for r.heartbeats() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no keep alive heartbeat")
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func TestRegisterFind(t *testing.T) {
	t.Parallel()
	client, r, addr := bootstrap(t, start)

	ctx, cancel := timeoutContext()
	defer cancel()

	if err := r.Register(ctx, "ns", 0); err != nil {
		t.Fatal(err)
	}
	// Registering again from the same address is a no-op.
	if err := r.Register(ctx, "ns", 0); err != nil {
		t.Fatal(err)
	}

	reg, err := r.FindRegistration(ctx, "ns", 0)
	if err != nil {
		t.Fatal(err)
	}
	if reg.Address != addr.String() {
		t.Fatalf("expected address %v, got: %v", addr, reg.Address)
	}
	if reg.Rank != 0 || reg.Namespace != "ns" || reg.Registry != r.Name() {
		t.Fatalf("unexpected registration: %v", reg)
	}

	// A different address can not take the rank.
	other, err := New(client)
	if err != nil {
		t.Fatal(err)
	}
	other.LeaseDuration = 10 * time.Second
	if err := other.Start(ctx, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: addr.Port + 1}); err != nil {
		t.Fatal(err)
	}
	defer other.Stop()
	if err := other.Register(ctx, "ns", 0); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("expected already registered, got: %v", err)
	}
	if err := other.Deregister(ctx, "ns", 0); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected not owner, got: %v", err)
	}
}

func TestFindRegistrationsOrderedByRank(t *testing.T) {
	t.Parallel()
	_, r, _ := bootstrap(t, start)

	ctx, cancel := timeoutContext()
	defer cancel()

	for _, rank := range []int{10, 2, 1} {
		if err := r.Register(ctx, "ns", rank); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.Register(ctx, "other", 5); err != nil {
		t.Fatal(err)
	}

	regs, err := r.FindRegistrations(ctx, "ns")
	if err != nil {
		t.Fatal(err)
	}
	if len(regs) != 3 {
		t.Fatalf("expected 3 registrations, got: %v", len(regs))
	}
	for i, rank := range []int{1, 2, 10} {
		if regs[i].Rank != rank {
			t.Fatalf("expected rank %d at %d, got: %v", rank, i, regs[i])
		}
	}
}

func TestDeregister(t *testing.T) {
	t.Parallel()
	_, r, _ := bootstrap(t, start)

	ctx, cancel := timeoutContext()
	defer cancel()

	if err := r.Register(ctx, "ns", 1); err != nil {
		t.Fatal(err)
	}
	if err := r.Deregister(ctx, "ns", 1); err != nil {
		t.Fatal(err)
	}
	if _, err := r.FindRegistration(ctx, "ns", 1); !errors.Is(err, ErrUnknownRank) {
		t.Fatalf("expected unknown rank, got: %v", err)
	}
	// Deregistering an unknown rank is fine.
	if err := r.Deregister(ctx, "ns", 1); err != nil {
		t.Fatal(err)
	}
}

func TestStopRevokesRegistrations(t *testing.T) {
	t.Parallel()
	client, r, _ := bootstrap(t, start)

	ctx, cancel := timeoutContext()
	defer cancel()

	if err := r.Register(ctx, "ns", 0); err != nil {
		t.Fatal(err)
	}
	if err := r.Stop(); err != nil {
		t.Fatal(err)
	}

	key, err := Key("ns", 0)
	if err != nil {
		t.Fatal(err)
	}
	res, err := client.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if res.Count != 0 {
		t.Fatal("registration survived stop")
	}
}

func TestWatch(t *testing.T) {
	t.Parallel()
	_, r, _ := bootstrap(t, start)

	ctx, cancel := timeoutContext()
	defer cancel()

	if err := r.Register(ctx, "ns", 0); err != nil {
		t.Fatal(err)
	}

	initial, events, err := r.Watch(ctx, "ns")
	if err != nil {
		t.Fatal(err)
	}
	if len(initial) != 1 || initial[0].Rank != 0 {
		t.Fatalf("unexpected initial registrations: %v", initial)
	}

	if err := r.Register(ctx, "ns", 1); err != nil {
		t.Fatal(err)
	}
	select {
	case e := <-events:
		if e.Type != Create || e.Reg == nil || e.Reg.Rank != 1 {
			t.Fatalf("unexpected event: %v", e)
		}
	case <-ctx.Done():
		t.Fatal("no create event")
	}

	if err := r.Deregister(ctx, "ns", 1); err != nil {
		t.Fatal(err)
	}
	select {
	case e := <-events:
		if e.Type != Delete {
			t.Fatalf("unexpected event: %v", e)
		}
	case <-ctx.Done():
		t.Fatal("no delete event")
	}
}

func TestFormatAddress(t *testing.T) {
	t.Parallel()

	addr, err := formatAddress(&net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 7777})
	if err != nil {
		t.Fatal(err)
	}
	if addr != "10.0.0.1:7777" {
		t.Fatalf("unexpected address: %v", addr)
	}
	if name := formatName(addr); name != "10-0-0-1-7777" {
		t.Fatalf("unexpected name: %v", name)
	}
	if _, err := formatAddress(&net.TCPAddr{IP: net.IPv4zero, Port: 1}); err != ErrUnspecifiedNetAddressIP {
		t.Fatalf("expected unspecified ip, got: %v", err)
	}
	if _, err := formatAddress(&net.UDPAddr{}); err != ErrUnknownNetAddressType {
		t.Fatalf("expected unknown address type, got: %v", err)
	}
}

func bootstrap(t testing.TB, shouldStart bool) (*etcdv3.Client, *Registry, *net.TCPAddr) {
	t.Helper()
	embed := testetcd.NewEmbedded(t)
	client := testetcd.StartAndConnect(t, embed.Endpoints())

	addr := &net.TCPAddr{
		IP:   net.IPv4(127, 0, 0, 1),
		Port: 4000,
	}

	r, err := New(client)
	if err != nil {
		t.Fatal(err)
	}
	r.LeaseDuration = 10 * time.Second
	t.Cleanup(func() {
		if err := r.Stop(); err != nil {
			t.Error(err)
		}
	})

	if shouldStart {
		if err := r.Start(context.Background(), addr); err != nil {
			t.Fatal(err)
		}
	}
	return client, r, addr
}

func timeoutContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
