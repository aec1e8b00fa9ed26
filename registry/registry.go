// Package registry records which address serves each rank of a
// balancing group. Registrations live under an etcd lease held by
// the registering process, so they vanish when it exits.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lytics/retry"
	"go.etcd.io/etcd/api/v3/mvccpb"
	etcdv3 "go.etcd.io/etcd/client/v3"
)

// Logger hides the logging function Printf behind a simple
// interface so libraries such as logrus can be used.
type Logger interface {
	Printf(string, ...interface{})
}

var (
	ErrNotOwner                    = errors.New("registry: not owner")
	ErrNotStarted                  = errors.New("registry: not started")
	ErrUnknownRank                 = errors.New("registry: unknown rank")
	ErrNilEtcd                     = errors.New("registry: nil etcd")
	ErrInvalidNamespace            = errors.New("registry: invalid namespace")
	ErrInvalidRank                 = errors.New("registry: invalid rank")
	ErrAlreadyRegistered           = errors.New("registry: already registered")
	ErrFailedRegistration          = errors.New("registry: failed registration")
	ErrFailedDeregistration        = errors.New("registry: failed deregistration")
	ErrLeaseDurationTooShort       = errors.New("registry: lease duration too short")
	ErrUnknownNetAddressType       = errors.New("registry: unknown net address type")
	ErrUnspecifiedNetAddressIP     = errors.New("registry: unspecified net address ip")
	ErrWatchClosedUnexpectedly     = errors.New("registry: watch closed unexpectedly")
	ErrKeepAliveClosedUnexpectedly = errors.New("registry: keep alive closed unexpectedly")
)

var minLeaseDuration = 10 * time.Second

var validNameRegEx = regexp.MustCompile("^[a-zA-Z0-9-_]+$")

// IsNamespaceValid returns true if the namespace matches the
// regular expression "^[a-zA-Z0-9-_]+$".
func IsNamespaceValid(namespace string) bool {
	return namespace != "" && validNameRegEx.MatchString(namespace)
}

// Prefix of every rank key in the namespace.
func Prefix(namespace string) (string, error) {
	if !IsNamespaceValid(namespace) {
		return "", fmt.Errorf("%w: namespace=%s", ErrInvalidNamespace, namespace)
	}
	return fmt.Sprintf("%v.ranks.", namespace), nil
}

// Key of the rank in the namespace.
func Key(namespace string, rank int) (string, error) {
	if rank < 0 {
		return "", fmt.Errorf("%w: rank=%d", ErrInvalidRank, rank)
	}
	prefix, err := Prefix(namespace)
	if err != nil {
		return "", err
	}
	return prefix + strconv.Itoa(rank), nil
}

// Registration of one rank.
type Registration struct {
	Namespace string `json:"namespace"`
	Rank      int    `json:"rank"`
	Address   string `json:"address"`
	Registry  string `json:"registry"`
}

// String description of registration.
func (r *Registration) String() string {
	return fmt.Sprintf("namespace: %v, rank: %v, address: %v, registry: %v",
		r.Namespace, r.Rank, r.Address, r.Registry)
}

// EventType of a watch event.
type EventType int

const (
	Error  EventType = 0
	Delete EventType = 1
	Modify EventType = 2
	Create EventType = 3
)

// WatchEvent triggered by a change in the registry.
type WatchEvent struct {
	Key   string
	Reg   *Registration
	Type  EventType
	Error error
}

// String representation of the watch event.
func (we *WatchEvent) String() string {
	if we.Error != nil {
		return fmt.Sprintf("key: %v, error: %v", we.Key, we.Error)
	}
	typ := "delete"
	switch we.Type {
	case Modify:
		typ = "modify"
	case Create:
		typ = "create"
	}
	return fmt.Sprintf("key: %v, type: %v, registration: %v", we.Key, typ, we.Reg)
}

// Registry of rank addresses.
type Registry struct {
	// mu protects the fields below, use accessors.
	mu       sync.RWMutex
	started  bool
	done     chan bool
	exited   chan bool
	failure  chan error
	kv       etcdv3.KV
	lease    etcdv3.Lease
	leaseID  etcdv3.LeaseID
	client   *etcdv3.Client
	name     string
	address  string
	heartbts int
	newLease func(*etcdv3.Client) etcdv3.Lease

	Logger        Logger
	Timeout       time.Duration
	LeaseDuration time.Duration
}

// New Registry.
func New(client *etcdv3.Client) (*Registry, error) {
	if client == nil {
		return nil, ErrNilEtcd
	}
	return &Registry{
		done:          make(chan bool),
		exited:        make(chan bool),
		failure:       make(chan error, 1),
		kv:            etcdv3.NewKV(client),
		leaseID:       -1,
		client:        client,
		newLease:      etcdv3.NewLease,
		Timeout:       10 * time.Second,
		LeaseDuration: 60 * time.Second,
	}, nil
}

// Start the registry, granting the lease that every registration
// made through it is attached to. The address is the one other
// ranks will be told to dial.
func (rr *Registry) Start(ctx context.Context, addr net.Addr) error {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	if rr.started {
		return nil
	}
	address, err := formatAddress(addr)
	if err != nil {
		return err
	}
	if rr.LeaseDuration < minLeaseDuration {
		return ErrLeaseDurationTooShort
	}
	rr.address = address
	rr.name = formatName(address)
	rr.lease = rr.newLease(rr.client)

	grantCtx, cancel := context.WithTimeout(ctx, rr.Timeout)
	defer cancel()
	res, err := rr.lease.Grant(grantCtx, int64(rr.LeaseDuration.Seconds()))
	if err != nil {
		return fmt.Errorf("registry: granting lease: %w", err)
	}
	rr.leaseID = res.ID

	keepAliveCtx, keepAliveCancel := context.WithCancel(context.Background())
	keepAlive, err := rr.lease.KeepAlive(keepAliveCtx, rr.leaseID)
	if err != nil {
		keepAliveCancel()
		// Nothing will keep the lease alive, give it back so Stop
		// finds the registry unstarted.
		if _, rerr := rr.lease.Revoke(grantCtx, rr.leaseID); rerr != nil {
			rr.logf("registry: %v: revoking lease: %v", rr.name, rerr)
		}
		rr.lease.Close()
		rr.leaseID = -1
		return fmt.Errorf("registry: keep alive: %w", err)
	}

	// The keep alive exits either on Stop, or when etcd stops
	// answering, in which case the failure is reported on Failed.
	go func() {
		defer close(rr.exited)
		defer keepAliveCancel()
		for {
			select {
			case <-rr.done:
				rr.logf("registry: %v: keep alive closed", rr.name)
				return
			case res, open := <-keepAlive:
				if !open {
					select {
					case <-rr.done:
						return
					default:
					}
					rr.logf("registry: %v: keep alive closed unexpectedly", rr.name)
					rr.failure <- ErrKeepAliveClosedUnexpectedly
					return
				}
				rr.mu.Lock()
				rr.heartbts++
				rr.mu.Unlock()
				rr.logf("registry: %v: keep alive responded with heartbeat TTL: %vs", rr.name, res.TTL)
			}
		}
	}()

	rr.started = true
	return nil
}

// Failed reports a lost lease. Registrations made through the
// registry must be considered gone once it fires.
func (rr *Registry) Failed() <-chan error {
	return rr.failure
}

// Address of this registry in the format of <ip>:<port>
func (rr *Registry) Address() string {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	return rr.address
}

// Name of the registry, a human readable ASCII form of the address.
func (rr *Registry) Name() string {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	return rr.name
}

// Started reports if Start succeeded.
func (rr *Registry) Started() bool {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	return rr.started
}

func (rr *Registry) heartbeats() int {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	return rr.heartbts
}

// Stop the registry and revoke its lease, removing every
// registration made through it.
func (rr *Registry) Stop() error {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	if rr.leaseID < 0 {
		return nil
	}
	select {
	case <-rr.done:
		return nil
	default:
	}
	close(rr.done)
	// Release the lock while the keep alive exits, it
	// takes it to count heartbeats.
	rr.mu.Unlock()
	<-rr.exited
	rr.mu.Lock()

	ctx, cancel := context.WithTimeout(context.Background(), rr.Timeout)
	defer cancel()
	if _, err := rr.lease.Revoke(ctx, rr.leaseID); err != nil {
		return fmt.Errorf("registry: revoking lease: %w", err)
	}
	return rr.lease.Close()
}

// Register the rank in the namespace at this registry's address.
// A rank can be registered only once.
func (rr *Registry) Register(c context.Context, namespace string, rank int) error {
	key, err := Key(namespace, rank)
	if err != nil {
		return err
	}

	rr.mu.RLock()
	defer rr.mu.RUnlock()

	if rr.leaseID < 0 {
		return ErrNotStarted
	}

	value, err := json.Marshal(&Registration{
		Namespace: namespace,
		Rank:      rank,
		Address:   rr.address,
		Registry:  rr.name,
	})
	if err != nil {
		return err
	}
	txnRes, err := rr.kv.Txn(c).
		If(etcdv3.Compare(etcdv3.Version(key), "=", 0)).
		Then(etcdv3.OpPut(key, string(value), etcdv3.WithLease(rr.leaseID))).
		Else(etcdv3.OpGet(key)).
		Commit()
	if err != nil {
		return err
	}
	if txnRes.Succeeded {
		rr.logf("registry: %v: registered rank %d of %v", rr.name, rank, namespace)
		return nil
	}
	// The key exists, registering again from the same address
	// is a no-op.
	if rng := txnRes.Responses[0].GetResponseRange(); rng != nil && len(rng.Kvs) > 0 {
		reg := &Registration{}
		if err := json.Unmarshal(rng.Kvs[0].Value, reg); err == nil && reg.Address == rr.address {
			return nil
		}
		return fmt.Errorf("%w: rank %d of %v", ErrAlreadyRegistered, rank, namespace)
	}
	return ErrFailedRegistration
}

// Deregister the rank. Transient etcd failures are retried.
func (rr *Registry) Deregister(c context.Context, namespace string, rank int) error {
	key, err := Key(namespace, rank)
	if err != nil {
		return err
	}

	rr.mu.RLock()
	defer rr.mu.RUnlock()

	if rr.leaseID < 0 {
		return ErrNotStarted
	}
	select {
	case <-rr.done:
		// Already stopped, etcd removed every key of the lease.
		return nil
	default:
	}

	var derr error
	_ = retry.XWithContext(c, 3, 250*time.Millisecond, func(c context.Context) error {
		derr = rr.deregister(c, key)
		if errors.Is(derr, ErrNotOwner) {
			return nil
		}
		return derr
	})
	return derr
}

func (rr *Registry) deregister(c context.Context, key string) error {
	getRes, err := rr.kv.Get(c, key, etcdv3.WithLimit(1))
	if err != nil {
		return err
	}
	if getRes.Count == 0 {
		return nil
	}
	kv := getRes.Kvs[0]
	reg := &Registration{}
	if err := json.Unmarshal(kv.Value, reg); err != nil {
		return err
	}
	if reg.Address != rr.address {
		return ErrNotOwner
	}
	txnRes, err := rr.kv.Txn(c).
		If(etcdv3.Compare(etcdv3.Version(key), "=", kv.Version)).
		Then(etcdv3.OpDelete(key)).
		Commit()
	if err != nil {
		return err
	}
	if !txnRes.Succeeded {
		return ErrFailedDeregistration
	}
	return nil
}

// FindRegistration of the rank in the namespace.
func (rr *Registry) FindRegistration(c context.Context, namespace string, rank int) (*Registration, error) {
	key, err := Key(namespace, rank)
	if err != nil {
		return nil, err
	}
	getRes, err := rr.kv.Get(c, key, etcdv3.WithLimit(1))
	if err != nil {
		return nil, err
	}
	if getRes.Count == 0 {
		return nil, fmt.Errorf("%w: rank %d of %v", ErrUnknownRank, rank, namespace)
	}
	reg := &Registration{}
	if err := json.Unmarshal(getRes.Kvs[0].Value, reg); err != nil {
		return nil, err
	}
	return reg, nil
}

// FindRegistrations of every rank in the namespace, ordered by rank.
func (rr *Registry) FindRegistrations(c context.Context, namespace string) ([]*Registration, error) {
	prefix, err := Prefix(namespace)
	if err != nil {
		return nil, err
	}
	getRes, err := rr.kv.Get(c, prefix, etcdv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	regs, err := unmarshalAll(getRes.Kvs)
	if err != nil {
		return nil, err
	}
	return regs, nil
}

// Watch the ranks of a namespace. The current registrations are
// returned along with a channel of changes made after them. The
// channel is closed when the context is done.
func (rr *Registry) Watch(c context.Context, namespace string) ([]*Registration, <-chan *WatchEvent, error) {
	prefix, err := Prefix(namespace)
	if err != nil {
		return nil, nil, err
	}
	getRes, err := rr.kv.Get(c, prefix, etcdv3.WithPrefix())
	if err != nil {
		return nil, nil, err
	}
	regs, err := unmarshalAll(getRes.Kvs)
	if err != nil {
		return nil, nil, err
	}

	events := make(chan *WatchEvent)
	put := func(we *WatchEvent) bool {
		select {
		case <-c.Done():
			return false
		case events <- we:
			return true
		}
	}

	deltas := rr.client.Watch(c, prefix, etcdv3.WithPrefix(), etcdv3.WithRev(getRes.Header.Revision+1))
	go func() {
		defer close(events)
		for delta := range deltas {
			if err := delta.Err(); err != nil {
				put(&WatchEvent{Type: Error, Error: err})
				return
			}
			for _, ev := range delta.Events {
				if !put(watchEvent(ev)) {
					return
				}
			}
		}
		select {
		case <-c.Done():
		default:
			put(&WatchEvent{Type: Error, Error: ErrWatchClosedUnexpectedly})
		}
	}()
	return regs, events, nil
}

func watchEvent(ev *etcdv3.Event) *WatchEvent {
	we := &WatchEvent{Key: string(ev.Kv.Key)}
	switch {
	case ev.IsCreate():
		we.Type = Create
	case ev.IsModify():
		we.Type = Modify
	default:
		// Delete events carry no value.
		we.Type = Delete
		return we
	}
	reg := &Registration{}
	if err := json.Unmarshal(ev.Kv.Value, reg); err != nil {
		we.Type = Error
		we.Error = fmt.Errorf("%v: failed unmarshaling value: '%s'", err, ev.Kv.Value)
		return we
	}
	we.Reg = reg
	return we
}

func unmarshalAll(kvs []*mvccpb.KeyValue) ([]*Registration, error) {
	regs := make([]*Registration, 0, len(kvs))
	for _, kv := range kvs {
		reg := &Registration{}
		if err := json.Unmarshal(kv.Value, reg); err != nil {
			return nil, err
		}
		regs = append(regs, reg)
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].Rank < regs[j].Rank })
	return regs, nil
}

func (rr *Registry) logf(format string, v ...interface{}) {
	if rr.Logger != nil {
		rr.Logger.Printf(format, v...)
	}
}

// formatName formats the address into a human readable form,
// removing any special characters.
func formatName(address string) string {
	name := address
	name = strings.Replace(name, ":", "-", -1)
	name = strings.Replace(name, ".", "-", -1)
	name = strings.Replace(name, "/", "-", -1)
	name = strings.Trim(name, "~\\!?@#$%^&*()<>+=|[]")
	return strings.TrimSpace(name)
}

// formatAddress as ip:port, since just calling String()
// on the address can return some funky formatting.
func formatAddress(addr net.Addr) (string, error) {
	switch addr := addr.(type) {
	default:
		return "", ErrUnknownNetAddressType
	case *net.TCPAddr:
		if addr.IP.IsUnspecified() {
			return "", ErrUnspecifiedNetAddressIP
		}
		return net.JoinHostPort(addr.IP.String(), strconv.Itoa(addr.Port)), nil
	}
}
