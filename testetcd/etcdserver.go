// Package testetcd runs an embedded etcd server for tests.
package testetcd

import (
	"fmt"
	"net"
	"net/url"
	"testing"
	"time"

	etcdv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"
)

// Embedded etcd server.
type Embedded struct {
	cfg  *embed.Config
	etcd *embed.Etcd
}

// Endpoints of the embedded server's client listeners.
func (e *Embedded) Endpoints() []string {
	out := make([]string, 0, len(e.cfg.ListenClientUrls))
	for _, u := range e.cfg.ListenClientUrls {
		out = append(out, u.String())
	}
	return out
}

// NewEmbedded starts an etcd server in a temporary directory,
// it is stopped when the test finishes.
func NewEmbedded(t testing.TB) *Embedded {
	t.Helper()

	cfg := embed.NewConfig()
	cfg.Dir = t.TempDir()
	cfg.LogLevel = "error"

	peer, client, err := freeUrls()
	if err != nil {
		t.Fatal(err)
	}
	cfg.ListenPeerUrls = []url.URL{peer}
	cfg.AdvertisePeerUrls = []url.URL{peer}
	cfg.ListenClientUrls = []url.URL{client}
	cfg.AdvertiseClientUrls = []url.URL{client}
	// Must be called after the peer urls are set.
	cfg.InitialCluster = cfg.InitialClusterFromName(cfg.Name)

	e, err := embed.StartEtcd(cfg)
	if err != nil {
		t.Fatalf("failed starting etcd: %v", err)
	}
	t.Cleanup(e.Close)

	select {
	case <-e.Server.ReadyNotify():
	case err := <-e.Err():
		t.Fatalf("etcd failed during startup: %v", err)
	case <-time.After(60 * time.Second):
		e.Server.Stop()
		t.Fatal("etcd took too long to start")
	}
	return &Embedded{cfg: cfg, etcd: e}
}

// StartAndConnect returns a client of the etcd at the given
// endpoints, it is closed when the test finishes.
func StartAndConnect(t testing.TB, endpoints []string) *etcdv3.Client {
	t.Helper()
	client, err := etcdv3.New(etcdv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		client.Close()
	})
	return client
}

func freeUrls() (peer, client url.URL, err error) {
	p1, err := freePort()
	if err != nil {
		return peer, client, err
	}
	p2, err := freePort()
	if err != nil {
		return peer, client, err
	}
	peer = url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", p1)}
	client = url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", p2)}
	return peer, client, nil
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
