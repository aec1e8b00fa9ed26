package grpcgroup

import (
	"time"

	"github.com/lytics/cellbalance/registry"
	"github.com/prometheus/client_golang/prometheus"
)

// Logger hides the logging function Printf behind a simple
// interface so libraries such as logrus can be used.
type Logger interface {
	Printf(string, ...interface{})
}

// Cfg of a node.
type Cfg struct {
	// Namespace of the group, every member must use the same.
	// Must match "^[a-zA-Z0-9-_]+$".
	Namespace string
	// Rank of the local member and Size of the group.
	Rank int
	Size int
	// Timeout of each delivery attempt.
	Timeout time.Duration
	// SendRetries is the number of delivery attempts of a
	// message before Send fails.
	SendRetries int
	// RetryBackoff between delivery attempts.
	RetryBackoff time.Duration
	// Registry, when set, is started on Serve and the local rank
	// registered in it, so that peers using a RegistryResolver
	// can find this node.
	Registry *registry.Registry
	// Registerer for the node's metrics, nil disables them.
	Registerer prometheus.Registerer
	// Logger optional.
	Logger Logger
}

// setCfgDefaults for fields which were not set.
func setCfgDefaults(cfg *Cfg) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.SendRetries == 0 {
		cfg.SendRetries = 3
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 250 * time.Millisecond
	}
}
