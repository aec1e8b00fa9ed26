package cellbalance

import (
	"fmt"
	"strings"
	"time"
)

// Logger hides the logging function Printf behind a simple
// interface so libraries such as logrus can be used.
type Logger interface {
	Printf(string, ...interface{})
}

// ZeroSumPolicy decides what normalization does when every
// weight is zero.
type ZeroSumPolicy int

const (
	// ZeroSumReject fails the pass with ErrZeroWeightSum.
	ZeroSumReject ZeroSumPolicy = iota
	// ZeroSumUniform resets the weights to 1/P and logs a warning.
	ZeroSumUniform
)

func (p ZeroSumPolicy) String() string {
	switch p {
	case ZeroSumReject:
		return "reject"
	case ZeroSumUniform:
		return "uniform"
	default:
		return fmt.Sprintf("zerosum(%d)", int(p))
	}
}

// ParseZeroSumPolicy from its string form, an empty string
// is the default policy.
func ParseZeroSumPolicy(s string) (ZeroSumPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reject":
		return ZeroSumReject, nil
	case "uniform":
		return ZeroSumUniform, nil
	default:
		return 0, fmt.Errorf("unknown zero sum policy: %q", s)
	}
}

// Cfg of a Balancer, fields with their zero value will
// receive defaults.
type Cfg struct {
	// Timeout bounds a whole balancing pass. Negative
	// disables the deadline.
	Timeout time.Duration
	ZeroSum ZeroSumPolicy
	Logger  Logger
}

// setCfgDefaults for those fields that have their zero value.
func setCfgDefaults(cfg *Cfg) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
}
