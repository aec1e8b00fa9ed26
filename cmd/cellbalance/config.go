package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/lytics/cellbalance"
	"gopkg.in/yaml.v3"
)

// config of a balancing run, read from YAML.
//
//	namespace: demo
//	timeout: 30s
//	zero_sum: reject
//	weights:
//	  - {start: 0, stop: 1, weight: 2}
//	counts:
//	  - [12, 0, 0, 0]
//	  - [0, 8, 3, 0]
type config struct {
	Namespace string        `yaml:"namespace"`
	Timeout   time.Duration `yaml:"timeout"`
	ZeroSum   string        `yaml:"zero_sum"`
	Weights   []weightRange `yaml:"weights"`
	// Counts indexed by rank, one value per cell type.
	Counts [][]int64 `yaml:"counts"`
}

type weightRange struct {
	Start  int     `yaml:"start"`
	Stop   int     `yaml:"stop"`
	Weight float64 `yaml:"weight"`
}

func loadConfig(path string) (*config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*config, error) {
	cfg := &config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "cellbalance"
	}
	if len(cfg.Counts) == 0 {
		return nil, fmt.Errorf("config: no counts")
	}
	for rank, c := range cfg.Counts {
		if len(c) != cellbalance.NumCellTypes {
			return nil, fmt.Errorf("config: rank %d has %d counts, expected %d", rank, len(c), cellbalance.NumCellTypes)
		}
	}
	if _, err := cellbalance.ParseZeroSumPolicy(cfg.ZeroSum); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Size of the group.
func (c *config) Size() int {
	return len(c.Counts)
}

func (c *config) balancerCfg(logger cellbalance.Logger) cellbalance.Cfg {
	// Validated on parse.
	policy, _ := cellbalance.ParseZeroSumPolicy(c.ZeroSum)
	return cellbalance.Cfg{
		Timeout: c.Timeout,
		ZeroSum: policy,
		Logger:  logger,
	}
}

// applyWeights of the config to the balancer.
func (c *config) applyWeights(b *cellbalance.Balancer) error {
	for _, w := range c.Weights {
		if err := b.SetWeight(w.Start, w.Stop, w.Weight); err != nil {
			return fmt.Errorf("setting weight of [%d, %d]: %w", w.Start, w.Stop, err)
		}
	}
	return nil
}

// localCounts of the rank.
func (c *config) localCounts(rank int) cellbalance.Counts {
	var counts cellbalance.Counts
	copy(counts[:], c.Counts[rank])
	return counts
}

func formatCounts(c cellbalance.Counts) string {
	parts := make([]string, 0, cellbalance.NumCellTypes)
	for t, v := range c {
		parts = append(parts, fmt.Sprintf("%v=%v", cellbalance.CellType(t), humanize.Comma(v)))
	}
	return strings.Join(parts, " ")
}

func printSchedule(w io.Writer, s *cellbalance.Schedule) {
	fmt.Fprintf(w, "rank %d: current %v\n", s.Rank, formatCounts(s.Current))
	for _, pc := range s.Sends {
		fmt.Fprintf(w, "  send to rank %d: %v\n", pc.Rank, formatCounts(pc.Counts))
	}
	for _, pc := range s.Receives {
		fmt.Fprintf(w, "  receive from rank %d: %v\n", pc.Rank, formatCounts(pc.Counts))
	}
	fmt.Fprintf(w, "  final %v (%v cells)\n", formatCounts(s.Final()), humanize.Comma(s.Final().Total()))
}
