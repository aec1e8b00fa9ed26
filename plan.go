package cellbalance

import (
	"fmt"
	"sort"
)

// Plan is the coordinator's view of one balancing pass: the goals
// it computed and the schedule of every rank.
type Plan struct {
	Totals    Counts
	Goals     [NumCellTypes][]int64
	Leftovers Counts
	Transfers []Transfer
	// Schedules indexed by rank.
	Schedules []*Schedule
}

// BuildPlan from the per-rank counts and normalized weights. Each
// cell type is matched independently, then the transfers are merged
// into one send list and one receive list per rank.
func BuildPlan(counts []Counts, weights []float64) (*Plan, error) {
	size := len(counts)
	if size == 0 || size != len(weights) {
		return nil, fmt.Errorf("%w: %d counts and %d weights", ErrInvalidGroupSize, size, len(weights))
	}

	var weightSum float64
	zeroWeight := make([]bool, size)
	for p, w := range weights {
		if w < 0 {
			return nil, fmt.Errorf("%w: rank %d has weight %v", ErrInvalidWeight, p, w)
		}
		zeroWeight[p] = w == 0
		weightSum += w
	}
	if weightSum == 0 {
		return nil, ErrZeroWeightSum
	}

	plan := &Plan{Schedules: make([]*Schedule, size)}
	for p, c := range counts {
		for t, v := range c {
			if v < 0 {
				return nil, fmt.Errorf("%w: rank %d has %d %v", ErrMalformedCounts, p, v, CellType(t))
			}
		}
		plan.Totals = plan.Totals.Add(c)
		plan.Schedules[p] = &Schedule{Rank: p, Current: c}
	}

	current := make([]int64, size)
	for t := 0; t < NumCellTypes; t++ {
		typ := CellType(t)
		tg := computeGoals(plan.Totals[t], weights)
		if tg.leftovers < 0 {
			return nil, fmt.Errorf("%w: %v goals exceed total %d", ErrProtocolViolation, typ, plan.Totals[t])
		}
		plan.Goals[t] = tg.goal
		plan.Leftovers[t] = tg.leftovers

		for p := range counts {
			current[p] = counts[p][t]
		}
		transfers, err := matchType(typ, current, tg, zeroWeight)
		if err != nil {
			return nil, err
		}
		plan.Transfers = append(plan.Transfers, transfers...)
	}

	sends := make([]map[int]*Counts, size)
	receives := make([]map[int]*Counts, size)
	for _, tr := range plan.Transfers {
		addPeerCount(&sends[tr.From], tr.To, tr.Type, tr.Count)
		addPeerCount(&receives[tr.To], tr.From, tr.Type, tr.Count)
	}
	for p, s := range plan.Schedules {
		s.Sends = peerList(sends[p])
		s.Receives = peerList(receives[p])
	}
	return plan, nil
}

func addPeerCount(m *map[int]*Counts, peer int, typ CellType, n int64) {
	if *m == nil {
		*m = make(map[int]*Counts)
	}
	c, ok := (*m)[peer]
	if !ok {
		c = &Counts{}
		(*m)[peer] = c
	}
	c[typ] += n
}

// peerList flattens a peer map into a list ordered by rank.
func peerList(m map[int]*Counts) []PeerCounts {
	if len(m) == 0 {
		return nil
	}
	out := make([]PeerCounts, 0, len(m))
	for rank, c := range m {
		out = append(out, PeerCounts{Rank: rank, Counts: *c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out
}
