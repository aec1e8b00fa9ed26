package cellbalance

import "math"

// typeGoals of one cell type across every rank.
type typeGoals struct {
	goal      []int64
	leftovers int64
	// numZero is the number of ranks with a zero goal.
	numZero int
}

// computeGoals gives each rank floor(total * weight) cells, the
// units lost to truncation are the leftovers.
func computeGoals(total int64, weights []float64) typeGoals {
	tg := typeGoals{goal: make([]int64, len(weights))}
	var sum int64
	for p, w := range weights {
		g := int64(math.Floor(float64(total) * w))
		if g < 0 {
			g = 0
		}
		if g == 0 {
			tg.numZero++
		}
		tg.goal[p] = g
		sum += g
	}
	tg.leftovers = total - sum
	return tg
}
