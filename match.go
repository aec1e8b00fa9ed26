package cellbalance

import (
	"fmt"
	"sort"
)

// Transfer of Count cells of one type from one rank to another.
type Transfer struct {
	From  int
	To    int
	Type  CellType
	Count int64
}

// matchOrder returns rank indexes sorted by descending surplus.
// Equal surplus puts zero-weight ranks first, then ascending rank.
func matchOrder(current, goal []int64, zeroWeight []bool) []int {
	order := make([]int, len(current))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		a, b := order[i], order[j]
		sa, sb := current[a]-goal[a], current[b]-goal[b]
		if sa != sb {
			return sa > sb
		}
		if zeroWeight[a] != zeroWeight[b] {
			return zeroWeight[a]
		}
		return a < b
	})
	return order
}

// matchType pairs ranks holding more cells of type typ than their
// goal with ranks holding fewer. Two cursors walk the surplus
// ordering: start over donors, last over receivers. Leftover units
// are absorbed one each by donors with a non-zero goal, and once the
// remaining receivers are no more than the leftovers, by receivers.
func matchType(typ CellType, counts []int64, tg typeGoals, zeroWeight []bool) ([]Transfer, error) {
	current := make([]int64, len(counts))
	copy(current, counts)
	goal := tg.goal
	leftovers := tg.leftovers
	numZero := int64(tg.numZero)

	order := matchOrder(current, goal, zeroWeight)

	var transfers []Transfer
	start, last := 0, len(order)-1
	recflag := false
	for start < last {
		donor := order[start]
		numToSend := current[donor] - goal[donor]
		if leftovers > 0 && goal[donor] != 0 {
			numToSend--
			leftovers--
		}

		for numToSend > 0 {
			if start == last {
				// No receivers remain. A zero-weight donor is
				// drained below, any other donor keeps what is
				// still owed as leftover units.
				if zeroWeight[donor] {
					break
				}
				if numToSend > leftovers {
					return nil, fmt.Errorf("%w: %v: rank %d has %d cells left to send and %d leftovers",
						ErrProtocolViolation, typ, donor, numToSend, leftovers)
				}
				leftovers -= numToSend
				break
			}

			receiver := order[last]
			numToReceive := goal[receiver] - current[receiver]
			if !zeroWeight[receiver] {
				slots := int64(last-start) - numZero
				if (slots <= leftovers && leftovers > 0) || recflag {
					numToReceive++
					if !recflag {
						leftovers--
					}
					recflag = true
				}
			}

			switch {
			case numToReceive <= 0:
				last--
				recflag = false
			case numToSend >= numToReceive:
				transfers = append(transfers, Transfer{From: donor, To: receiver, Type: typ, Count: numToReceive})
				current[donor] -= numToReceive
				current[receiver] += numToReceive
				numToSend -= numToReceive
				last--
				recflag = false
			default:
				transfers = append(transfers, Transfer{From: donor, To: receiver, Type: typ, Count: numToSend})
				current[donor] -= numToSend
				current[receiver] += numToSend
				numToSend = 0
			}
		}
		start++
	}

	// The cursors can meet before every zero-weight rank has been
	// emptied, their cells go to the ranks furthest below goal.
	for _, p := range order {
		if zeroWeight[p] && current[p] > 0 {
			transfers = append(transfers, drain(typ, p, current, goal, zeroWeight)...)
		}
	}
	return transfers, nil
}

// drain moves every cell held by rank from, one at a time, to the
// non-zero-weight rank with the least surplus, lowest rank first.
func drain(typ CellType, from int, current, goal []int64, zeroWeight []bool) []Transfer {
	given := make(map[int]int64)
	for current[from] > 0 {
		to := -1
		for p := range current {
			if zeroWeight[p] {
				continue
			}
			if to < 0 || current[p]-goal[p] < current[to]-goal[to] {
				to = p
			}
		}
		if to < 0 {
			break
		}
		current[from]--
		current[to]++
		given[to]++
	}

	transfers := make([]Transfer, 0, len(given))
	for to, n := range given {
		transfers = append(transfers, Transfer{From: from, To: to, Type: typ, Count: n})
	}
	sort.Slice(transfers, func(i, j int) bool { return transfers[i].To < transfers[j].To })
	return transfers
}
