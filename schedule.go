package cellbalance

import (
	"bytes"
	"fmt"
)

// PeerCounts is one entry of a send or receive list: how many
// cells of each type go to, or come from, a peer rank.
type PeerCounts struct {
	Rank   int
	Counts Counts
}

// Schedule tells one rank how many cells of each type it must
// send to which peers and how many to expect from which peers.
type Schedule struct {
	Rank     int
	Current  Counts
	Sends    []PeerCounts
	Receives []PeerCounts
}

// TotalSend per cell type over all destinations.
func (s *Schedule) TotalSend() Counts {
	var c Counts
	for _, pc := range s.Sends {
		c = c.Add(pc.Counts)
	}
	return c
}

// TotalReceive per cell type over all sources.
func (s *Schedule) TotalReceive() Counts {
	var c Counts
	for _, pc := range s.Receives {
		c = c.Add(pc.Counts)
	}
	return c
}

// Final counts once every transfer of the schedule is done.
func (s *Schedule) Final() Counts {
	return s.Current.Sub(s.TotalSend()).Add(s.TotalReceive())
}

// SendTo returns the counts sent to the given rank.
func (s *Schedule) SendTo(rank int) (Counts, bool) {
	for _, pc := range s.Sends {
		if pc.Rank == rank {
			return pc.Counts, true
		}
	}
	return Counts{}, false
}

// ReceiveFrom returns the counts expected from the given rank.
func (s *Schedule) ReceiveFrom(rank int) (Counts, bool) {
	for _, pc := range s.Receives {
		if pc.Rank == rank {
			return pc.Counts, true
		}
	}
	return Counts{}, false
}

func (s *Schedule) String() string {
	var buf bytes.Buffer
	buf.WriteString(fmt.Sprintf("rank %d: current %v", s.Rank, s.Current))
	for _, pc := range s.Sends {
		buf.WriteString(fmt.Sprintf(", send %v to %d", pc.Counts, pc.Rank))
	}
	for _, pc := range s.Receives {
		buf.WriteString(fmt.Sprintf(", receive %v from %d", pc.Counts, pc.Rank))
	}
	return buf.String()
}
