package cellbalance

import "fmt"

// EncodeSchedule into the two flat buffers sent to a peer.
//
// ids:    [sendCount, receiveCount, dest_0..dest_n-1, src_0..src_m-1]
// counts: [current(4), send_0(4)..send_n-1(4), receive_0(4)..receive_m-1(4)]
func EncodeSchedule(s *Schedule) (ids []int32, counts []int64) {
	ids = make([]int32, 0, 2+len(s.Sends)+len(s.Receives))
	ids = append(ids, int32(len(s.Sends)), int32(len(s.Receives)))
	for _, pc := range s.Sends {
		ids = append(ids, int32(pc.Rank))
	}
	for _, pc := range s.Receives {
		ids = append(ids, int32(pc.Rank))
	}

	counts = make([]int64, 0, NumCellTypes*(1+len(s.Sends)+len(s.Receives)))
	counts = append(counts, s.Current[:]...)
	for _, pc := range s.Sends {
		counts = append(counts, pc.Counts[:]...)
	}
	for _, pc := range s.Receives {
		counts = append(counts, pc.Counts[:]...)
	}
	return ids, counts
}

// DecodeSchedule of the given rank from its two flat buffers.
func DecodeSchedule(rank int, ids []int32, counts []int64) (*Schedule, error) {
	if len(ids) < 2 {
		return nil, fmt.Errorf("%w: id buffer of length %d", ErrMalformedSchedule, len(ids))
	}
	nsend, nrecv := int(ids[0]), int(ids[1])
	if nsend < 0 || nrecv < 0 {
		return nil, fmt.Errorf("%w: negative list length", ErrMalformedSchedule)
	}
	if len(ids) != 2+nsend+nrecv {
		return nil, fmt.Errorf("%w: id buffer of length %d for %d sends and %d receives",
			ErrMalformedSchedule, len(ids), nsend, nrecv)
	}
	if len(counts) != NumCellTypes*(1+nsend+nrecv) {
		return nil, fmt.Errorf("%w: count buffer of length %d for %d sends and %d receives",
			ErrMalformedSchedule, len(counts), nsend, nrecv)
	}
	for _, v := range counts {
		if v < 0 {
			return nil, fmt.Errorf("%w: negative count %d", ErrMalformedSchedule, v)
		}
	}

	s := &Schedule{Rank: rank}
	copy(s.Current[:], counts[:NumCellTypes])
	off := NumCellTypes
	var err error
	s.Sends, err = decodePeers(rank, ids[2:2+nsend], counts[off:off+NumCellTypes*nsend])
	if err != nil {
		return nil, fmt.Errorf("sends: %w", err)
	}
	off += NumCellTypes * nsend
	s.Receives, err = decodePeers(rank, ids[2+nsend:], counts[off:])
	if err != nil {
		return nil, fmt.Errorf("receives: %w", err)
	}
	return s, nil
}

// decodePeers of one list. A peer is another rank and appears at
// most once.
func decodePeers(rank int, ranks []int32, counts []int64) ([]PeerCounts, error) {
	if len(ranks) == 0 {
		return nil, nil
	}
	out := make([]PeerCounts, len(ranks))
	seen := make(map[int32]bool, len(ranks))
	for i, r := range ranks {
		switch {
		case r < 0:
			return nil, fmt.Errorf("%w: negative peer %d", ErrMalformedSchedule, r)
		case int(r) == rank:
			return nil, fmt.Errorf("%w: rank %d lists itself as a peer", ErrMalformedSchedule, rank)
		case seen[r]:
			return nil, fmt.Errorf("%w: peer %d listed twice", ErrMalformedSchedule, r)
		}
		seen[r] = true
		out[i].Rank = int(r)
		copy(out[i].Counts[:], counts[i*NumCellTypes:(i+1)*NumCellTypes])
	}
	return out, nil
}

func widen(ids []int32) []int64 {
	out := make([]int64, len(ids))
	for i, v := range ids {
		out[i] = int64(v)
	}
	return out
}

func narrow(data []int64) ([]int32, error) {
	out := make([]int32, len(data))
	for i, v := range data {
		if v < -1<<31 || v > 1<<31-1 {
			return nil, fmt.Errorf("%w: id %d out of range", ErrMalformedSchedule, v)
		}
		out[i] = int32(v)
	}
	return out, nil
}
