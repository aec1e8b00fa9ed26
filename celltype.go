package cellbalance

import "fmt"

// CellType is one of the mesh primitive categories that are
// balanced independently of each other.
type CellType int

const (
	Verts CellType = iota
	Lines
	Polys
	Strips
)

// NumCellTypes tracked by a balancing pass.
const NumCellTypes = 4

func (t CellType) String() string {
	switch t {
	case Verts:
		return "verts"
	case Lines:
		return "lines"
	case Polys:
		return "polys"
	case Strips:
		return "strips"
	default:
		return fmt.Sprintf("celltype(%d)", int(t))
	}
}

// Counts holds one count per cell type, indexed by CellType.
type Counts [NumCellTypes]int64

// Add returns c + o.
func (c Counts) Add(o Counts) Counts {
	for i := range c {
		c[i] += o[i]
	}
	return c
}

// Sub returns c - o.
func (c Counts) Sub(o Counts) Counts {
	for i := range c {
		c[i] -= o[i]
	}
	return c
}

// Total number of cells over all types.
func (c Counts) Total() int64 {
	var n int64
	for _, v := range c {
		n += v
	}
	return n
}

// IsZero reports if every count is zero.
func (c Counts) IsZero() bool {
	return c == Counts{}
}

func (c Counts) String() string {
	return fmt.Sprintf("[verts:%d lines:%d polys:%d strips:%d]", c[Verts], c[Lines], c[Polys], c[Strips])
}

// countsFromInts validates and converts a raw count message.
func countsFromInts(data []int64) (Counts, error) {
	var c Counts
	if len(data) != NumCellTypes {
		return c, fmt.Errorf("%w: expected %d values, got %d", ErrMalformedCounts, NumCellTypes, len(data))
	}
	for i, v := range data {
		if v < 0 {
			return c, fmt.Errorf("%w: negative count %d for %v", ErrMalformedCounts, v, CellType(i))
		}
		c[i] = v
	}
	return c, nil
}
