package kdqtree

import (
	"fmt"
	"math"

	"github.com/driftlab/driftwatch/internal/api"
)

// Partitioner builds a quantile-based space partition from one reference
// dataset and then counts how later datasets distribute across the same
// frozen structure. Cells cycle their split axis with depth and split at
// the midpoint of the node population's observed range.
type Partitioner struct {
	countUBound int
	maxDepth    int

	dims   int
	nodes  []Node
	totals map[string]int
	built  bool
}

// Option configures a Partitioner.
type Option func(*Partitioner)

// WithCountUBound caps the number of points per leaf before a forced
// split at build time. It is purely an initial-build stopping criterion:
// later fills may push a leaf past the bound without re-splitting it.
func WithCountUBound(n int) Option {
	return func(p *Partitioner) { p.countUBound = n }
}

// WithMaxDepth bounds the tree depth at build time. Zero disables the
// bound; termination is then guaranteed by the count bound alone.
func WithMaxDepth(d int) Option {
	return func(p *Partitioner) { p.maxDepth = d }
}

// New creates an empty partitioner. Build must be called before Fill.
func New(opts ...Option) *Partitioner {
	p := &Partitioner{
		countUBound: 100,
		totals:      make(map[string]int),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Build constructs the tree from a reference dataset of shape [n, d] and
// records each created node's population under label. Returns the root
// node id.
func (p *Partitioner) Build(data [][]float64, label string) (int, error) {
	if len(data) < 1 {
		return NoNode, fmt.Errorf("%w: build requires at least one row", api.ErrConfiguration)
	}
	dims := len(data[0])
	if dims == 0 {
		return NoNode, fmt.Errorf("%w: build requires at least one column", api.ErrConfiguration)
	}
	for i, row := range data {
		if len(row) != dims {
			return NoNode, fmt.Errorf("%w: row %d has %d values, expected %d", api.ErrShape, i, len(row), dims)
		}
	}
	if p.built {
		return NoNode, fmt.Errorf("%w: partitioner is already built", api.ErrState)
	}

	p.dims = dims

	lower := make([]float64, dims)
	upper := make([]float64, dims)
	for j := 0; j < dims; j++ {
		lower[j] = math.Inf(1)
		upper[j] = math.Inf(-1)
	}
	for _, row := range data {
		for j, v := range row {
			if v < lower[j] {
				lower[j] = v
			}
			if v > upper[j] {
				upper[j] = v
			}
		}
	}

	points := make([][]float64, len(data))
	copy(points, data)

	root := p.split(points, 0, NoNode, lower, upper, label)
	p.totals[label] = len(data)
	p.built = true
	return root, nil
}

// split recursively partitions points, creating one node per call.
func (p *Partitioner) split(points [][]float64, depth, parent int, lower, upper []float64, label string) int {
	id := len(p.nodes)
	p.nodes = append(p.nodes, Node{
		ID:        id,
		Parent:    parent,
		Depth:     depth,
		Lower:     append([]float64(nil), lower...),
		Upper:     append([]float64(nil), upper...),
		SplitAxis: -1,
		Left:      NoNode,
		Right:     NoNode,
		Counts:    map[string]int{label: len(points)},
	})

	if len(points) <= p.countUBound {
		return id
	}
	if p.maxDepth > 0 && depth >= p.maxDepth {
		return id
	}

	axis := depth % p.dims
	lo, hi := points[0][axis], points[0][axis]
	for _, pt := range points[1:] {
		if pt[axis] < lo {
			lo = pt[axis]
		}
		if pt[axis] > hi {
			hi = pt[axis]
		}
	}
	if hi <= lo {
		// Degenerate axis, cannot split this population further.
		return id
	}

	mid := lo + (hi-lo)/2
	left := points[:0:0]
	right := points[:0:0]
	for _, pt := range points {
		if pt[axis] < mid {
			left = append(left, pt)
		} else {
			right = append(right, pt)
		}
	}

	leftUpper := append([]float64(nil), upper...)
	leftUpper[axis] = mid
	rightLower := append([]float64(nil), lower...)
	rightLower[axis] = mid

	leftID := p.split(left, depth+1, id, lower, leftUpper, label)
	rightID := p.split(right, depth+1, id, rightLower, upper, label)

	n := &p.nodes[id]
	n.SplitAxis = axis
	n.SplitValue = mid
	n.Left = leftID
	n.Right = rightID
	return id
}

// Fill routes a dataset through the existing structure, incrementing the
// receiving leaf's and all its ancestors' counts under label. Structure
// is never altered. Validation happens before any count changes, so a
// failed fill leaves the partitioner untouched.
func (p *Partitioner) Fill(data [][]float64, label string) error {
	if !p.built {
		return fmt.Errorf("%w: fill requires a prior build", api.ErrState)
	}
	for i, row := range data {
		if len(row) != p.dims {
			return fmt.Errorf("%w: row %d has %d values, expected %d", api.ErrShape, i, len(row), p.dims)
		}
	}
	for _, row := range data {
		p.adjust(row, label, 1)
	}
	p.totals[label] += len(data)
	return nil
}

// Clear removes all counts recorded under label.
func (p *Partitioner) Clear(label string) {
	for i := range p.nodes {
		delete(p.nodes[i].Counts, label)
	}
	delete(p.totals, label)
}

// Route descends the tree and returns the id of the leaf containing the
// point.
func (p *Partitioner) Route(point []float64) (int, error) {
	if !p.built {
		return NoNode, fmt.Errorf("%w: route requires a prior build", api.ErrState)
	}
	if len(point) != p.dims {
		return NoNode, fmt.Errorf("%w: point has %d values, expected %d", api.ErrShape, len(point), p.dims)
	}
	id := 0
	for {
		n := &p.nodes[id]
		if n.IsLeaf() {
			return id, nil
		}
		if point[n.SplitAxis] < n.SplitValue {
			id = n.Left
		} else {
			id = n.Right
		}
	}
}

// Add increments the counts along a single point's leaf path under label
// and returns the leaf id. Used by sliding windows to maintain counts
// incrementally instead of refilling from scratch.
func (p *Partitioner) Add(point []float64, label string) (int, error) {
	leaf, err := p.Route(point)
	if err != nil {
		return NoNode, err
	}
	p.adjustPath(leaf, label, 1)
	p.totals[label]++
	return leaf, nil
}

// Remove decrements the counts along a single point's leaf path under
// label and returns the leaf id. The evicted point must have been added
// under the same label.
func (p *Partitioner) Remove(point []float64, label string) (int, error) {
	leaf, err := p.Route(point)
	if err != nil {
		return NoNode, err
	}
	p.adjustPath(leaf, label, -1)
	p.totals[label]--
	return leaf, nil
}

func (p *Partitioner) adjust(point []float64, label string, delta int) {
	id := 0
	for {
		n := &p.nodes[id]
		if n.Counts == nil {
			n.Counts = make(map[string]int)
		}
		n.Counts[label] += delta
		if n.IsLeaf() {
			return
		}
		if point[n.SplitAxis] < n.SplitValue {
			id = n.Left
		} else {
			id = n.Right
		}
	}
}

func (p *Partitioner) adjustPath(leaf int, label string, delta int) {
	for id := leaf; id != NoNode; id = p.nodes[id].Parent {
		n := &p.nodes[id]
		if n.Counts == nil {
			n.Counts = make(map[string]int)
		}
		n.Counts[label] += delta
	}
}

// LeafCounts returns the per-leaf population vector under label, in
// stable node-id order. The order is identical across any number of
// fills because the structure is frozen after build.
func (p *Partitioner) LeafCounts(label string) []int {
	counts := make([]int, 0, len(p.nodes))
	for i := range p.nodes {
		if p.nodes[i].IsLeaf() {
			counts = append(counts, p.nodes[i].Counts[label])
		}
	}
	return counts
}

// LeafIndex maps leaf node ids to their position in the LeafCounts
// vector.
func (p *Partitioner) LeafIndex() map[int]int {
	idx := make(map[int]int)
	pos := 0
	for i := range p.nodes {
		if p.nodes[i].IsLeaf() {
			idx[p.nodes[i].ID] = pos
			pos++
		}
	}
	return idx
}

// Total returns the number of points recorded under label.
func (p *Partitioner) Total(label string) int { return p.totals[label] }

// NumNodes returns the arena size.
func (p *Partitioner) NumNodes() int { return len(p.nodes) }

// Dims returns the dimensionality fixed at build time.
func (p *Partitioner) Dims() int { return p.dims }

// Built reports whether Build has completed.
func (p *Partitioner) Built() bool { return p.built }

// Node returns a copy of the node with the given id.
func (p *Partitioner) Node(id int) Node {
	n := p.nodes[id]
	n.Lower = append([]float64(nil), n.Lower...)
	n.Upper = append([]float64(nil), n.Upper...)
	counts := make(map[string]int, len(n.Counts))
	for k, v := range n.Counts {
		counts[k] = v
	}
	n.Counts = counts
	return n
}
