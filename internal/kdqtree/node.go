package kdqtree

// Nodes live in an arena owned by the Partitioner and refer to each other
// by index, so parent links carry no ownership and navigation stays O(1).
const NoNode = -1

// Node is one hyper-rectangular cell of the partition.
//
// An internal node splits its cell into exactly two children along
// SplitAxis at SplitValue; the children cover the parent's bounds with no
// gap and no overlap. Structure is fixed once Build returns; only the
// per-label counts change afterwards.
type Node struct {
	ID     int
	Parent int
	Depth  int

	// Lower/Upper are the per-dimension [low, high) cell bounds observed
	// at build time. Routing uses split values only, so points outside
	// the reference envelope still land in the nearest boundary cell.
	Lower []float64
	Upper []float64

	// SplitAxis is -1 for leaves.
	SplitAxis  int
	SplitValue float64
	Left       int
	Right      int

	// Counts maps a build label to the number of points of that labeled
	// dataset that fell inside this cell.
	Counts map[string]int
}

// IsLeaf reports whether the node has no children.
func (n *Node) IsLeaf() bool { return n.Left == NoNode }

// Count returns the population of the cell under the given label.
func (n *Node) Count(label string) int { return n.Counts[label] }
