package kdqtree

import (
	"fmt"
	"math"

	"github.com/driftlab/driftwatch/internal/api"
)

// ExportRow is one tree node flattened for external visualization
// (treemap/sunburst style renderers consume the idx/parent_idx pairs).
type ExportRow struct {
	Idx       int      `json:"idx"`
	ParentIdx int      `json:"parent_idx"`
	Name      string   `json:"name"`
	CellCount int      `json:"cell_count"`
	CountDiff *int     `json:"count_diff,omitempty"`
	KSS       *float64 `json:"kss,omitempty"`
}

// Export produces one row per node carrying the cell population under
// label1 and, when label2 is non-empty, the count difference
// (label2 - label1) and the per-cell Kulldorff spatial scan statistic.
// maxDepth > 0 prunes nodes below that depth. The export reads counts
// only; it never mutates the tree.
func (p *Partitioner) Export(label1, label2 string, maxDepth int) ([]ExportRow, error) {
	if !p.built {
		return nil, fmt.Errorf("%w: export requires a prior build", api.ErrState)
	}
	if _, ok := p.totals[label1]; !ok {
		return nil, fmt.Errorf("%w: no counts recorded under label %q", api.ErrConfiguration, label1)
	}
	if label2 != "" {
		if _, ok := p.totals[label2]; !ok {
			return nil, fmt.Errorf("%w: no counts recorded under label %q", api.ErrConfiguration, label2)
		}
	}

	total1 := float64(p.totals[label1])
	total2 := float64(p.totals[label2])

	rows := make([]ExportRow, 0, len(p.nodes))
	for i := range p.nodes {
		n := &p.nodes[i]
		if maxDepth > 0 && n.Depth > maxDepth {
			continue
		}
		row := ExportRow{
			Idx:       n.ID,
			ParentIdx: n.Parent,
			Name:      p.nodeName(n),
			CellCount: n.Counts[label1],
		}
		if label2 != "" {
			diff := n.Counts[label2] - n.Counts[label1]
			kss := kulldorff(float64(n.Counts[label1]), float64(n.Counts[label2]), total1, total2)
			row.CountDiff = &diff
			row.KSS = &kss
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// nodeName renders a human-readable cell path segment from the parent's
// split that produced this node.
func (p *Partitioner) nodeName(n *Node) string {
	if n.Parent == NoNode {
		return "root"
	}
	parent := &p.nodes[n.Parent]
	if parent.Left == n.ID {
		return fmt.Sprintf("x%d < %.4g", parent.SplitAxis, parent.SplitValue)
	}
	return fmt.Sprintf("x%d >= %.4g", parent.SplitAxis, parent.SplitValue)
}

// kulldorff computes the Bernoulli spatial-scan log-likelihood ratio for
// one cell: how much better a model where the cell has its own test/
// reference mix explains the data than the global mix does. Cells whose
// test share does not exceed the outside share score zero (one-sided,
// hotspot form). Higher values mark stronger localized divergence.
func kulldorff(c1, c2, t1, t2 float64) float64 {
	inTotal := c1 + c2
	grand := t1 + t2
	if inTotal == 0 || grand == 0 || inTotal == grand {
		return 0
	}

	pIn := c2 / inTotal
	pOut := (t2 - c2) / (grand - inTotal)
	p0 := t2 / grand
	if pIn <= pOut || p0 <= 0 || p0 >= 1 {
		return 0
	}

	llr := xlog(c2, pIn/p0) + xlog(c1, (1-pIn)/(1-p0)) +
		xlog(t2-c2, pOut/p0) + xlog(t1-c1, (1-pOut)/(1-p0))
	return llr
}

// xlog returns n*ln(ratio) with the 0*ln(0) convention of 0.
func xlog(n, ratio float64) float64 {
	if n == 0 || ratio <= 0 {
		return 0
	}
	return n * math.Log(ratio)
}
