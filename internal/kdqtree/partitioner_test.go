package kdqtree

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/driftlab/driftwatch/internal/api"
)

func uniformData(n, dims int, lo, hi float64, seed int64) [][]float64 {
	rng := rand.New(rand.NewSource(seed))
	data := make([][]float64, n)
	for i := range data {
		row := make([]float64, dims)
		for j := range row {
			row[j] = lo + (hi-lo)*rng.Float64()
		}
		data[i] = row
	}
	return data
}

func TestBuildCountsSumToRoot(t *testing.T) {
	data := uniformData(400, 2, 0, 1, 7)

	p := New(WithCountUBound(50))
	root, err := p.Build(data, "ref")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if root != 0 {
		t.Errorf("root id = %d, want 0", root)
	}
	if !p.Built() {
		t.Error("Built() should be true after Build")
	}
	if p.Dims() != 2 {
		t.Errorf("Dims() = %d, want 2", p.Dims())
	}
	if p.Total("ref") != 400 {
		t.Errorf("Total(ref) = %d, want 400", p.Total("ref"))
	}

	// Every internal node's count equals the sum of its children's.
	for id := 0; id < p.NumNodes(); id++ {
		n := p.Node(id)
		if n.IsLeaf() {
			continue
		}
		left := p.Node(n.Left)
		right := p.Node(n.Right)
		if n.Count("ref") != left.Count("ref")+right.Count("ref") {
			t.Errorf("node %d: count %d != left %d + right %d",
				id, n.Count("ref"), left.Count("ref"), right.Count("ref"))
		}
	}

	// Leaf counts sum to the dataset size.
	sum := 0
	for _, c := range p.LeafCounts("ref") {
		sum += c
	}
	if sum != 400 {
		t.Errorf("leaf counts sum = %d, want 400", sum)
	}
}

func TestBuildErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    [][]float64
		wantErr error
	}{
		{"empty", nil, api.ErrConfiguration},
		{"zero columns", [][]float64{{}}, api.ErrConfiguration},
		{"ragged rows", [][]float64{{1, 2}, {3}}, api.ErrShape},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New()
			if _, err := p.Build(tt.data, "ref"); !errors.Is(err, tt.wantErr) {
				t.Errorf("Build() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	t.Run("double build", func(t *testing.T) {
		p := New()
		if _, err := p.Build([][]float64{{1}, {2}}, "ref"); err != nil {
			t.Fatalf("first Build failed: %v", err)
		}
		if _, err := p.Build([][]float64{{3}}, "ref"); !errors.Is(err, api.ErrState) {
			t.Errorf("second Build error = %v, want ErrState", err)
		}
	})
}

func TestFillFrozenStructure(t *testing.T) {
	ref := uniformData(300, 2, 0, 1, 11)
	p := New(WithCountUBound(30))
	if _, err := p.Build(ref, "ref"); err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	numNodes := p.NumNodes()

	// Filling with a far larger dataset must not change the structure.
	test := uniformData(3000, 2, -2, 3, 13)
	if err := p.Fill(test, "test"); err != nil {
		t.Fatalf("Fill failed: %v", err)
	}
	if p.NumNodes() != numNodes {
		t.Errorf("NumNodes changed from %d to %d after Fill", numNodes, p.NumNodes())
	}
	if p.Total("test") != 3000 {
		t.Errorf("Total(test) = %d, want 3000", p.Total("test"))
	}

	sum := 0
	for _, c := range p.LeafCounts("test") {
		sum += c
	}
	if sum != 3000 {
		t.Errorf("leaf counts sum = %d, want 3000", sum)
	}
}

func TestFillErrors(t *testing.T) {
	t.Run("before build", func(t *testing.T) {
		p := New()
		if err := p.Fill([][]float64{{1}}, "test"); !errors.Is(err, api.ErrState) {
			t.Errorf("Fill() error = %v, want ErrState", err)
		}
	})

	t.Run("shape mismatch leaves counts untouched", func(t *testing.T) {
		p := New(WithCountUBound(5))
		if _, err := p.Build(uniformData(20, 2, 0, 1, 3), "ref"); err != nil {
			t.Fatalf("Build failed: %v", err)
		}

		bad := [][]float64{{0.1, 0.2}, {0.3}} // second row too short
		if err := p.Fill(bad, "test"); !errors.Is(err, api.ErrShape) {
			t.Fatalf("Fill() error = %v, want ErrShape", err)
		}
		if p.Total("test") != 0 {
			t.Errorf("Total(test) = %d after failed Fill, want 0", p.Total("test"))
		}
		for i, c := range p.LeafCounts("test") {
			if c != 0 {
				t.Errorf("leaf %d count = %d after failed Fill, want 0", i, c)
			}
		}
	})
}

func TestClear(t *testing.T) {
	p := New(WithCountUBound(10))
	if _, err := p.Build(uniformData(50, 2, 0, 1, 5), "ref"); err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if err := p.Fill(uniformData(50, 2, 0, 1, 6), "test"); err != nil {
		t.Fatalf("Fill failed: %v", err)
	}

	p.Clear("test")
	if p.Total("test") != 0 {
		t.Errorf("Total(test) = %d after Clear, want 0", p.Total("test"))
	}
	for i, c := range p.LeafCounts("test") {
		if c != 0 {
			t.Errorf("leaf %d count = %d after Clear, want 0", i, c)
		}
	}
	// Reference counts must survive.
	if p.Total("ref") != 50 {
		t.Errorf("Total(ref) = %d after Clear(test), want 50", p.Total("ref"))
	}
}

func TestRouteAddRemove(t *testing.T) {
	p := New(WithCountUBound(10))
	if _, err := p.Build(uniformData(100, 2, 0, 1, 17), "ref"); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	point := []float64{0.25, 0.75}
	leaf, err := p.Route(point)
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	node := p.Node(leaf)
	if !node.IsLeaf() {
		t.Errorf("Route returned non-leaf node %d", leaf)
	}

	before := p.LeafCounts("win")

	added, err := p.Add(point, "win")
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if added != leaf {
		t.Errorf("Add routed to leaf %d, Route to %d", added, leaf)
	}
	if p.Total("win") != 1 {
		t.Errorf("Total(win) = %d after Add, want 1", p.Total("win"))
	}

	removed, err := p.Remove(point, "win")
	if err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if removed != leaf {
		t.Errorf("Remove routed to leaf %d, Route to %d", removed, leaf)
	}

	after := p.LeafCounts("win")
	for i := range before {
		if before[i] != after[i] {
			t.Errorf("leaf %d count = %d after Add+Remove, want %d", i, after[i], before[i])
		}
	}

	t.Run("shape mismatch", func(t *testing.T) {
		if _, err := p.Route([]float64{0.5}); !errors.Is(err, api.ErrShape) {
			t.Errorf("Route() error = %v, want ErrShape", err)
		}
	})
}

func TestMaxDepth(t *testing.T) {
	p := New(WithCountUBound(1), WithMaxDepth(2))
	if _, err := p.Build(uniformData(500, 2, 0, 1, 23), "ref"); err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	for id := 0; id < p.NumNodes(); id++ {
		if d := p.Node(id).Depth; d > 2 {
			t.Fatalf("node %d has depth %d, want <= 2", id, d)
		}
	}
}

func TestLeafIndexMatchesLeafCounts(t *testing.T) {
	p := New(WithCountUBound(20))
	if _, err := p.Build(uniformData(200, 3, 0, 1, 29), "ref"); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	idx := p.LeafIndex()
	counts := p.LeafCounts("ref")
	if len(idx) != len(counts) {
		t.Fatalf("LeafIndex has %d entries, LeafCounts %d", len(idx), len(counts))
	}
	for id, pos := range idx {
		n := p.Node(id)
		if got := n.Count("ref"); counts[pos] != got {
			t.Errorf("leaf %d: counts[%d] = %d, node count %d", id, pos, counts[pos], got)
		}
	}
}

func TestExport(t *testing.T) {
	ref := uniformData(200, 2, 0, 1, 31)
	p := New(WithCountUBound(25))
	if _, err := p.Build(ref, "ref"); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	t.Run("single label", func(t *testing.T) {
		rows, err := p.Export("ref", "", 0)
		if err != nil {
			t.Fatalf("Export failed: %v", err)
		}
		if len(rows) != p.NumNodes() {
			t.Fatalf("Export returned %d rows, want %d", len(rows), p.NumNodes())
		}
		if rows[0].Name != "root" || rows[0].ParentIdx != NoNode || rows[0].CellCount != 200 {
			t.Errorf("root row = %+v", rows[0])
		}
		for _, row := range rows {
			if row.CountDiff != nil || row.KSS != nil {
				t.Errorf("row %d carries diff/kss in single-label export", row.Idx)
			}
		}
	})

	t.Run("two labels", func(t *testing.T) {
		// Concentrate the test sample in the lower-left corner so at least
		// one cell is a genuine hotspot.
		if err := p.Fill(uniformData(200, 2, 0, 0.25, 37), "test"); err != nil {
			t.Fatalf("Fill failed: %v", err)
		}
		rows, err := p.Export("ref", "test", 0)
		if err != nil {
			t.Fatalf("Export failed: %v", err)
		}

		if *rows[0].CountDiff != 0 {
			t.Errorf("root count_diff = %d, want 0 for equal-size samples", *rows[0].CountDiff)
		}

		sawPositive := false
		for _, row := range rows {
			if row.CountDiff == nil || row.KSS == nil {
				t.Fatalf("row %d missing diff/kss in two-label export", row.Idx)
			}
			if *row.KSS < 0 {
				t.Errorf("row %d has negative KSS %f", row.Idx, *row.KSS)
			}
			if *row.KSS > 0 {
				sawPositive = true
			}
		}
		if !sawPositive {
			t.Error("no cell scored KSS > 0 for a concentrated test sample")
		}
	})

	t.Run("max depth prunes", func(t *testing.T) {
		rows, err := p.Export("ref", "", 1)
		if err != nil {
			t.Fatalf("Export failed: %v", err)
		}
		for _, row := range rows {
			if p.Node(row.Idx).Depth > 1 {
				t.Errorf("row %d exceeds max depth", row.Idx)
			}
		}
	})

	t.Run("errors", func(t *testing.T) {
		if _, err := New().Export("ref", "", 0); !errors.Is(err, api.ErrState) {
			t.Errorf("Export before build error = %v, want ErrState", err)
		}
		if _, err := p.Export("nope", "", 0); !errors.Is(err, api.ErrConfiguration) {
			t.Errorf("Export unknown label error = %v, want ErrConfiguration", err)
		}
	})
}

func TestKulldorffOneSided(t *testing.T) {
	// A cell holding most of the test mass scores positive; a depleted
	// cell scores zero under the hotspot (one-sided) form.
	if got := kulldorff(10, 90, 100, 100); got <= 0 {
		t.Errorf("hotspot cell KSS = %f, want > 0", got)
	}
	if got := kulldorff(90, 10, 100, 100); got != 0 {
		t.Errorf("depleted cell KSS = %f, want 0", got)
	}
	if got := kulldorff(0, 0, 100, 100); got != 0 {
		t.Errorf("empty cell KSS = %f, want 0", got)
	}
	if got := kulldorff(100, 100, 100, 100); got != 0 {
		t.Errorf("whole-space cell KSS = %f, want 0", got)
	}
}
