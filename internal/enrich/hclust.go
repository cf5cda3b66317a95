package enrich

import "math"

// clusterRows derives a stable presentation order for matrix rows:
// average-linkage agglomeration over Euclidean distances computed from
// pairwise-complete cells, ties broken by original discovery order. Rows
// sharing no filled column sit at maximal distance and end up peripheral.
func clusterRows(m *Matrix) []int {
	n := len(m.Rows)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if n <= 2 {
		return order
	}

	dist := make([][]float64, n)
	var maxD float64
	for i := range dist {
		dist[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d, ok := rowDist(m, i, j)
			if ok && d > maxD {
				maxD = d
			}
			if !ok {
				d = -1 // patched below once maxD is known
			}
			dist[i][j] = d
			dist[j][i] = d
		}
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i != j && dist[i][j] < 0 {
				dist[i][j] = maxD*2 + 1
			}
		}
	}

	type node struct {
		leaves []int // discovery-ordered leaf indices under this node
		size   int
	}
	nodes := make([]*node, n)
	for i := range nodes {
		nodes[i] = &node{leaves: []int{i}, size: 1}
	}
	active := make([]int, n)
	for i := range active {
		active[i] = i
	}

	// Average linkage on the shrinking active set. The minimum-distance
	// pair is chosen with (i,j) index order as tie-break, so the dendrogram
	// is a pure function of the matrix.
	for len(active) > 1 {
		bi, bj := 0, 1
		best := math.Inf(1)
		for a := 0; a < len(active); a++ {
			for b := a + 1; b < len(active); b++ {
				d := dist[active[a]][active[b]]
				if d < best {
					best = d
					bi, bj = a, b
				}
			}
		}
		i, j := active[bi], active[bj]

		merged := &node{
			leaves: append(append([]int(nil), nodes[i].leaves...), nodes[j].leaves...),
			size:   nodes[i].size + nodes[j].size,
		}

		// Update distances: weighted average of the merged children.
		for _, k := range active {
			if k == i || k == j {
				continue
			}
			wi := float64(nodes[i].size)
			wj := float64(nodes[j].size)
			dist[i][k] = (wi*dist[i][k] + wj*dist[j][k]) / (wi + wj)
			dist[k][i] = dist[i][k]
		}
		nodes[i] = merged

		// Drop j from the active set.
		active = append(active[:bj], active[bj+1:]...)
	}

	return nodes[active[0]].leaves
}

// rowDist is the Euclidean distance over columns filled in both rows,
// scaled back up by the completeness ratio so sparser overlaps are not
// artificially close. Returns ok=false when no column is shared.
func rowDist(m *Matrix, i, j int) (float64, bool) {
	var sum float64
	shared := 0
	for c := range m.Cols {
		if m.Present[i][c] && m.Present[j][c] {
			d := m.Cells[i][c] - m.Cells[j][c]
			sum += d * d
			shared++
		}
	}
	if shared == 0 {
		return 0, false
	}
	return math.Sqrt(sum * float64(len(m.Cols)) / float64(shared)), true
}
