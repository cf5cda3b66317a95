package partition

import (
	"fmt"
	"sort"
)

// communities builds a nearest-neighbor graph over the embedding prefix and
// detects groups by modularity local moving. The group count is an output.
// Nodes are visited in ascending index and ties between candidate
// communities resolve to the lowest community id, so identical input graphs
// always produce identical labelings.
func communities(points [][]float64, neighbors int) ([]int, error) {
	n := len(points)
	if neighbors <= 0 {
		neighbors = 15
	}
	if neighbors >= n {
		neighbors = n - 1
	}
	if neighbors < 1 {
		return nil, fmt.Errorf("partition: too few spots (%d) for a neighbor graph", n)
	}

	adj := knnGraph(points, neighbors)

	// Louvain-style local moving on a single level.
	comm := make([]int, n)
	degree := make([]float64, n)
	var m2 float64 // sum of degrees = 2m
	for i := range adj {
		comm[i] = i
		for _, e := range adj[i] {
			degree[i] += e.w
		}
		m2 += degree[i]
	}

	commTot := make([]float64, n)
	copy(commTot, degree)

	improved := true
	for sweeps := 0; improved && sweeps < 100; sweeps++ {
		improved = false
		for i := 0; i < n; i++ {
			// Weight of edges from i into each adjacent community.
			kin := make(map[int]float64)
			for _, e := range adj[i] {
				kin[comm[e.to]] += e.w
			}

			cur := comm[i]
			commTot[cur] -= degree[i]

			bestC := cur
			bestGain := kin[cur] - commTot[cur]*degree[i]/m2

			cands := make([]int, 0, len(kin))
			for c := range kin {
				cands = append(cands, c)
			}
			sort.Ints(cands)
			for _, c := range cands {
				if c == cur {
					continue
				}
				gain := kin[c] - commTot[c]*degree[i]/m2
				if gain > bestGain || (gain == bestGain && c < bestC) {
					bestGain = gain
					bestC = c
				}
			}

			commTot[bestC] += degree[i]
			if bestC != cur {
				comm[i] = bestC
				improved = true
			}
		}
	}

	// Compact community ids by first appearance so group 0 contains the
	// lowest node index.
	remap := make(map[int]int)
	next := 0
	out := make([]int, n)
	for i, c := range comm {
		id, ok := remap[c]
		if !ok {
			id = next
			remap[c] = id
			next++
		}
		out[i] = id
	}
	return out, nil
}

type edge struct {
	to int
	w  float64
}

// knnGraph links every node to its k nearest neighbors by Euclidean
// distance; the union of directed picks forms an undirected graph. Distance
// ties resolve to the lower node index.
func knnGraph(points [][]float64, k int) [][]edge {
	n := len(points)
	adj := make([][]edge, n)
	linked := make([]map[int]bool, n)
	for i := range linked {
		linked[i] = make(map[int]bool)
	}

	type cand struct {
		idx int
		d   float64
	}
	for i := 0; i < n; i++ {
		cands := make([]cand, 0, n-1)
		for j := 0; j < n; j++ {
			if j == i {
				continue
			}
			cands = append(cands, cand{idx: j, d: sqDist(points[i], points[j])})
		}
		sort.Slice(cands, func(a, b int) bool {
			if cands[a].d != cands[b].d {
				return cands[a].d < cands[b].d
			}
			return cands[a].idx < cands[b].idx
		})
		for _, c := range cands[:k] {
			if !linked[i][c.idx] {
				linked[i][c.idx] = true
				adj[i] = append(adj[i], edge{to: c.idx, w: 1})
			}
			if !linked[c.idx][i] {
				linked[c.idx][i] = true
				adj[c.idx] = append(adj[c.idx], edge{to: i, w: 1})
			}
		}
	}
	return adj
}
