package partition

import (
	"fmt"
	"math"
	"math/rand"
)

// kmeans runs iterative relocation with multiple seeded restarts and keeps
// the restart with the lowest total within-group squared distance. The
// restart RNG is derived once from the seed, so identical inputs reproduce
// identical assignments.
func kmeans(points [][]float64, k, restarts, maxIter int, seed int64) ([]int, error) {
	n := len(points)
	if k <= 0 {
		return nil, fmt.Errorf("partition: k must be positive, got %d", k)
	}
	if k > n {
		return nil, fmt.Errorf("partition: k=%d exceeds %d spots", k, n)
	}
	if restarts <= 0 {
		restarts = 1
	}
	if maxIter <= 0 {
		maxIter = 100
	}

	rng := rand.New(rand.NewSource(seed))

	bestSSE := math.Inf(1)
	var best []int
	for r := 0; r < restarts; r++ {
		assign, sse := kmeansOnce(points, k, maxIter, rng)
		if sse < bestSSE {
			bestSSE = sse
			best = assign
		}
	}
	return best, nil
}

// kmeansOnce is one Lloyd run: k-means++ style seeding from rng, then
// relocation until assignments stop changing or maxIter is reached.
func kmeansOnce(points [][]float64, k, maxIter int, rng *rand.Rand) ([]int, float64) {
	n := len(points)
	dims := len(points[0])

	centers := seedCenters(points, k, rng)
	assign := make([]int, n)
	for i := range assign {
		assign[i] = -1
	}

	counts := make([]int, k)
	sums := make([][]float64, k)
	for c := range sums {
		sums[c] = make([]float64, dims)
	}

	for iter := 0; iter < maxIter; iter++ {
		changed := false
		for i, p := range points {
			best, bestD := 0, math.Inf(1)
			for c, ctr := range centers {
				if d := sqDist(p, ctr); d < bestD {
					best, bestD = c, d
				}
			}
			if assign[i] != best {
				assign[i] = best
				changed = true
			}
		}
		if !changed {
			break
		}

		for c := range centers {
			counts[c] = 0
			for d := range sums[c] {
				sums[c][d] = 0
			}
		}
		for i, p := range points {
			c := assign[i]
			counts[c]++
			for d, v := range p {
				sums[c][d] += v
			}
		}
		for c := range centers {
			if counts[c] == 0 {
				// Reseed an emptied center on a random point.
				centers[c] = append([]float64(nil), points[rng.Intn(n)]...)
				continue
			}
			for d := range centers[c] {
				centers[c][d] = sums[c][d] / float64(counts[c])
			}
		}
	}

	var sse float64
	for i, p := range points {
		sse += sqDist(p, centers[assign[i]])
	}
	return assign, sse
}

// seedCenters picks k initial centers with the k-means++ weighting.
func seedCenters(points [][]float64, k int, rng *rand.Rand) [][]float64 {
	n := len(points)
	centers := make([][]float64, 0, k)
	centers = append(centers, append([]float64(nil), points[rng.Intn(n)]...))

	d2 := make([]float64, n)
	for len(centers) < k {
		var total float64
		last := centers[len(centers)-1]
		for i, p := range points {
			d := sqDist(p, last)
			if len(centers) == 1 || d < d2[i] {
				d2[i] = d
			}
			total += d2[i]
		}
		if total == 0 {
			// All remaining points coincide with a center.
			centers = append(centers, append([]float64(nil), points[rng.Intn(n)]...))
			continue
		}
		target := rng.Float64() * total
		var acc float64
		pick := n - 1
		for i, d := range d2 {
			acc += d
			if acc >= target {
				pick = i
				break
			}
		}
		centers = append(centers, append([]float64(nil), points[pick]...))
	}
	return centers
}
