package enrich

import "sort"

// benjaminiHochberg converts raw p-values to FDR-adjusted values, enforcing
// monotonicity from the largest rank down.
func benjaminiHochberg(pvals []float64) []float64 {
	n := len(pvals)
	if n == 0 {
		return nil
	}

	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool {
		return pvals[idx[i]] < pvals[idx[j]]
	})

	fdr := make([]float64, n)
	minP := 1.0
	for i := n - 1; i >= 0; i-- {
		origIdx := idx[i]
		rank := i + 1
		adjusted := pvals[origIdx] * float64(n) / float64(rank)
		if adjusted > 1 {
			adjusted = 1
		}
		if adjusted < minP {
			minP = adjusted
		} else {
			adjusted = minP
		}
		fdr[origIdx] = adjusted
	}

	return fdr
}
