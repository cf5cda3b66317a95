package de

import (
	"math"
	"sort"
)

// RankSumP computes the two-tailed Mann-Whitney rank-sum p-value with the
// normal approximation, tie correction and continuity correction.
func RankSumP(vals1, vals2 []float64) float64 {
	n1, n2 := len(vals1), len(vals2)
	if n1 == 0 || n2 == 0 {
		return 1.0
	}

	type entry struct {
		val   float64
		group int
	}
	combined := make([]entry, 0, n1+n2)
	for _, v := range vals1 {
		combined = append(combined, entry{val: v, group: 1})
	}
	for _, v := range vals2 {
		combined = append(combined, entry{val: v, group: 2})
	}

	sort.Slice(combined, func(i, j int) bool {
		return combined[i].val < combined[j].val
	})

	N := len(combined)
	ranks := make([]float64, N)
	i := 0
	for i < N {
		j := i
		for j < N && combined[j].val == combined[i].val {
			j++
		}
		avgRank := float64(i+j+1) / 2.0
		for k := i; k < j; k++ {
			ranks[k] = avgRank
		}
		i = j
	}

	R1 := 0.0
	for i, e := range combined {
		if e.group == 1 {
			R1 += ranks[i]
		}
	}

	n1f := float64(n1)
	n2f := float64(n2)
	U1 := R1 - n1f*(n1f+1)/2
	U2 := n1f*n2f - U1
	U := math.Min(U1, U2)

	muU := n1f * n2f / 2

	tieSum := 0.0
	i = 0
	for i < N {
		j := i
		for j < N && combined[j].val == combined[i].val {
			j++
		}
		t := float64(j - i)
		if t > 1 {
			tieSum += t*t*t - t
		}
		i = j
	}

	Nf := float64(N)
	sigmaU := math.Sqrt(n1f * n2f * ((Nf + 1) - tieSum/(Nf*(Nf-1))) / 12)
	if sigmaU < 1e-10 {
		return 1.0
	}

	z := (U - muU + 0.5) / sigmaU
	p := 2 * normalCDF(-math.Abs(z))
	if p > 1 {
		p = 1
	}
	return p
}

func normalCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}
