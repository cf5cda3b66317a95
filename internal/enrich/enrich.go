// Package enrich scores ranked gene lists against curated gene sets with a
// weighted Kolmogorov-Smirnov style running statistic and a permutation
// p-value estimated at adaptive resolution: every set starts on a coarse
// sample budget and only sets whose observed score sits in the sampled tail
// pay for more samples, up to a hard ceiling.
package enrich

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/spotsig/spotsig/pkg/geneset"
)

// ErrInsufficientOverlap indicates fewer set members than the configured
// minimum appear in the ranked universe. It fails one gene set, never the
// batch, and the set is omitted from output rather than zero-filled.
var ErrInsufficientOverlap = errors.New("enrich: insufficient overlap with ranked universe")

// RankedGene is one (gene, score) pair of the ranking under test. Scores are
// DE effect sizes restricted to significant genes.
type RankedGene struct {
	Gene  string
	Score float64
}

// Config tunes the estimator. Seed is mandatory: the engine refuses implicit
// global randomness.
type Config struct {
	MinOverlap     int   // minimum set members in the universe (default 3)
	InitialSamples int   // coarse budget per set (default 200)
	MaxSamples     int   // hard ceiling per set (default 100000)
	Workers        int   // concurrent gene sets (default 4)
	Seed           int64
}

func (c *Config) fill() {
	if c.MinOverlap <= 0 {
		c.MinOverlap = 3
	}
	if c.InitialSamples <= 0 {
		c.InitialSamples = 200
	}
	if c.MaxSamples < c.InitialSamples {
		c.MaxSamples = 100000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
}

// Result is the enrichment outcome for one gene set against one ranking.
type Result struct {
	Set       string
	Context   string
	Condition string
	Size      int // full set size
	Overlap   int // members found in the ranked universe
	ES        float64
	P         float64
	PAdj      float64
	Samples   int // permutation samples actually spent
}

// Skip records an omitted gene set and why. Omission is semantically
// distinct from "tested, not significant" and is preserved as such.
type Skip struct {
	Set    string
	Reason error
}

// Score evaluates every library set against the ranking. Results come back
// in library discovery order with BH-adjusted p-values; omitted sets are
// returned separately.
func Score(ranked []RankedGene, sets []geneset.Set, cfg Config) ([]Result, []Skip, error) {
	cfg.fill()
	if len(ranked) == 0 {
		return nil, nil, errors.New("enrich: empty ranking")
	}
	if cfg.Seed == 0 {
		return nil, nil, errors.New("enrich: explicit random seed required")
	}

	rk, err := newRanking(ranked)
	if err != nil {
		return nil, nil, err
	}

	type job struct {
		idx int
		set geneset.Set
	}
	type outcome struct {
		idx  int
		res  Result
		skip *Skip
	}

	jobs := make(chan job)
	outs := make(chan outcome, len(sets))

	var wg sync.WaitGroup
	for w := 0; w < cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				// Per-set seed derived from the master seed so the adaptive
				// loop for one set is sequential but sets never interact.
				rng := rand.New(rand.NewSource(setSeed(cfg.Seed, j.set.Name())))
				res, err := scoreOne(rk, j.set, cfg, rng)
				if err != nil {
					outs <- outcome{idx: j.idx, skip: &Skip{Set: j.set.Name(), Reason: err}}
					continue
				}
				outs <- outcome{idx: j.idx, res: res}
			}
		}()
	}

	go func() {
		for i, s := range sets {
			jobs <- job{idx: i, set: s}
		}
		close(jobs)
		wg.Wait()
		close(outs)
	}()

	resByIdx := make(map[int]Result, len(sets))
	var skips []Skip
	for o := range outs {
		if o.skip != nil {
			skips = append(skips, *o.skip)
			continue
		}
		resByIdx[o.idx] = o.res
	}
	sort.Slice(skips, func(i, j int) bool { return skips[i].Set < skips[j].Set })

	// Restore discovery order before correction so output order is stable.
	results := make([]Result, 0, len(resByIdx))
	for i := range sets {
		if r, ok := resByIdx[i]; ok {
			results = append(results, r)
		}
	}

	pvals := make([]float64, len(results))
	for i, r := range results {
		pvals[i] = r.P
	}
	for i, adj := range benjaminiHochberg(pvals) {
		results[i].PAdj = adj
	}

	for _, r := range results {
		if !finite(r.ES) || !finite(r.P) || !finite(r.PAdj) {
			return nil, nil, fmt.Errorf("enrich: non-finite statistic for set %s", r.Set)
		}
	}
	return results, skips, nil
}

// scoreOne computes the observed ES and its adaptive permutation p-value.
func scoreOne(rk *ranking, set geneset.Set, cfg Config, rng *rand.Rand) (Result, error) {
	member := make([]bool, rk.n)
	overlap := 0
	for _, g := range set.Genes {
		if i, ok := rk.index[g]; ok {
			if !member[i] {
				member[i] = true
				overlap++
			}
		}
	}
	if overlap < cfg.MinOverlap {
		return Result{}, fmt.Errorf("%w: %s has %d of %d members ranked (minimum %d)",
			ErrInsufficientOverlap, set.Name(), overlap, len(set.Genes), cfg.MinOverlap)
	}

	obs := rk.walk(member, overlap)

	// Coarse pass first; geometric escalation only while the observed score
	// still sits outside every sampled permutation.
	perm := make([]bool, rk.n)
	budget := cfg.InitialSamples
	total, exceed := 0, 0
	for {
		for s := 0; s < budget; s++ {
			samplePermutation(perm, rk.n, overlap, rng)
			es := rk.walk(perm, overlap)
			if math.Abs(es) >= math.Abs(obs) {
				exceed++
			}
		}
		total += budget
		if exceed > 0 || total >= cfg.MaxSamples {
			break
		}
		budget *= 2
		if total+budget > cfg.MaxSamples {
			budget = cfg.MaxSamples - total
		}
	}

	p := (1 + float64(exceed)) / (1 + float64(total))
	return Result{
		Set:       set.Name(),
		Context:   set.Context,
		Condition: set.Condition,
		Size:      len(set.Genes),
		Overlap:   overlap,
		ES:        obs,
		P:         p,
		Samples:   total,
	}, nil
}

// samplePermutation marks k random universe positions in buf, clearing it
// first. Floyd's algorithm keeps it O(k) per draw.
func samplePermutation(buf []bool, n, k int, rng *rand.Rand) {
	for i := range buf {
		buf[i] = false
	}
	for j := n - k; j < n; j++ {
		t := rng.Intn(j + 1)
		if buf[t] {
			buf[j] = true
		} else {
			buf[t] = true
		}
	}
}

// setSeed derives a stable per-set seed from the master seed and set name.
func setSeed(master int64, name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	s := master ^ int64(h.Sum64())
	if s == 0 {
		s = master | 1
	}
	return s
}

// ranking is a gene ranking sorted by score descending, preprocessed for
// repeated walks.
type ranking struct {
	genes  []string
	scores []float64 // descending order, absolute values used as weights
	index  map[string]int
	n      int
}

func newRanking(ranked []RankedGene) (*ranking, error) {
	rk := &ranking{
		genes:  make([]string, len(ranked)),
		scores: make([]float64, len(ranked)),
		index:  make(map[string]int, len(ranked)),
		n:      len(ranked),
	}
	ordered := append([]RankedGene(nil), ranked...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Score > ordered[j].Score })
	for i, rg := range ordered {
		if !finite(rg.Score) {
			return nil, fmt.Errorf("enrich: non-finite score for gene %s", rg.Gene)
		}
		if _, dup := rk.index[rg.Gene]; dup {
			return nil, fmt.Errorf("enrich: duplicate gene %s in ranking", rg.Gene)
		}
		rk.genes[i] = rg.Gene
		rk.scores[i] = rg.Score
		rk.index[rg.Gene] = i
	}
	return rk, nil
}

// walk runs the weighted KS-like statistic: hits step up proportionally to
// |score|, misses step down by a fixed 1/(N-n), and the signed maximum
// absolute deviation is the enrichment score.
func (rk *ranking) walk(member []bool, overlap int) float64 {
	var weightSum float64
	for i, m := range member {
		if m {
			weightSum += math.Abs(rk.scores[i])
		}
	}
	missStep := 1.0 / float64(rk.n-overlap)

	var running, best float64
	for i := 0; i < rk.n; i++ {
		if member[i] {
			if weightSum > 0 {
				running += math.Abs(rk.scores[i]) / weightSum
			} else {
				// Degenerate all-zero weights: fall back to equal hit steps.
				running += 1.0 / float64(overlap)
			}
		} else {
			running -= missStep
		}
		if math.Abs(running) > math.Abs(best) {
			best = running
		}
	}
	return best
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
