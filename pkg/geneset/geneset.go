// Package geneset loads and serves curated reference gene sets grouped by a
// two-level key: biological context and treatment condition. A library is
// loaded once per run and never mutated afterwards.
package geneset

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrEmptyLibrary indicates a library file with no usable rows.
var ErrEmptyLibrary = errors.New("geneset: empty library")

// Set is one named, immutable gene set.
type Set struct {
	Context   string
	Condition string
	Genes     []string
}

// Name returns the canonical "context|condition" set name used throughout
// result tables.
func (s Set) Name() string {
	return s.Context + "|" + s.Condition
}

// Library is a read-only collection of gene sets, indexed by the two-level
// key and preserving file discovery order.
type Library struct {
	sets  []Set
	index map[string]int
}

// NewLibrary builds a library from parsed sets, deduplicating genes within a
// set and rejecting duplicate keys.
func NewLibrary(sets []Set) (*Library, error) {
	if len(sets) == 0 {
		return nil, ErrEmptyLibrary
	}
	lib := &Library{index: make(map[string]int, len(sets))}
	for _, s := range sets {
		if s.Context == "" || s.Condition == "" {
			return nil, fmt.Errorf("geneset: set with empty key (%q,%q)", s.Context, s.Condition)
		}
		name := s.Name()
		if _, dup := lib.index[name]; dup {
			return nil, fmt.Errorf("geneset: duplicate set %s", name)
		}
		seen := make(map[string]bool, len(s.Genes))
		genes := make([]string, 0, len(s.Genes))
		for _, g := range s.Genes {
			if g == "" || seen[g] {
				continue
			}
			seen[g] = true
			genes = append(genes, g)
		}
		if len(genes) == 0 {
			return nil, fmt.Errorf("geneset: set %s has no genes", name)
		}
		lib.index[name] = len(lib.sets)
		lib.sets = append(lib.sets, Set{Context: s.Context, Condition: s.Condition, Genes: genes})
	}
	return lib, nil
}

// Sets returns all gene sets in discovery order.
func (l *Library) Sets() []Set { return l.sets }

// Get resolves a set by its canonical name.
func (l *Library) Get(name string) (Set, bool) {
	i, ok := l.index[name]
	if !ok {
		return Set{}, false
	}
	return l.sets[i], true
}

// Contexts returns the distinct biological contexts, sorted.
func (l *Library) Contexts() []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range l.sets {
		if !seen[s.Context] {
			seen[s.Context] = true
			out = append(out, s.Context)
		}
	}
	sort.Strings(out)
	return out
}

// ByContext returns the sets of one biological context in discovery order.
func (l *Library) ByContext(context string) []Set {
	var out []Set
	for _, s := range l.sets {
		if s.Context == context {
			out = append(out, s)
		}
	}
	return out
}

// Parse reads a library from tab-separated rows of the form
// "context<TAB>condition<TAB>gene1,gene2,...". Blank lines and lines
// starting with '#' are skipped.
func Parse(lines []string) (*Library, error) {
	var sets []Set
	index := make(map[string]int)
	for ln, line := range lines {
		line = strings.TrimRight(line, "\r\n")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 3 {
			return nil, fmt.Errorf("geneset: line %d: want 3 tab-separated fields, got %d", ln+1, len(fields))
		}
		context, condition := fields[0], fields[1]
		genes := strings.Split(fields[2], ",")
		key := context + "|" + condition
		if i, ok := index[key]; ok {
			// Multiple rows for one key accumulate into one set.
			sets[i].Genes = append(sets[i].Genes, genes...)
			continue
		}
		index[key] = len(sets)
		sets = append(sets, Set{Context: context, Condition: condition, Genes: genes})
	}
	return NewLibrary(sets)
}
