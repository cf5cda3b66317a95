package consensus

import (
	"errors"
	"math"
	"testing"

	"github.com/spotsig/spotsig/internal/de"
)

func makeTable(sectionID string, results []de.Result) *de.Table {
	t := &de.Table{SectionID: sectionID, Contrast: "tumor_vs_normal", Results: results}
	t.RebuildIndex()
	return t
}

func TestBuildVoteBelowThreshold(t *testing.T) {
	// One gene tested in four sections: significant in two of them, so with
	// a three-section requirement it stays out despite consistent signs in
	// three sections.
	padj := []float64{0.001, 0.02, 0.2, 0.003}
	fc := []float64{1.1, 0.9, 0.5, -0.3}
	tables := make([]*de.Table, 4)
	for i := range tables {
		tables[i] = makeTable(
			[]string{"secA", "secB", "secC", "secD"}[i],
			[]de.Result{{Gene: "EPCAM", Log2FC: fc[i], P: padj[i], PAdj: padj[i]}},
		)
	}

	sig, err := Build(tables, 0.01, 3)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if len(sig.All) != 1 {
		t.Fatalf("expected 1 joined gene, got %d", len(sig.All))
	}
	gc := sig.All[0]
	if gc.SigCount != 2 {
		t.Errorf("SigCount = %d, want 2", gc.SigCount)
	}
	if gc.Tested != 4 {
		t.Errorf("Tested = %d, want 4", gc.Tested)
	}
	if gc.SignConsistent {
		t.Error("mixed signs should not be consistent")
	}
	if gc.InSignature {
		t.Error("gene should be excluded: vote below threshold and mixed signs")
	}
	wantMean := (1.1 + 0.9 + 0.5 - 0.3) / 4
	if math.Abs(gc.MeanLog2FC-wantMean) > 1e-12 {
		t.Errorf("MeanLog2FC = %v, want %v", gc.MeanLog2FC, wantMean)
	}
}

func TestBuildAdmission(t *testing.T) {
	tables := []*de.Table{
		makeTable("secA", []de.Result{{Gene: "KRT8", Log2FC: 1.2, PAdj: 0.001}}),
		makeTable("secB", []de.Result{{Gene: "KRT8", Log2FC: 0.8, PAdj: 0.004}}),
		makeTable("secC", []de.Result{{Gene: "KRT8", Log2FC: 1.5, PAdj: 0.002}}),
	}

	sig, err := Build(tables, 0.01, 3)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	genes := sig.Genes()
	if len(genes) != 1 || genes[0].Gene != "KRT8" {
		t.Fatalf("expected KRT8 in signature, got %v", genes)
	}
	if !genes[0].SignConsistent {
		t.Error("uniform positive signs should be consistent")
	}
}

func TestBuildStrictBoundary(t *testing.T) {
	// Exactly minSections-1 significant sections: the strict comparison
	// keeps the gene out.
	tables := []*de.Table{
		makeTable("secA", []de.Result{{Gene: "VIM", Log2FC: 1.0, PAdj: 0.001}}),
		makeTable("secB", []de.Result{{Gene: "VIM", Log2FC: 0.9, PAdj: 0.002}}),
		makeTable("secC", []de.Result{{Gene: "VIM", Log2FC: 1.1, PAdj: 0.5}}),
	}

	sig, err := Build(tables, 0.01, 3)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if sig.All[0].InSignature {
		t.Error("two significant sections must not satisfy a three-section requirement")
	}

	// Lowering the requirement to two admits it.
	sig, err = Build(tables, 0.01, 2)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if !sig.All[0].InSignature {
		t.Error("two significant consistent sections should satisfy a two-section requirement")
	}
}

func TestBuildMixedSignExclusion(t *testing.T) {
	// Significant everywhere but with opposing directions.
	tables := []*de.Table{
		makeTable("secA", []de.Result{{Gene: "MKI67", Log2FC: 1.0, PAdj: 0.001}}),
		makeTable("secB", []de.Result{{Gene: "MKI67", Log2FC: -1.0, PAdj: 0.001}}),
	}

	sig, err := Build(tables, 0.01, 2)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	gc := sig.All[0]
	if gc.SigCount != 2 {
		t.Errorf("SigCount = %d, want 2", gc.SigCount)
	}
	if gc.InSignature {
		t.Error("sign-inconsistent gene must be excluded")
	}
}

func TestBuildOuterJoin(t *testing.T) {
	// A gene absent from one section still averages over the sections that
	// tested it.
	tables := []*de.Table{
		makeTable("secA", []de.Result{{Gene: "CD3E", Log2FC: 2.0, PAdj: 0.001}}),
		makeTable("secB", []de.Result{{Gene: "OTHER", Log2FC: 0.1, PAdj: 0.9}}),
	}

	sig, err := Build(tables, 0.01, 1)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	var cd3e *GeneConsensus
	for i := range sig.All {
		if sig.All[i].Gene == "CD3E" {
			cd3e = &sig.All[i]
		}
	}
	if cd3e == nil {
		t.Fatal("CD3E missing from outer join")
	}
	if cd3e.Tested != 1 {
		t.Errorf("Tested = %d, want 1", cd3e.Tested)
	}
	if cd3e.MeanLog2FC != 2.0 {
		t.Errorf("MeanLog2FC = %v, want 2.0 (untested sections contribute nothing)", cd3e.MeanLog2FC)
	}
	if !cd3e.InSignature {
		t.Error("single significant section satisfies a one-section requirement")
	}
}

func TestBuildErrors(t *testing.T) {
	if _, err := Build(nil, 0.01, 1); !errors.Is(err, ErrNoTables) {
		t.Errorf("expected ErrNoTables, got %v", err)
	}

	a := makeTable("secA", []de.Result{{Gene: "g", Log2FC: 1, PAdj: 0.5}})
	b := &de.Table{SectionID: "secB", Contrast: "other"}
	b.RebuildIndex()
	if _, err := Build([]*de.Table{a, b}, 0.01, 1); !errors.Is(err, ErrContrastMismatch) {
		t.Errorf("expected ErrContrastMismatch, got %v", err)
	}

	if _, err := Build([]*de.Table{a}, 1.5, 1); err == nil {
		t.Error("expected error for alpha outside (0,1)")
	}
	if _, err := Build([]*de.Table{a}, 0.01, 0); err == nil {
		t.Error("expected error for minSections < 1")
	}
}
