package gate

import (
	"errors"
	"testing"

	"github.com/spotsig/spotsig/internal/section"
)

func markerSection(t *testing.T) *section.Section {
	t.Helper()
	spots := []string{"s1", "s2", "s3", "s4"}
	genes := []string{"EPCAM"}
	counts := [][]float64{{0, 3, 5, 3}}
	sec, err := section.New("gated", spots, genes, counts, nil)
	if err != nil {
		t.Fatalf("section.New failed: %v", err)
	}
	return sec
}

func TestApplyStrictCutoff(t *testing.T) {
	sec := markerSection(t)

	lab, err := Apply(sec, "EPCAM", 3)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	// Strictly greater than the cutoff is above; equal stays below.
	want := map[string]string{
		"s1": LabelBelow,
		"s2": LabelBelow,
		"s3": LabelAbove,
		"s4": LabelBelow,
	}
	for spot, w := range want {
		if got := lab.Labels[spot]; got != w {
			t.Errorf("spot %s labeled %s, want %s", spot, got, w)
		}
	}
	if lab.Stage != Stage {
		t.Errorf("stage = %s, want %s", lab.Stage, Stage)
	}
}

func TestApplyPurity(t *testing.T) {
	sec := markerSection(t)
	lab, err := Apply(sec, "EPCAM", 2)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	above := lab.Group(LabelAbove)
	row, _ := sec.RawCounts("EPCAM")
	for _, spot := range above {
		i, _ := sec.SpotIndex(spot)
		if row[i] <= 2 {
			t.Errorf("spot %s in above group with count %v <= cutoff", spot, row[i])
		}
	}
	below := lab.Group(LabelBelow)
	for _, spot := range below {
		i, _ := sec.SpotIndex(spot)
		if row[i] > 2 {
			t.Errorf("spot %s in below group with count %v > cutoff", spot, row[i])
		}
	}
	if len(above)+len(below) != sec.NSpots() {
		t.Errorf("groups cover %d spots, want %d", len(above)+len(below), sec.NSpots())
	}
}

func TestApplyDeterministic(t *testing.T) {
	sec := markerSection(t)
	a, _ := Apply(sec, "EPCAM", 3)
	b, _ := Apply(sec, "EPCAM", 3)
	for spot, la := range a.Labels {
		if lb := b.Labels[spot]; la != lb {
			t.Fatalf("gate not deterministic for %s: %s vs %s", spot, la, lb)
		}
	}
}

func TestApplyMissingMarker(t *testing.T) {
	sec := markerSection(t)
	if _, err := Apply(sec, "VIM", 1); !errors.Is(err, ErrMissingMarker) {
		t.Errorf("expected ErrMissingMarker, got %v", err)
	}
}

func TestApplyCounts(t *testing.T) {
	sec := markerSection(t)

	lab, err := ApplyCounts(sec, map[string]float64{"s1": 0, "s2": 4, "s3": 4, "s4": 1}, 3)
	if err != nil {
		t.Fatalf("ApplyCounts failed: %v", err)
	}
	if lab.Labels["s2"] != LabelAbove || lab.Labels["s4"] != LabelBelow {
		t.Errorf("unexpected labels: %v", lab.Labels)
	}

	// A spot without a count fails the section.
	if _, err := ApplyCounts(sec, map[string]float64{"s1": 1}, 0); !errors.Is(err, ErrMissingMarker) {
		t.Errorf("expected ErrMissingMarker for missing spot count, got %v", err)
	}
}

func TestPolicyValid(t *testing.T) {
	if !PolicyPartition.Valid() || !PolicyMarker.Valid() {
		t.Error("built-in policies should be valid")
	}
	if Policy("consensus").Valid() {
		t.Error("unknown policy should be invalid")
	}
}
