// Package phenotype maps partition cluster indices to analyst-assigned
// phenotype names. The table is analyst configuration supplied per section,
// validated for completeness rather than hardcoded.
package phenotype

import (
	"errors"
	"fmt"

	"github.com/spotsig/spotsig/internal/section"
)

// ErrUnmappedCluster indicates an observed cluster index with no phenotype
// name in the section's table.
var ErrUnmappedCluster = errors.New("phenotype: observed cluster has no mapping")

// Table maps one section's cluster labels to phenotype names.
type Table map[string]string

// Apply renames every label of a partition labeling through the table. Every
// observed cluster index must be mapped; extra table entries are ignored.
func Apply(sec *section.Section, labeling *section.Labeling, table Table) (*section.Labeling, error) {
	for _, name := range labeling.GroupNames() {
		if _, ok := table[name]; !ok {
			return nil, fmt.Errorf("%w: cluster %s in section %s", ErrUnmappedCluster, name, labeling.SectionID)
		}
	}
	renamed := make(map[string]string, len(labeling.Labels))
	for spot, lab := range labeling.Labels {
		renamed[spot] = table[lab]
	}
	return section.NewLabeling(sec, "phenotype", renamed)
}
