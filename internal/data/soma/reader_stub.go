//go:build !soma

package soma

import (
	"fmt"
	"os"

	"github.com/spotsig/spotsig/internal/section"
)

// Reader is a stub when built without "-tags soma".
type Reader struct {
	experimentURI string
}

// NewReader creates a SOMA reader (stub). It still resolves and validates
// the experiment path, so config issues can be caught early, but all read
// methods return ErrUnsupported.
func NewReader(somaPath string) (*Reader, error) {
	uri, err := ResolveExperimentURI(somaPath)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(uri); statErr != nil {
		return nil, fmt.Errorf("soma experiment not found at %s: %w", uri, statErr)
	}
	return &Reader{experimentURI: uri}, nil
}

func (r *Reader) Supported() bool { return false }

func (r *Reader) ExperimentURI() string { return r.experimentURI }

// LoadSection materializes one section (counts plus embedding) from the
// experiment.
func (r *Reader) LoadSection(sectionID, embeddingKey string) (*section.Section, error) {
	return nil, ErrUnsupported
}
