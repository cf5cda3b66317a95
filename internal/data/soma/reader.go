// Package soma provides minimal, read-only access to a TileDB-SOMA
// experiment as an alternative section source to flat tables.
//
// This is intentionally small: we only support what the pipeline needs:
//   - spot identifiers from obs, gene identifiers from ms/RNA/var
//   - the sparse X counts read into a dense gene-by-spot matrix
//   - one obsm embedding matrix
package soma

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsupported indicates this binary was built without SOMA/TileDB
// support.
var ErrUnsupported = errors.New("soma support is not enabled in this build (build with: go build -tags soma)")

// ResolveExperimentURI accepts either:
//   - /path/to/.../soma/experiment.soma
//   - /path/to/.../soma  (parent directory)
//
// and returns the experiment.soma path.
func ResolveExperimentURI(somaPath string) (string, error) {
	p := strings.TrimSpace(somaPath)
	if p == "" {
		return "", errors.New("empty soma_path")
	}
	p = os.ExpandEnv(p)
	p = filepath.Clean(p)

	if strings.HasSuffix(p, ".soma") {
		return p, nil
	}
	return filepath.Join(p, "experiment.soma"), nil
}
