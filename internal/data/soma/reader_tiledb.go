//go:build soma

package soma

import (
	"fmt"
	"os"
	"sort"

	tiledb "github.com/TileDB-Inc/TileDB-Go"

	"github.com/spotsig/spotsig/internal/section"
)

// Reader materializes sections from a TileDB-SOMA experiment.
type Reader struct {
	experimentURI string
	ctx           *tiledb.Context
}

func NewReader(somaPath string) (*Reader, error) {
	uri, err := ResolveExperimentURI(somaPath)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(uri); statErr != nil {
		return nil, fmt.Errorf("soma experiment not found at %s: %w", uri, statErr)
	}

	ctx, err := tiledb.NewContext(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create TileDB context: %w", err)
	}

	return &Reader{experimentURI: uri, ctx: ctx}, nil
}

func (r *Reader) Supported() bool { return true }

func (r *Reader) ExperimentURI() string { return r.experimentURI }

// LoadSection reads obs spot ids, var gene ids, the sparse X counts and one
// obsm embedding into a dense Section. Spot and gene order follow their
// soma_joinid order so repeated loads are identical.
func (r *Reader) LoadSection(sectionID, embeddingKey string) (*section.Section, error) {
	spots, err := r.loadIDFrame(r.experimentURI+"/obs", "spot_id")
	if err != nil {
		return nil, fmt.Errorf("failed to load obs: %w", err)
	}
	genes, err := r.loadIDFrame(r.experimentURI+"/ms/RNA/var", "gene_id")
	if err != nil {
		return nil, fmt.Errorf("failed to load var: %w", err)
	}
	if len(spots) == 0 || len(genes) == 0 {
		return nil, fmt.Errorf("empty experiment at %s", r.experimentURI)
	}

	spotPos := joinIDPositions(spots)
	genePos := joinIDPositions(genes)

	counts := make([][]float64, len(genes))
	for i := range counts {
		counts[i] = make([]float64, len(spots))
	}
	err = r.scanSparse(r.experimentURI+"/ms/RNA/X/data", func(dim0, dim1 int64, val float32) {
		si, ok1 := spotPos[dim0]
		gi, ok2 := genePos[dim1]
		if ok1 && ok2 {
			counts[gi][si] = float64(val)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan X: %w", err)
	}

	var embedding [][]float64
	if embeddingKey != "" {
		dims := int64(0)
		embedding = make([][]float64, len(spots))
		err = r.scanSparse(r.experimentURI+"/ms/RNA/obsm/"+embeddingKey, func(dim0, dim1 int64, val float32) {
			si, ok := spotPos[dim0]
			if !ok {
				return
			}
			if dim1 >= dims {
				dims = dim1 + 1
			}
			for len(embedding[si]) <= int(dim1) {
				embedding[si] = append(embedding[si], 0)
			}
			embedding[si][dim1] = float64(val)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan obsm/%s: %w", embeddingKey, err)
		}
		// Pad ragged rows so every spot has the full width.
		for si := range embedding {
			for len(embedding[si]) < int(dims) {
				embedding[si] = append(embedding[si], 0)
			}
		}
	}

	spotNames := make([]string, len(spots))
	for i, e := range spots {
		spotNames[i] = e.id
	}
	geneNames := make([]string, len(genes))
	for i, e := range genes {
		geneNames[i] = e.id
	}
	return section.New(sectionID, spotNames, geneNames, counts, embedding)
}

type idEntry struct {
	joinID int64
	id     string
}

func joinIDPositions(entries []idEntry) map[int64]int {
	m := make(map[int64]int, len(entries))
	for i, e := range entries {
		m[e.joinID] = i
	}
	return m
}

// loadIDFrame streams a SOMA DataFrame's (soma_joinid, <attr>) pairs in
// chunks and returns them sorted by joinid.
func (r *Reader) loadIDFrame(arrURI, attrName string) ([]idEntry, error) {
	arr, err := tiledb.NewArray(r.ctx, arrURI)
	if err != nil {
		return nil, fmt.Errorf("failed to open array (%s): %w", arrURI, err)
	}
	defer arr.Free()
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		return nil, fmt.Errorf("failed to open array for read: %w", err)
	}
	defer arr.Close()

	ned, isEmpty, err := arr.NonEmptyDomainFromName("soma_joinid")
	if err != nil {
		return nil, fmt.Errorf("failed to get non-empty domain: %w", err)
	}
	if isEmpty || ned == nil {
		return nil, nil
	}
	minID, maxID, err := boundsMinMaxInt64(ned.Bounds)
	if err != nil {
		return nil, fmt.Errorf("failed to parse non-empty domain bounds: %w", err)
	}

	sub, err := arr.NewSubarray()
	if err != nil {
		return nil, fmt.Errorf("failed to create subarray: %w", err)
	}
	defer sub.Free()
	if err := sub.AddRangeByName("soma_joinid", tiledb.MakeRange[int64](minID, maxID)); err != nil {
		return nil, fmt.Errorf("failed to set range: %w", err)
	}

	q, err := tiledb.NewQuery(r.ctx, arr)
	if err != nil {
		return nil, fmt.Errorf("failed to create query: %w", err)
	}
	defer q.Free()
	if err := q.SetSubarray(sub); err != nil {
		return nil, fmt.Errorf("failed to set subarray: %w", err)
	}
	if err := q.SetLayout(tiledb.TILEDB_ROW_MAJOR); err != nil {
		return nil, fmt.Errorf("failed to set layout: %w", err)
	}

	const chunkRows = 4096
	joinIDs := make([]int64, chunkRows)
	offsets := make([]uint64, chunkRows)
	dataBytes := make([]byte, 1024*1024)

	var entries []idEntry
	for {
		// Buffer sizes are in/out params, so rebind every submit.
		if _, err := q.SetDataBuffer("soma_joinid", joinIDs); err != nil {
			return nil, fmt.Errorf("failed to set buffer soma_joinid: %w", err)
		}
		if _, err := q.SetOffsetsBuffer(attrName, offsets); err != nil {
			return nil, fmt.Errorf("failed to set offsets buffer %s: %w", attrName, err)
		}
		if _, err := q.SetDataBuffer(attrName, dataBytes); err != nil {
			return nil, fmt.Errorf("failed to set data buffer %s: %w", attrName, err)
		}

		if err := q.Submit(); err != nil {
			return nil, fmt.Errorf("query submit failed: %w", err)
		}
		status, err := q.Status()
		if err != nil {
			return nil, fmt.Errorf("query status failed: %w", err)
		}
		elems, err := q.ResultBufferElements()
		if err != nil {
			return nil, fmt.Errorf("ResultBufferElements failed: %w", err)
		}

		usedJoin := int(elems["soma_joinid"][1])
		usedOffsets := int(elems[attrName][0])
		usedBytes := int(elems[attrName][1])
		if usedJoin > len(joinIDs) {
			usedJoin = len(joinIDs)
		}
		if usedOffsets > len(offsets) {
			usedOffsets = len(offsets)
		}
		if usedBytes > len(dataBytes) {
			usedBytes = len(dataBytes)
		}

		if status == tiledb.TILEDB_INCOMPLETE && usedJoin == 0 && usedBytes == 0 {
			if len(dataBytes) < 64*1024*1024 {
				dataBytes = make([]byte, len(dataBytes)*2)
				continue
			}
			return nil, fmt.Errorf("query buffers too small (%s); grew to %d bytes and still no progress", attrName, len(dataBytes))
		}

		off := offsets[:usedOffsets]
		data := dataBytes[:usedBytes]
		lim := usedJoin
		if usedOffsets < lim {
			lim = usedOffsets
		}
		for i := 0; i < lim; i++ {
			start := int(off[i])
			end := len(data)
			if i+1 < usedOffsets {
				end = int(off[i+1])
			}
			if start < 0 || end < start || end > len(data) {
				continue
			}
			id := string(data[start:end])
			if id != "" {
				entries = append(entries, idEntry{joinID: joinIDs[i], id: id})
			}
		}

		if status == tiledb.TILEDB_COMPLETED {
			break
		}
		if status != tiledb.TILEDB_INCOMPLETE {
			return nil, fmt.Errorf("unexpected TileDB query status: %v", status)
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].joinID < entries[j].joinID })
	return entries, nil
}

// scanSparse streams a 2-D sparse float array's (dim0, dim1, value) triples.
func (r *Reader) scanSparse(arrURI string, visit func(dim0, dim1 int64, val float32)) error {
	arr, err := tiledb.NewArray(r.ctx, arrURI)
	if err != nil {
		return fmt.Errorf("failed to open array (%s): %w", arrURI, err)
	}
	defer arr.Free()
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		return fmt.Errorf("failed to open array for read: %w", err)
	}
	defer arr.Close()

	q, err := tiledb.NewQuery(r.ctx, arr)
	if err != nil {
		return fmt.Errorf("failed to create query: %w", err)
	}
	defer q.Free()
	_ = q.SetLayout(tiledb.TILEDB_UNORDERED)

	const chunk = 1 << 20
	dim0 := make([]int64, chunk)
	dim1 := make([]int64, chunk)
	vals := make([]float32, chunk)

	for {
		if _, err := q.SetDataBuffer("soma_dim_0", dim0); err != nil {
			return fmt.Errorf("failed to set buffer soma_dim_0: %w", err)
		}
		if _, err := q.SetDataBuffer("soma_dim_1", dim1); err != nil {
			return fmt.Errorf("failed to set buffer soma_dim_1: %w", err)
		}
		if _, err := q.SetDataBuffer("soma_data", vals); err != nil {
			return fmt.Errorf("failed to set buffer soma_data: %w", err)
		}

		if err := q.Submit(); err != nil {
			return fmt.Errorf("query submit failed: %w", err)
		}
		status, err := q.Status()
		if err != nil {
			return fmt.Errorf("query status failed: %w", err)
		}
		elems, err := q.ResultBufferElements()
		if err != nil {
			return fmt.Errorf("ResultBufferElements failed: %w", err)
		}
		got := int(elems["soma_data"][1])
		if got > len(vals) {
			got = len(vals)
		}
		for i := 0; i < got; i++ {
			visit(dim0[i], dim1[i], vals[i])
		}

		if status == tiledb.TILEDB_COMPLETED {
			return nil
		}
		if status != tiledb.TILEDB_INCOMPLETE {
			return fmt.Errorf("unexpected TileDB query status: %v", status)
		}
	}
}

func boundsMinMaxInt64(bounds interface{}) (int64, int64, error) {
	switch v := bounds.(type) {
	case []int64:
		if len(v) >= 2 {
			return v[0], v[1], nil
		}
	case []int32:
		if len(v) >= 2 {
			return int64(v[0]), int64(v[1]), nil
		}
	}
	return 0, 0, fmt.Errorf("unsupported bounds type for non-empty domain")
}
