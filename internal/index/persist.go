package index

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"go.uber.org/zap"
)

var magic = [4]byte{'M', 'R', 'I', 'X'}

const formatVersion uint32 = 1

// maxCentroids bounds the centroid count accepted from a file.
const maxCentroids = 1 << 16

type header struct {
	Magic      [4]byte
	Version    uint32
	Dim        uint32
	Trained    uint8
	NextID     int64
	Centroids  uint32
	NumVectors uint64
}

// WriteTo encodes the index in little-endian binary form: a header, the
// centroids (if trained) and one (id, vector) record per live vector in id
// order.
func (idx *Index) WriteTo(w io.Writer) (int64, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	bw := bufio.NewWriter(w)
	cw := &countingWriter{w: bw}

	h := header{
		Magic:      magic,
		Version:    formatVersion,
		Dim:        uint32(idx.opts.Dim),
		NextID:     idx.nextID,
		Centroids:  uint32(len(idx.centroids)),
		NumVectors: uint64(len(idx.vectors)),
	}
	if idx.trained {
		h.Trained = 1
	} else {
		h.Centroids = 0
	}
	if err := binary.Write(cw, binary.LittleEndian, h); err != nil {
		return cw.n, fmt.Errorf("write index header: %w", err)
	}
	if idx.trained {
		for _, c := range idx.centroids {
			if err := binary.Write(cw, binary.LittleEndian, c); err != nil {
				return cw.n, fmt.Errorf("write centroid: %w", err)
			}
		}
	}
	for _, id := range idx.sortedIDs() {
		if err := binary.Write(cw, binary.LittleEndian, id); err != nil {
			return cw.n, fmt.Errorf("write vector id: %w", err)
		}
		if err := binary.Write(cw, binary.LittleEndian, idx.vectors[id]); err != nil {
			return cw.n, fmt.Errorf("write vector %d: %w", id, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return cw.n, fmt.Errorf("flush index: %w", err)
	}
	return cw.n, nil
}

// Read decodes an index written by WriteTo. NList is taken from the stored
// centroids when the index was trained; NProbe and TrainThreshold come from
// opts. If the stored dimension differs from opts.Dim, Read returns an empty
// index together with an error wrapping ErrDimensionChanged.
func Read(r io.Reader, opts Options, logger *zap.Logger) (*Index, error) {
	idx := New(opts, logger)
	br := bufio.NewReader(r)

	var h header
	if err := binary.Read(br, binary.LittleEndian, &h); err != nil {
		return idx, fmt.Errorf("read index header: %w", err)
	}
	if h.Magic != magic {
		return idx, fmt.Errorf("read index: bad magic %q", h.Magic[:])
	}
	if h.Version != formatVersion {
		return idx, fmt.Errorf("read index: unsupported version %d", h.Version)
	}
	if int(h.Dim) != opts.Dim {
		return idx, dimChanged(int(h.Dim), opts.Dim)
	}

	if h.NextID < 0 || h.Centroids > maxCentroids || h.NumVectors > uint64(h.NextID) {
		return idx, fmt.Errorf("read index: corrupt header (next id %d, %d centroids, %d vectors)",
			h.NextID, h.Centroids, h.NumVectors)
	}

	// Counts come from the file; slices grow as records actually arrive so a
	// truncated file fails on EOF instead of allocating up front.
	dim := int(h.Dim)
	var centroids [][]float32
	for i := uint32(0); i < h.Centroids; i++ {
		c := make([]float32, dim)
		if err := binary.Read(br, binary.LittleEndian, c); err != nil {
			return New(opts, logger), fmt.Errorf("read centroid %d: %w", i, err)
		}
		centroids = append(centroids, c)
	}

	vectors := make(map[int64][]float32)
	for i := uint64(0); i < h.NumVectors; i++ {
		var id int64
		if err := binary.Read(br, binary.LittleEndian, &id); err != nil {
			return New(opts, logger), fmt.Errorf("read vector id: %w", err)
		}
		if id < 0 || id >= h.NextID {
			return New(opts, logger), fmt.Errorf("read index: vector id %d outside [0, %d)", id, h.NextID)
		}
		v := make([]float32, dim)
		if err := binary.Read(br, binary.LittleEndian, v); err != nil {
			return New(opts, logger), fmt.Errorf("read vector %d: %w", id, err)
		}
		vectors[id] = v
	}

	idx.vectors = vectors
	idx.nextID = h.NextID
	if h.Trained == 1 && len(centroids) > 0 {
		idx.trained = true
		idx.centroids = centroids
		idx.lists = make([][]int64, len(centroids))
		for _, id := range idx.sortedIDs() {
			idx.assign(id, vectors[id])
		}
	}
	return idx, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
