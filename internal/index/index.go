// Package index implements an inverted-file (IVF) nearest-neighbour index over
// unit-normalized vectors. Until it has seen TrainThreshold vectors the index
// searches exhaustively; after training it probes the NProbe closest of NList
// k-means partitions.
package index

import (
	"container/heap"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/rcliao/memrag/internal/embedding"
	"github.com/rcliao/memrag/internal/logging"
	"github.com/rcliao/memrag/internal/memerr"
)

// Options configures an Index.
type Options struct {
	Dim            int
	NList          int
	NProbe         int
	TrainThreshold int
}

// DefaultOptions returns the documented index defaults for dim.
func DefaultOptions(dim int) Options {
	return Options{Dim: dim, NList: 100, NProbe: 10, TrainThreshold: 10000}
}

// Result is one search hit.
type Result struct {
	ID         int64
	Similarity float64
}

// Meta describes an index for the sidecar meta file.
type Meta struct {
	Dim     int  `json:"dim"`
	NList   int  `json:"nlist"`
	NProbe  int  `json:"nprobe"`
	Trained bool `json:"trained"`
	NTotal  int  `json:"ntotal"`
}

// Index is safe for concurrent use.
type Index struct {
	mu     sync.RWMutex
	opts   Options
	logger *zap.Logger

	nextID  int64
	vectors map[int64][]float32

	trained   bool
	centroids [][]float32
	lists     [][]int64
	listOf    map[int64]int
}

// New creates an empty, untrained index.
func New(opts Options, logger *zap.Logger) *Index {
	if opts.NList <= 0 {
		opts.NList = 100
	}
	if opts.NProbe <= 0 {
		opts.NProbe = 10
	}
	if opts.TrainThreshold <= 0 {
		opts.TrainThreshold = 10000
	}
	return &Index{
		opts:    opts,
		logger:  logging.OrNop(logger).With(zap.String("component", "index")),
		vectors: make(map[int64][]float32),
		listOf:  make(map[int64]int),
	}
}

// Dim returns the configured dimension.
func (idx *Index) Dim() int { return idx.opts.Dim }

// Len returns the number of live vectors.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.vectors)
}

// Trained reports whether the index has been partitioned.
func (idx *Index) Trained() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.trained
}

// Meta returns a snapshot description of the index.
func (idx *Index) Meta() Meta {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	nlist := idx.opts.NList
	if idx.trained {
		nlist = len(idx.centroids)
	}
	return Meta{
		Dim:     idx.opts.Dim,
		NList:   nlist,
		NProbe:  idx.opts.NProbe,
		Trained: idx.trained,
		NTotal:  len(idx.vectors),
	}
}

func (idx *Index) checkDim(op string, v []float32) error {
	if len(v) != idx.opts.Dim {
		return memerr.New(memerr.DimensionMismatch, op, "vector has %d dimensions, index expects %d", len(v), idx.opts.Dim)
	}
	return nil
}

// Add normalizes v, stores it and returns its id. Ids are assigned in
// increasing order and never reused.
func (idx *Index) Add(v []float32) (int64, error) {
	if err := idx.checkDim("index add", v); err != nil {
		return 0, err
	}
	v = embedding.Normalize(v)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	id := idx.nextID
	idx.nextID++
	idx.vectors[id] = v
	if idx.trained {
		idx.assign(id, v)
	} else if len(idx.vectors) >= idx.opts.TrainThreshold {
		idx.train()
	}
	return id, nil
}

// Remove deletes the vector with the given id. It reports whether it existed.
func (idx *Index) Remove(id int64) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, ok := idx.vectors[id]; !ok {
		return false
	}
	delete(idx.vectors, id)
	if l, ok := idx.listOf[id]; ok {
		list := idx.lists[l]
		for i, x := range list {
			if x == id {
				idx.lists[l] = append(list[:i], list[i+1:]...)
				break
			}
		}
		delete(idx.listOf, id)
	}
	return true
}

// Vector returns a copy of the stored (normalized) vector.
func (idx *Index) Vector(id int64) ([]float32, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	v, ok := idx.vectors[id]
	if !ok {
		return nil, false
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out, true
}

// Has reports whether id is live.
func (idx *Index) Has(id int64) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.vectors[id]
	return ok
}

// IDs returns the live ids in ascending order.
func (idx *Index) IDs() []int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.sortedIDs()
}

// Search returns up to k ids ordered by inner product with q, highest first;
// equal similarities are ordered by lower id.
func (idx *Index) Search(q []float32, k int) ([]Result, error) {
	if err := idx.checkDim("index search", q); err != nil {
		return nil, err
	}
	q = embedding.Normalize(q)

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if k > len(idx.vectors) {
		k = len(idx.vectors)
	}
	if k <= 0 {
		return []Result{}, nil
	}

	h := &resultHeap{}
	consider := func(id int64, v []float32) {
		r := Result{ID: id, Similarity: embedding.Dot(q, v)}
		if h.Len() < k {
			heap.Push(h, r)
		} else if better(r, (*h)[0]) {
			(*h)[0] = r
			heap.Fix(h, 0)
		}
	}

	if !idx.trained {
		for id, v := range idx.vectors {
			consider(id, v)
		}
	} else {
		for _, l := range idx.nearestLists(q, idx.opts.NProbe) {
			for _, id := range idx.lists[l] {
				consider(id, idx.vectors[id])
			}
		}
	}

	out := make([]Result, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(Result)
	}
	return out, nil
}

// Train partitions the current vectors. It is called automatically when the
// untrained index reaches TrainThreshold vectors.
func (idx *Index) Train() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.train()
}

func (idx *Index) train() {
	ids := idx.sortedIDs()
	if len(ids) == 0 {
		return
	}
	points := make([][]float32, len(ids))
	for i, id := range ids {
		points[i] = idx.vectors[id]
	}

	k := idx.opts.NList
	if k > len(points) {
		k = len(points)
	}
	idx.centroids = kmeans(points, k, kmeansIterations)
	idx.lists = make([][]int64, len(idx.centroids))
	idx.listOf = make(map[int64]int, len(ids))
	for _, id := range ids {
		idx.assign(id, idx.vectors[id])
	}
	idx.trained = true

	idx.logger.Info("trained index",
		zap.Int("vectors", len(ids)),
		zap.Int("nlist", len(idx.centroids)),
		zap.Int("nprobe", idx.opts.NProbe))
}

func (idx *Index) assign(id int64, v []float32) {
	l := nearestCentroid(idx.centroids, v)
	idx.lists[l] = append(idx.lists[l], id)
	idx.listOf[id] = l
}

func (idx *Index) nearestLists(q []float32, n int) []int {
	if n > len(idx.centroids) {
		n = len(idx.centroids)
	}
	type scored struct {
		list int
		sim  float64
	}
	all := make([]scored, len(idx.centroids))
	for i, c := range idx.centroids {
		all[i] = scored{list: i, sim: embedding.Dot(q, c)}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].sim > all[j].sim })
	out := make([]int, n)
	for i := range out {
		out[i] = all[i].list
	}
	return out
}

func (idx *Index) sortedIDs() []int64 {
	ids := make([]int64, 0, len(idx.vectors))
	for id := range idx.vectors {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// better reports whether a ranks ahead of b.
func better(a, b Result) bool {
	if a.Similarity != b.Similarity {
		return a.Similarity > b.Similarity
	}
	return a.ID < b.ID
}

// resultHeap keeps the worst retained result at the root.
type resultHeap []Result

func (h resultHeap) Len() int           { return len(h) }
func (h resultHeap) Less(i, j int) bool { return better(h[j], h[i]) }
func (h resultHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *resultHeap) Push(x any) { *h = append(*h, x.(Result)) }

func (h *resultHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// ErrDimensionChanged is returned by Load when the stored index was built for
// a different dimension. The returned index is empty.
var ErrDimensionChanged = errors.New("stored index dimension differs from configuration")

func dimChanged(stored, want int) error {
	return fmt.Errorf("%w: stored %d, configured %d", ErrDimensionChanged, stored, want)
}

func nearestCentroid(centroids [][]float32, v []float32) int {
	best, bestSim := 0, math.Inf(-1)
	for i, c := range centroids {
		if s := embedding.Dot(v, c); s > bestSim {
			best, bestSim = i, s
		}
	}
	return best
}
