package memory

import (
	"sort"

	"github.com/rcliao/memrag/internal/embedding"
)

// Cluster groups vectors by single linkage: two items share a cluster when a
// chain of pairs with cosine similarity at or above threshold connects them.
// Vectors are expected to be unit-normalized. Every input index appears in
// exactly one cluster; clusters are ordered by their smallest member and
// members are ascending.
func Cluster(vectors [][]float32, threshold float64) [][]int {
	return ClusterWith(len(vectors), func(i int) []int {
		var out []int
		for j := i + 1; j < len(vectors); j++ {
			if vectors[i] == nil || vectors[j] == nil {
				continue
			}
			if embedding.Dot(vectors[i], vectors[j]) >= threshold {
				out = append(out, j)
			}
		}
		return out
	})
}

// ClusterWith builds single-linkage clusters over n items from a neighbour
// function. neighbours(i) may return any indices linked to i; links are
// treated as symmetric.
func ClusterWith(n int, neighbours func(i int) []int) [][]int {
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	find := func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra == rb {
			return
		}
		if ra < rb {
			parent[rb] = ra
		} else {
			parent[ra] = rb
		}
	}

	for i := 0; i < n; i++ {
		for _, j := range neighbours(i) {
			if j >= 0 && j < n && j != i {
				union(i, j)
			}
		}
	}

	groups := make(map[int][]int)
	for i := 0; i < n; i++ {
		r := find(i)
		groups[r] = append(groups[r], i)
	}
	out := make([][]int, 0, len(groups))
	for _, g := range groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}
