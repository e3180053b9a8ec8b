package index

import (
	"math/rand"

	"github.com/rcliao/memrag/internal/embedding"
)

const (
	kmeansIterations = 10
	kmeansSeed       = 1
)

// kmeans runs spherical k-means (inner-product assignment, normalized
// centroids) with k-means++ seeding. The fixed seed makes training
// reproducible for the same input order.
func kmeans(points [][]float32, k, iterations int) [][]float32 {
	rng := rand.New(rand.NewSource(kmeansSeed))
	centroids := seedPlusPlus(points, k, rng)
	dim := len(points[0])
	assign := make([]int, len(points))

	for it := 0; it < iterations; it++ {
		changed := false
		for i, p := range points {
			c := nearestCentroid(centroids, p)
			if it == 0 || c != assign[i] {
				changed = true
			}
			assign[i] = c
		}
		if !changed {
			break
		}

		sums := make([][]float64, k)
		counts := make([]int, k)
		for i := range sums {
			sums[i] = make([]float64, dim)
		}
		for i, p := range points {
			c := assign[i]
			counts[c]++
			for d, x := range p {
				sums[c][d] += float64(x)
			}
		}
		for c := range centroids {
			if counts[c] == 0 {
				// Re-seed an empty partition with a random point.
				centroids[c] = clone(points[rng.Intn(len(points))])
				continue
			}
			next := make([]float32, dim)
			for d := range next {
				next[d] = float32(sums[c][d] / float64(counts[c]))
			}
			centroids[c] = embedding.Normalize(next)
		}
	}
	return centroids
}

func seedPlusPlus(points [][]float32, k int, rng *rand.Rand) [][]float32 {
	centroids := make([][]float32, 0, k)
	centroids = append(centroids, clone(points[rng.Intn(len(points))]))

	// dist holds the squared distance to the closest chosen centroid; for unit
	// vectors that is 2 - 2·dot.
	dist := make([]float64, len(points))
	for i, p := range points {
		dist[i] = sqDist(p, centroids[0])
	}
	for len(centroids) < k {
		var total float64
		for _, d := range dist {
			total += d
		}
		next := 0
		if total > 0 {
			r := rng.Float64() * total
			for i, d := range dist {
				r -= d
				if r <= 0 {
					next = i
					break
				}
			}
		} else {
			next = rng.Intn(len(points))
		}
		c := clone(points[next])
		centroids = append(centroids, c)
		for i, p := range points {
			if d := sqDist(p, c); d < dist[i] {
				dist[i] = d
			}
		}
	}
	return centroids
}

func sqDist(a, b []float32) float64 {
	d := 2 - 2*embedding.Dot(a, b)
	if d < 0 {
		return 0
	}
	return d
}

func clone(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
