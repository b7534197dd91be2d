package vector

import (
	"container/heap"
	"math"
	"math/rand"
)

// Hierarchical navigable small world graph over a segment's points. The
// graph indexes internal offsets; the deleted-bitset filters results at
// query time so deletions never touch the graph structure.

type hnswParams struct {
	m              int     // neighbors kept per node per layer, 2*m on layer 0
	efConstruction int     // candidate pool during build
	efSearch       int     // candidate pool during queries
	levelFactor    float64 // 1/ln(m), governs level sampling
}

func defaultHNSWParams() hnswParams {
	m := 16
	return hnswParams{
		m:              m,
		efConstruction: 128,
		efSearch:       64,
		levelFactor:    1.0 / math.Log(float64(m)),
	}
}

type hnswGraph struct {
	params     hnswParams
	entryPoint uint32
	maxLevel   int
	// layers[l][node] lists the node's neighbors on level l. Nodes absent
	// from a level have no entry.
	layers []map[uint32][]uint32
}

// candidate is a (node, distance) pair for the search heaps.
type candidate struct {
	node uint32
	dist float32
}

// minHeap pops the closest candidate first.
type minHeap []candidate

func (h minHeap) Len() int { return len(h) }
func (h minHeap) Less(i, j int) bool { return h[i].dist < h[j].dist }
func (h minHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any) { *h = append(*h, x.(candidate)) }
func (h *minHeap) Pop() any { old := *h; n := len(old); c := old[n-1]; *h = old[:n-1]; return c }

// maxHeap pops the farthest candidate first, bounding the result set.
type maxHeap []candidate

func (h maxHeap) Len() int { return len(h) }
func (h maxHeap) Less(i, j int) bool { return h[i].dist > h[j].dist }
func (h maxHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x any) { *h = append(*h, x.(candidate)) }
func (h *maxHeap) Pop() any { old := *h; n := len(old); c := old[n-1]; *h = old[:n-1]; return c }

// buildHNSW indexes every point of the segment. Build order is insertion
// order; level assignment uses a deterministic seed so segment builds are
// reproducible.
func buildHNSW(seg *ImmutableSegment, params hnswParams) *hnswGraph {
	g := &hnswGraph{params: params}
	rng := rand.New(rand.NewSource(int64(seg.NumVectors())))

	for node := uint32(0); node < seg.NumVectors(); node++ {
		g.insert(seg, node, g.randomLevel(rng))
	}
	return g
}

func (g *hnswGraph) randomLevel(rng *rand.Rand) int {
	return int(-math.Log(rng.Float64()) * g.params.levelFactor)
}

func (g *hnswGraph) insert(seg *ImmutableSegment, node uint32, level int) {
	for len(g.layers) <= level {
		g.layers = append(g.layers, make(map[uint32][]uint32))
	}

	if len(g.layers[0]) == 0 {
		for l := 0; l <= level; l++ {
			g.layers[l][node] = nil
		}
		g.entryPoint = node
		g.maxLevel = level
		return
	}

	vec := seg.vectorAt(node)
	entry := g.entryPoint

	// Greedy descent through the levels above the node's level.
	for l := g.maxLevel; l > level; l-- {
		entry = g.greedyClosest(seg, vec, entry, l)
	}

	// Insert with candidate search on each level at or below.
	for l := min(level, g.maxLevel); l >= 0; l-- {
		neighbors := g.searchLayer(seg, vec, entry, l, g.params.efConstruction)
		m := g.params.m
		if l == 0 {
			m *= 2
		}
		selected := selectClosest(neighbors, m)
		g.layers[l][node] = selected
		for _, n := range selected {
			g.layers[l][n] = append(g.layers[l][n], node)
			if len(g.layers[l][n]) > m {
				g.layers[l][n] = g.pruneNeighbors(seg, n, g.layers[l][n], m)
			}
		}
		if len(neighbors) > 0 {
			entry = neighbors[0].node
		}
	}

	if level > g.maxLevel {
		for l := g.maxLevel + 1; l <= level; l++ {
			g.layers[l][node] = nil
		}
		g.maxLevel = level
		g.entryPoint = node
	}
}

func (g *hnswGraph) greedyClosest(seg *ImmutableSegment, vec []float32, entry uint32, level int) uint32 {
	best := entry
	bestDist := squaredDistance(vec, seg.vectorAt(entry))
	for {
		improved := false
		for _, n := range g.layers[level][best] {
			if d := squaredDistance(vec, seg.vectorAt(n)); d < bestDist {
				best, bestDist = n, d
				improved = true
			}
		}
		if !improved {
			return best
		}
	}
}

// searchLayer runs the ef-bounded best-first search on one level and
// returns candidates sorted closest first.
func (g *hnswGraph) searchLayer(seg *ImmutableSegment, vec []float32, entry uint32, level, ef int) []candidate {
	entryDist := squaredDistance(vec, seg.vectorAt(entry))
	visited := map[uint32]struct{}{entry: {}}

	frontier := &minHeap{{node: entry, dist: entryDist}}
	results := &maxHeap{{node: entry, dist: entryDist}}

	for frontier.Len() > 0 {
		closest := heap.Pop(frontier).(candidate)
		if results.Len() >= ef && closest.dist > (*results)[0].dist {
			break
		}
		for _, n := range g.layers[level][closest.node] {
			if _, seen := visited[n]; seen {
				continue
			}
			visited[n] = struct{}{}
			d := squaredDistance(vec, seg.vectorAt(n))
			if results.Len() < ef || d < (*results)[0].dist {
				heap.Push(frontier, candidate{node: n, dist: d})
				heap.Push(results, candidate{node: n, dist: d})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]candidate, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(candidate)
	}
	return out
}

func (g *hnswGraph) pruneNeighbors(seg *ImmutableSegment, node uint32, neighbors []uint32, m int) []uint32 {
	vec := seg.vectorAt(node)
	cands := make([]candidate, len(neighbors))
	for i, n := range neighbors {
		cands[i] = candidate{node: n, dist: squaredDistance(vec, seg.vectorAt(n))}
	}
	return selectClosest(cands, m)
}

func selectClosest(cands []candidate, m int) []uint32 {
	sorted := append([]candidate(nil), cands...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].dist < sorted[j-1].dist; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	if len(sorted) > m {
		sorted = sorted[:m]
	}
	out := make([]uint32, len(sorted))
	for i, c := range sorted {
		out[i] = c.node
	}
	return out
}

// search answers a query over the graph, filtering deleted points through
// the segment bitset and over-fetching to compensate.
func (g *hnswGraph) search(seg *ImmutableSegment, query []float32, k int) []SearchResult {
	if len(g.layers) == 0 || len(g.layers[0]) == 0 {
		return nil
	}
	entry := g.entryPoint
	for l := g.maxLevel; l > 0; l-- {
		entry = g.greedyClosest(seg, query, entry, l)
	}
	ef := g.params.efSearch
	if need := k + int(seg.NumDeleted()); need > ef {
		ef = need
	}
	cands := g.searchLayer(seg, query, entry, 0, ef)

	out := make([]SearchResult, 0, k)
	for _, c := range cands {
		if seg.deleted.Contains(c.node) {
			continue
		}
		out = append(out, SearchResult{ID: seg.ids[c.node], Distance: c.dist})
		if len(out) == k {
			break
		}
	}
	return out
}
