// Package grouper implements the spatial grouper (§4.F): it takes the
// deduplicated per-frame detections and clusters the ones that represent
// the same physical fruit via DBSCAN over belt-plane (x, y) coordinates,
// grounded on the same grid-indexed DBSCAN the upstream sensor-fusion
// pipeline uses for its own point-cloud clustering.
package grouper

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/visifruit/core/internal/config"
)

// Detection is one deduplicated, classified sighting in belt-plane
// coordinates (meters from the camera origin).
type Detection struct {
	ID         uuid.UUID
	Class      config.FruitClass
	XM, YM     float64
	FrameTime  time.Time
	Confidence float64
}

// Cluster groups the detections DBSCAN judged to be the same physical
// fruit.
type Cluster struct {
	ID         uuid.UUID
	Detections []Detection
	CentroidXM float64
	CentroidYM float64

	// Rows and Cols are the number of distinct grid rows/columns the
	// member detections snap into (not positional indices). Members that
	// land in the same row/col bucket don't grow the count, so Rows*Cols
	// is smaller than len(Detections) when several members share one
	// row and one column bucket.
	Rows int
	Cols int

	// WidthM and LengthM are the cluster's axis-aligned extent in x and
	// y, padded up to at least one fruit's width so a single-detection
	// cluster is never reported as zero-sized.
	WidthM  float64
	LengthM float64

	Density          float64
	PredominantClass config.FruitClass
	FirstFrameTime   time.Time
}

// estimatedPointsPerCell sizes the spatial index's initial bucket
// capacity, mirroring the grid-indexed DBSCAN's own constant.
const estimatedPointsPerCell = 4

// spatialIndex is a grid-based neighbor index over 2D belt coordinates,
// the same cell-size-as-eps, Szudzik-pairing-function design as the
// point-cloud clusterer, adapted from 3D world points to 2D detections.
type spatialIndex struct {
	cellSize float64
	grid     map[int64][]int
}

func newSpatialIndex(cellSize float64) *spatialIndex {
	return &spatialIndex{cellSize: cellSize, grid: make(map[int64][]int)}
}

func (si *spatialIndex) build(points []Detection) {
	si.grid = make(map[int64][]int, len(points)/estimatedPointsPerCell+1)
	for i, p := range points {
		si.grid[si.cellID(p.XM, p.YM)] = append(si.grid[si.cellID(p.XM, p.YM)], i)
	}
}

func zigzag(v int64) int64 {
	if v >= 0 {
		return 2 * v
	}
	return -2*v - 1
}

func szudzikPair(a, b int64) int64 {
	if a >= b {
		return a*a + a + b
	}
	return a + b*b
}

func (si *spatialIndex) cellID(x, y float64) int64 {
	cellX := int64(math.Floor(x / si.cellSize))
	cellY := int64(math.Floor(y / si.cellSize))
	return szudzikPair(zigzag(cellX), zigzag(cellY))
}

func (si *spatialIndex) regionQuery(points []Detection, idx int, eps float64) []int {
	p := points[idx]
	eps2 := eps * eps
	cellX := int64(math.Floor(p.XM / si.cellSize))
	cellY := int64(math.Floor(p.YM / si.cellSize))

	var neighbors []int
	for dx := int64(-1); dx <= 1; dx++ {
		for dy := int64(-1); dy <= 1; dy++ {
			id := szudzikPair(zigzag(cellX+dx), zigzag(cellY+dy))
			for _, candidateIdx := range si.grid[id] {
				c := points[candidateIdx]
				ddx := c.XM - p.XM
				ddy := c.YM - p.YM
				if ddx*ddx+ddy*ddy <= eps2 {
					neighbors = append(neighbors, candidateIdx)
				}
			}
		}
	}
	return neighbors
}

// Group sorts detections deterministically by (frame_time, y, x) and runs
// DBSCAN over their belt-plane coordinates using cal's eps/min-samples,
// returning one Cluster per accepted group. Detections DBSCAN marks as
// noise (fewer than ClusterMinSamples neighbors within eps, counting the
// detection itself) are dropped — with ClusterMinSamples of 2 or more, a
// lone detection with no spatial corroboration never becomes a cluster;
// with ClusterMinSamples of 1, it forms a single-member cluster.
func Group(cal *config.Calibration, detections []Detection) []Cluster {
	if len(detections) == 0 {
		return nil
	}

	sorted := make([]Detection, len(detections))
	copy(sorted, detections)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].FrameTime.Equal(sorted[j].FrameTime) {
			return sorted[i].FrameTime.Before(sorted[j].FrameTime)
		}
		if sorted[i].YM != sorted[j].YM {
			return sorted[i].YM < sorted[j].YM
		}
		return sorted[i].XM < sorted[j].XM
	})

	n := len(sorted)
	labels := make([]int, n) // 0=unvisited, -1=noise, >0=clusterID
	clusterID := 0

	idx := newSpatialIndex(cal.ClusterEpsM)
	idx.build(sorted)

	for i := 0; i < n; i++ {
		if labels[i] != 0 {
			continue
		}
		neighbors := idx.regionQuery(sorted, i, cal.ClusterEpsM)
		if len(neighbors) < cal.ClusterMinSamples {
			labels[i] = -1
			continue
		}
		clusterID++
		expand(sorted, idx, labels, i, neighbors, clusterID, cal.ClusterEpsM, cal.ClusterMinSamples)
	}

	return buildClusters(sorted, labels, clusterID, cal)
}

func expand(points []Detection, si *spatialIndex, labels []int, seedIdx int, neighbors []int, clusterID int, eps float64, minPts int) {
	labels[seedIdx] = clusterID
	for j := 0; j < len(neighbors); j++ {
		idx := neighbors[j]
		if labels[idx] == -1 {
			labels[idx] = clusterID
		}
		if labels[idx] != 0 {
			continue
		}
		labels[idx] = clusterID
		newNeighbors := si.regionQuery(points, idx, eps)
		if len(newNeighbors) >= minPts {
			neighbors = append(neighbors, newNeighbors...)
		}
	}
}

func buildClusters(points []Detection, labels []int, maxClusterID int, cal *config.Calibration) []Cluster {
	buckets := make([][]Detection, maxClusterID+1)
	for i, label := range labels {
		if label >= 1 && label <= maxClusterID {
			buckets[label] = append(buckets[label], points[i])
		}
	}

	clusters := make([]Cluster, 0, maxClusterID)
	for cid := 1; cid <= maxClusterID; cid++ {
		members := buckets[cid]
		if len(members) == 0 {
			continue
		}
		clusters = append(clusters, computeClusterMetrics(members, cal))
	}
	return clusters
}

func computeClusterMetrics(members []Detection, cal *config.Calibration) Cluster {
	n := float64(len(members))
	var sumX, sumY float64
	minX, maxX := members[0].XM, members[0].XM
	minY, maxY := members[0].YM, members[0].YM
	first := members[0].FrameTime
	for _, m := range members {
		sumX += m.XM
		sumY += m.YM
		if m.XM < minX {
			minX = m.XM
		}
		if m.XM > maxX {
			maxX = m.XM
		}
		if m.YM < minY {
			minY = m.YM
		}
		if m.YM > maxY {
			maxY = m.YM
		}
		if m.FrameTime.Before(first) {
			first = m.FrameTime
		}
	}
	centroidX := sumX / n
	centroidY := sumY / n

	area := (maxX - minX) * (maxY - minY)
	if area < cal.ClusterEpsM*cal.ClusterEpsM {
		area = cal.ClusterEpsM * cal.ClusterEpsM
	}
	density := n / area

	widthM := maxX - minX
	if widthM < cal.MinFruitExtentM {
		widthM = cal.MinFruitExtentM
	}
	lengthM := maxY - minY
	if lengthM < cal.MinFruitExtentM {
		lengthM = cal.MinFruitExtentM
	}

	return Cluster{
		ID:               uuid.New(),
		Detections:       members,
		CentroidXM:       centroidX,
		CentroidYM:       centroidY,
		Rows:             countDistinctBuckets(members, cal.RowToleranceM, func(m Detection) float64 { return m.YM }),
		Cols:             countDistinctBuckets(members, cal.MinFruitExtentM, func(m Detection) float64 { return m.XM }),
		WidthM:           widthM,
		LengthM:          lengthM,
		Density:          density,
		PredominantClass: predominantClass(members),
		FirstFrameTime:   first,
	}
}

// countDistinctBuckets snaps each member's coordinate (via coord) to a
// bucket of width tol and counts how many distinct buckets are occupied
// — the number of rows or columns a cluster spans, not any member's
// absolute position.
func countDistinctBuckets(members []Detection, tol float64, coord func(Detection) float64) int {
	if tol <= 0 {
		return 1
	}
	seen := make(map[int]struct{}, len(members))
	for _, m := range members {
		seen[int(math.Round(coord(m)/tol))] = struct{}{}
	}
	if len(seen) == 0 {
		return 1
	}
	return len(seen)
}

// predominantClass finds the confidence-weighted modal class across a
// cluster's member detections using gonum's weighted-mode statistic: each
// class is represented by its numeric id, the Confidence field supplies
// the weight, and gonum.stat.Mode requires the sample ascending-sorted.
func predominantClass(members []Detection) config.FruitClass {
	ids := make([]float64, len(members))
	weights := make([]float64, len(members))
	for i, m := range members {
		ids[i] = float64(m.Class)
		w := m.Confidence
		if w <= 0 {
			w = 1
		}
		weights[i] = w
	}

	type pair struct {
		id, weight float64
	}
	pairs := make([]pair, len(ids))
	for i := range ids {
		pairs[i] = pair{ids[i], weights[i]}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].id < pairs[j].id })
	for i := range pairs {
		ids[i] = pairs[i].id
		weights[i] = pairs[i].weight
	}

	mode, _ := stat.Mode(ids, weights)
	return config.FruitClass(int(math.Round(mode)))
}
