package strategies

import (
	"math"

	"github.com/aristath/hindsight/internal/domain"
	"github.com/aristath/hindsight/internal/modules/risk"
	"github.com/aristath/hindsight/pkg/formulas"
)

// Linkage selects the inter-cluster distance rule for HRP clustering.
type Linkage string

const (
	LinkageSingle   Linkage = "single"
	LinkageComplete Linkage = "complete"
	LinkageAverage  Linkage = "average"
)

// HRP performs Hierarchical Risk Parity allocation:
// 1) Correlation from covariance
// 2) Distance: d_ij = sqrt(2 * (1 - rho_ij))
// 3) Hierarchical clustering (configurable linkage, deterministic tie-break)
// 4) Quasi-diagonalization (leaf order from dendrogram)
// 5) Recursive bisection allocation (cluster variance via IVP)
type HRP struct {
	builder *risk.Builder
	linkage Linkage
}

// NewHRP creates the strategy around a covariance builder.
func NewHRP(builder *risk.Builder, linkage Linkage) *HRP {
	if linkage == "" {
		linkage = LinkageSingle
	}
	return &HRP{builder: builder, linkage: linkage}
}

func (s *HRP) Name() string { return "hrp" }

type hrpClusterNode struct {
	left    *hrpClusterNode
	right   *hrpClusterNode
	leaves  []int
	minLeaf int
}

func (s *HRP) Weights(assets []string, returns *domain.Panel) (map[string]float64, error) {
	if len(assets) == 0 {
		return nil, domain.StrategyError("no assets to weight")
	}
	if len(assets) == 1 {
		return map[string]float64{assets[0]: 1.0}, nil
	}

	model, err := s.builder.Covariance(assets, returns)
	if err != nil {
		return nil, domain.StrategyError("covariance unavailable: %v", err)
	}
	cov := model.Cov

	corrMatrix, err := formulas.CorrelationMatrixFromCovariance(cov)
	if err != nil {
		return nil, domain.StrategyError("failed to derive correlation matrix: %v", err)
	}
	distMatrix := formulas.CorrelationToDistance(corrMatrix)

	root := buildDendrogram(distMatrix, s.linkage)
	order := quasiDiagonalOrder(root)
	if len(order) != len(model.Assets) {
		return nil, domain.StrategyError("invalid cluster order length %d", len(order))
	}

	weights := make([]float64, len(model.Assets))
	for i := range weights {
		weights[i] = 1.0
	}
	recursiveBisectionAllocate(weights, cov, order)

	sum := 0.0
	for _, w := range weights {
		sum += w
	}
	if sum <= 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return nil, domain.StrategyError("invalid weight sum %v", sum)
	}

	result := make(map[string]float64, len(model.Assets))
	for i, asset := range model.Assets {
		result[asset] = weights[i] / sum
	}
	return result, nil
}

func buildDendrogram(dist [][]float64, linkage Linkage) *hrpClusterNode {
	n := len(dist)
	clusters := make([]*hrpClusterNode, 0, n)
	for i := 0; i < n; i++ {
		clusters = append(clusters, &hrpClusterNode{
			leaves:  []int{i},
			minLeaf: i,
		})
	}

	// Agglomerative clustering with deterministic tie-break.
	for len(clusters) > 1 {
		bestI := 0
		bestJ := 1
		bestD := clusterDistance(dist, clusters[0], clusters[1], linkage)

		for i := 0; i < len(clusters); i++ {
			for j := i + 1; j < len(clusters); j++ {
				d := clusterDistance(dist, clusters[i], clusters[j], linkage)
				if d < bestD || (d == bestD && clusterPairLess(clusters[i], clusters[j], clusters[bestI], clusters[bestJ])) {
					bestD = d
					bestI = i
					bestJ = j
				}
			}
		}

		a := clusters[bestI]
		b := clusters[bestJ]
		left := a
		right := b
		if right.minLeaf < left.minLeaf {
			left, right = right, left
		}

		mergedLeaves := make([]int, 0, len(a.leaves)+len(b.leaves))
		mergedLeaves = append(mergedLeaves, a.leaves...)
		mergedLeaves = append(mergedLeaves, b.leaves...)
		minLeaf := left.minLeaf
		if right.minLeaf < minLeaf {
			minLeaf = right.minLeaf
		}

		merged := &hrpClusterNode{
			left:    left,
			right:   right,
			leaves:  mergedLeaves,
			minLeaf: minLeaf,
		}

		next := make([]*hrpClusterNode, 0, len(clusters)-1)
		for k := 0; k < len(clusters); k++ {
			if k == bestI || k == bestJ {
				continue
			}
			next = append(next, clusters[k])
		}
		clusters = append(next, merged)
	}

	return clusters[0]
}

func clusterPairLess(a1, b1, a2, b2 *hrpClusterNode) bool {
	// Tie-break by (minLeaf, then second minLeaf) of the pair.
	x1, y1 := a1.minLeaf, b1.minLeaf
	if y1 < x1 {
		x1, y1 = y1, x1
	}
	x2, y2 := a2.minLeaf, b2.minLeaf
	if y2 < x2 {
		x2, y2 = y2, x2
	}
	if x1 != x2 {
		return x1 < x2
	}
	return y1 < y2
}

func clusterDistance(dist [][]float64, a, b *hrpClusterNode, linkage Linkage) float64 {
	switch linkage {
	case LinkageComplete:
		best := 0.0
		first := true
		for _, i := range a.leaves {
			for _, j := range b.leaves {
				d := dist[i][j]
				if first || d > best {
					best = d
					first = false
				}
			}
		}
		return best
	case LinkageAverage:
		sum := 0.0
		count := 0
		for _, i := range a.leaves {
			for _, j := range b.leaves {
				sum += dist[i][j]
				count++
			}
		}
		if count == 0 {
			return math.Inf(1)
		}
		return sum / float64(count)
	case LinkageSingle:
		fallthrough
	default:
		best := math.Inf(1)
		for _, i := range a.leaves {
			for _, j := range b.leaves {
				d := dist[i][j]
				if d < best {
					best = d
				}
			}
		}
		return best
	}
}

func quasiDiagonalOrder(node *hrpClusterNode) []int {
	if node == nil {
		return nil
	}
	if node.left == nil && node.right == nil {
		return []int{node.leaves[0]}
	}
	left := quasiDiagonalOrder(node.left)
	right := quasiDiagonalOrder(node.right)
	out := make([]int, 0, len(left)+len(right))
	out = append(out, left...)
	out = append(out, right...)
	return out
}

func recursiveBisectionAllocate(weights []float64, cov [][]float64, order []int) {
	if len(order) <= 1 {
		return
	}
	split := len(order) / 2
	left := order[:split]
	right := order[split:]

	vLeft := clusterVariance(cov, left)
	vRight := clusterVariance(cov, right)

	alpha := 0.5
	if vLeft+vRight > 0 {
		alpha = 1.0 - (vLeft / (vLeft + vRight))
	}
	alpha = math.Max(0.0, math.Min(1.0, alpha))

	for _, idx := range left {
		weights[idx] *= alpha
	}
	for _, idx := range right {
		weights[idx] *= (1.0 - alpha)
	}

	recursiveBisectionAllocate(weights, cov, left)
	recursiveBisectionAllocate(weights, cov, right)
}

func clusterVariance(cov [][]float64, idxs []int) float64 {
	if len(idxs) == 0 {
		return 0.0
	}
	if len(idxs) == 1 {
		i := idxs[0]
		return math.Max(cov[i][i], 0.0)
	}

	// Inverse-variance portfolio (IVP) within the cluster.
	eps := 1e-12
	inv := make([]float64, len(idxs))
	sumInv := 0.0
	for k, i := range idxs {
		v := cov[i][i]
		if v < eps {
			v = eps
		}
		inv[k] = 1.0 / v
		sumInv += inv[k]
	}
	if sumInv <= 0 {
		return 0.0
	}
	for k := range inv {
		inv[k] /= sumInv
	}

	// variance = w^T Σ w
	variance := 0.0
	for a, i := range idxs {
		for b, j := range idxs {
			variance += inv[a] * cov[i][j] * inv[b]
		}
	}
	return math.Max(variance, 0.0)
}
