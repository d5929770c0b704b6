package money

import "sort"

// SplitProportionally divides total cents across buckets in proportion to
// the given weights without losing or inventing a cent. Each bucket gets
// the floor of its exact share; leftover cents go to the buckets with the
// largest fractional remainders, later buckets winning ties. A
// non-positive weight contributes nothing. When no weight is positive the
// whole total lands in the last bucket.
func SplitProportionally(total int64, weights []int64) []int64 {
	shares := make([]int64, len(weights))
	if len(weights) == 0 || total <= 0 {
		return shares
	}

	var weightSum int64
	for _, w := range weights {
		if w > 0 {
			weightSum += w
		}
	}
	if weightSum <= 0 {
		shares[len(shares)-1] = total
		return shares
	}

	type remainder struct {
		index int
		frac  int64
	}
	var assigned int64
	remainders := make([]remainder, 0, len(weights))
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		product := total * w
		share := product / weightSum
		shares[i] = share
		assigned += share
		remainders = append(remainders, remainder{index: i, frac: product % weightSum})
	}

	leftover := total - assigned
	sort.SliceStable(remainders, func(a, b int) bool {
		if remainders[a].frac != remainders[b].frac {
			return remainders[a].frac > remainders[b].frac
		}
		return remainders[a].index > remainders[b].index
	})
	for i := int64(0); i < leftover && int(i) < len(remainders); i++ {
		shares[remainders[i].index]++
	}
	return shares
}
