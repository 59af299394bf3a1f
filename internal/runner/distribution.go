package runner

import (
	"sort"

	"github.com/torosent/swarmfire/internal/task"
)

// ComputeDistribution splits total users across classes in proportion to
// their weights.
func ComputeDistribution(classes []*task.UserClass, total int) []int {
	weights := make([]int, len(classes))
	for i, c := range classes {
		weights[i] = c.Weight()
	}
	return Distribute(weights, total)
}

// Distribute allocates total units by largest remainder: every index gets the
// floor of its proportional share and the shortfall goes, one unit at a time,
// to the largest fractional remainders. Ties go to the earlier index. The
// result sums to exactly total and every count is within one of its ideal
// share. When all weights are zero the indexes are weighted equally.
func Distribute(weights []int, total int) []int {
	counts := make([]int, len(weights))
	if len(weights) == 0 || total <= 0 {
		return counts
	}

	ws := make([]int, len(weights))
	sum := 0
	for i, w := range weights {
		if w < 0 {
			w = 0
		}
		ws[i] = w
		sum += w
	}
	if sum == 0 {
		for i := range ws {
			ws[i] = 1
		}
		sum = len(ws)
	}

	type remainder struct {
		idx int
		rem int
	}
	rems := make([]remainder, len(ws))
	assigned := 0
	for i, w := range ws {
		share := total * w
		counts[i] = share / sum
		assigned += counts[i]
		rems[i] = remainder{idx: i, rem: share % sum}
	}
	sort.SliceStable(rems, func(a, b int) bool { return rems[a].rem > rems[b].rem })
	for k := 0; assigned < total; k++ {
		counts[rems[k%len(rems)].idx]++
		assigned++
	}
	return counts
}

// reconcilePlan returns how many users of each class to spawn (delta > 0) or
// stop (delta < 0) to move from running to the distribution of target. The
// per-class counts sum to |delta|; any excess is trimmed from the largest
// counts.
func reconcilePlan(desired, running []int, delta int) []int {
	plan := make([]int, len(desired))
	if delta == 0 {
		return plan
	}
	want := delta
	if want < 0 {
		want = -want
	}
	sum := 0
	for i := range desired {
		diff := desired[i] - running[i]
		if delta < 0 {
			diff = -diff
		}
		if diff > 0 {
			plan[i] = diff
			sum += diff
		}
	}
	for sum > want {
		largest := 0
		for i := range plan {
			if plan[i] > plan[largest] {
				largest = i
			}
		}
		plan[largest]--
		sum--
	}
	return plan
}
