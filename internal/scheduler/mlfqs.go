package scheduler

import (
	"github.com/pintos-go/kernel/internal/fixedpoint"
	"github.com/pintos-go/kernel/internal/thread"
)

// strictPolicy is strict-priority-with-donation: priority is whatever
// the caller (or a donation) sets it to.
type strictPolicy struct{}

func (strictPolicy) Name() string { return "strict-priority" }
func (strictPolicy) MLFQS() bool  { return false }
func (strictPolicy) InitialPriority(requested, _ int, _, _ int64) int {
	return requested
}

// mlfqsPolicy computes priority from recent-CPU usage and nice, per
// spec.md §4.5: priority = clamp(PRI_MAX - round(rcpu/4) - 2*nice).
type mlfqsPolicy struct{}

func (mlfqsPolicy) Name() string { return "mlfqs" }
func (mlfqsPolicy) MLFQS() bool  { return true }

func (mlfqsPolicy) InitialPriority(_, nice int, rcpu int64, _ int64) int {
	return mlfqsPriority(fixedpoint.Value(rcpu), nice)
}

// mlfqsPriority implements the §4.5 formula, grounded on
// thread_calc_priority in original_source/src/threads/thread.c:
//
//	np = PRI_MAX - round(rcpu/4) - 2*nice, clamped to [PRI_MIN, PRI_MAX]
func mlfqsPriority(rcpu fixedpoint.Value, nice int) int {
	np := thread.PriMax - fixedpoint.ToIntRound(rcpu/4) - 2*nice
	switch {
	case np < thread.PriMin:
		return thread.PriMin
	case np > thread.PriMax:
		return thread.PriMax
	default:
		return np
	}
}

// mlfqsRCPUDecay implements the per-second recent-CPU decay, grounded
// on thread_calc_rcpu:
//
//	rcpu' = (2*load_avg / (2*load_avg+1)) * rcpu + nice
func mlfqsRCPUDecay(rcpu, loadAvg fixedpoint.Value, nice int) fixedpoint.Value {
	twiceLoad := 2 * loadAvg
	coeff := fixedpoint.Div(twiceLoad, fixedpoint.Inc(twiceLoad))
	return fixedpoint.Mul(coeff, rcpu) + fixedpoint.FromInt(nice)
}

// mlfqsLoadAvgDecay implements the per-second load-average update,
// grounded on thread_calc_load_avg:
//
//	load_avg' = (59/60)*load_avg + (1/60)*active_count
func mlfqsLoadAvgDecay(loadAvg fixedpoint.Value, activeCount int) fixedpoint.Value {
	cmax := fixedpoint.FromInt(59) / 60
	cmin := fixedpoint.FromInt(1) / 60
	return fixedpoint.Mul(cmax, loadAvg) + cmin*fixedpoint.Value(activeCount)
}
