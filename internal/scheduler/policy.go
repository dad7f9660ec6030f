package scheduler

// Policy selects between the two interchangeable scheduling regimes
// named in spec.md §1: strict priority with donation, and MLFQS. The
// CLI boot option `--mlfqs` picks one at kernel.Boot time and it is
// immutable thereafter (spec.md §6).
type Policy interface {
	// Name identifies the policy for logging/metrics.
	Name() string
	// MLFQS reports whether this is the MLFQS policy (donation and
	// user-visible SetPriority are strict-priority-mode only).
	MLFQS() bool
	// InitialPriority computes a new thread's starting effective
	// priority. requested is the caller-supplied base priority
	// (SavedPriority); nice and rcpu are inherited from the creating
	// thread. Under strict-priority mode this is just requested; under
	// MLFQS it is the same formula §4.5 uses for periodic recomputation,
	// computed once at creation time instead of inline in thread
	// construction — resolving spec.md §9's note that MLFQS priority
	// must not be computed before the policy itself is known.
	InitialPriority(requested, nice int, rcpu int64, loadAvg int64) int
}

// NewStrictPolicy returns the strict-priority-with-donation policy.
func NewStrictPolicy() Policy { return strictPolicy{} }

// NewMLFQSPolicy returns the multi-level feedback queue policy.
func NewMLFQSPolicy() Policy { return mlfqsPolicy{} }
