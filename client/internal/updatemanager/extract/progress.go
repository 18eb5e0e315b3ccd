package extract

import "sync"

// minProgressStep limits how often intermediate fractions are forwarded
const minProgressStep = 0.01

type reporter struct {
	mu       sync.Mutex
	fn       Progress
	last     float64
	reported bool
}

func newReporter(fn Progress) *reporter {
	return &reporter{fn: fn}
}

// report forwards f when it advances the last reported fraction; values are clamped to [0,1]
func (r *reporter) report(f float64) {
	if r.fn == nil {
		return
	}
	f = min(max(f, 0), 1)

	r.mu.Lock()
	if r.reported && (f <= r.last || (f < 1 && f-r.last < minProgressStep)) {
		r.mu.Unlock()
		return
	}
	r.last = f
	r.reported = true
	r.mu.Unlock()

	r.fn(f)
}

// scaled maps a phase's own [0,1] fraction into [from,to] of the whole operation
func (r *reporter) scaled(from, to float64) func(float64) {
	return func(f float64) {
		r.report(from + (to-from)*min(max(f, 0), 1))
	}
}
