package testing

import (
	"go.uber.org/atomic"
)

// ConcurrencyProbe counts run loops executing at the same time and keeps the
// highest count observed.
type ConcurrencyProbe struct {
	current atomic.Int32
	peak    atomic.Int32
}

// Enter marks the start of a run loop.
func (p *ConcurrencyProbe) Enter() {
	n := p.current.Inc()

	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			return
		}
	}
}

// Leave marks the end of a run loop.
func (p *ConcurrencyProbe) Leave() {
	p.current.Dec()
}

// Current returns the number of run loops executing now.
func (p *ConcurrencyProbe) Current() int {
	return int(p.current.Load())
}

// Peak returns the highest number of concurrent run loops observed.
func (p *ConcurrencyProbe) Peak() int {
	return int(p.peak.Load())
}
