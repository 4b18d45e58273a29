// Package slidingwindow implements the fixed-width success/loss bitmap used
// to decide whether a never-ACKed packet may be declared "acceptably lost"
// instead of retransmitted.
package slidingwindow

import "math/bits"

// Window is a fixed-width bitmap of recent send outcomes. The zero value is
// not usable; construct one with New. Window is not safe for concurrent use
// by multiple goroutines — callers hold the connection lock around it, per
// §3's Synchronization invariant.
type Window struct {
	width     uint
	tolerance uint
	bitmap    uint64
}

// New creates a Window of the given width (bits of history retained) and
// tolerance (maximum number of losses in the last width attempts that are
// still considered acceptable). width must be <= 64; MIC-TCP's default is 10.
func New(width, tolerance uint) *Window {
	return &Window{width: width, tolerance: tolerance}
}

// Record shifts the bitmap left by one and ORs in 1 if received, masking to
// the configured width so higher bits stay zero (§3 invariant).
func (w *Window) Record(received bool) {
	w.bitmap <<= 1
	if received {
		w.bitmap |= 1
	}
	if w.width < 64 {
		w.bitmap &= (uint64(1) << w.width) - 1
	}
}

// Acceptable returns true iff strictly more than width-tolerance of the last
// width attempts succeeded.
func (w *Window) Acceptable() bool {
	count := bits.OnesCount64(w.bitmap)
	return uint(count) > w.width-w.tolerance
}

// OnesCount reports the number of set bits currently in the bitmap, i.e.
// the number of successes in the retained history.
func (w *Window) OnesCount() int {
	return bits.OnesCount64(w.bitmap)
}

// Width reports the configured bitmap width.
func (w *Window) Width() uint { return w.width }

// Tolerance reports the configured maximum tolerated losses.
func (w *Window) Tolerance() uint { return w.tolerance }

// SetTolerance updates the tolerance derived from the connect-time
// reliability probe (§4.4); width is fixed for the lifetime of a Window.
func (w *Window) SetTolerance(tolerance uint) { w.tolerance = tolerance }

// ToleranceForLossPercent maps a measured loss percentage to the tolerance
// step function in §4.3. The second return value is false when p exceeds the
// policy ceiling (20%), signalling the connection must be aborted.
func ToleranceForLossPercent(p float64) (tolerance uint, ok bool) {
	switch {
	case p < 2:
		return 0, true
	case p < 5:
		return 1, true
	case p < 12:
		return 2, true
	case p <= 20:
		return 3, true
	default:
		return 0, false
	}
}
