package nexus

import (
	"github.com/HelixOS-Org/helix/kernel/telemetry"
)

// Predictor applies a short linear extrapolation over a bounded window
// of recent snapshots: an EMA of per-tick deltas of one watched feature,
// with an SMA over the window as a stability check. All state is
// pre-sized; Observe is O(1) and allocation-free.
type Predictor struct {
	feature FeatureID
	window  []int64 // delta ring
	pos     int
	filled  int
	sum     int64 // running window sum

	last    uint64
	haveOne bool
	ema     float64
	alpha   float64
	// epsilon is the dead band below which the trend reads Steady.
	epsilon float64
}

// NewPredictor creates a predictor over the given feature with a fixed
// window size.
func NewPredictor(feature FeatureID, window int) *Predictor {
	if window < 2 {
		window = 2
	}
	return &Predictor{
		feature: feature,
		window:  make([]int64, window),
		alpha:   2.0 / (float64(window) + 1),
		epsilon: 0.5,
	}
}

// Observe folds a snapshot into the window and returns the trend class.
func (p *Predictor) Observe(snap *telemetry.Snapshot) TrendClass {
	value := featureValue(snap, p.feature)
	if !p.haveOne {
		p.haveOne = true
		p.last = value
		return TrendSteady
	}

	delta := int64(value) - int64(p.last)
	p.last = value

	p.sum -= p.window[p.pos]
	p.window[p.pos] = delta
	p.sum += delta
	p.pos = (p.pos + 1) % len(p.window)
	if p.filled < len(p.window) {
		p.filled++
	}

	p.ema += p.alpha * (float64(delta) - p.ema)

	return p.classify()
}

func (p *Predictor) classify() TrendClass {
	if p.filled < 2 {
		return TrendSteady
	}
	sma := float64(p.sum) / float64(p.filled)
	// Both estimators must agree on a direction outside the dead band;
	// disagreement reads as Steady.
	switch {
	case p.ema > p.epsilon && sma > 0:
		return TrendRising
	case p.ema < -p.epsilon && sma < 0:
		return TrendFalling
	default:
		return TrendSteady
	}
}

// EMA exposes the current delta EMA for reflection and tests.
func (p *Predictor) EMA() float64 { return p.ema }

// Reset clears predictor state, keeping the window allocation.
func (p *Predictor) Reset() {
	for i := range p.window {
		p.window[i] = 0
	}
	p.pos, p.filled, p.sum = 0, 0, 0
	p.haveOne = false
	p.ema = 0
}
