package sim

import (
	"time"
)

// Steps is the table of tick durations the pacer moves along. Index 0 is
// the fastest.
var Steps = []time.Duration{
	time.Second / 240,
	time.Second / 120,
	time.Second / 60,
	time.Second / 30,
	time.Second / 20,
	time.Second / 10,
	time.Second / 5,
}

// Patience is the number of consecutive slow or fast ticks the adaptive
// pacer waits for before changing step.
const Patience = 30

// Pacer spaces ticks to a step of the table. With adaptive pacing it moves
// one step slower after Patience consecutive overruns and one step faster,
// never past the requested step, after Patience consecutive ticks that
// finished within half of the faster step.
type Pacer struct {
	want     int
	cur      int
	adaptive bool

	overruns int
	fast     int

	deadline time.Time
}

// NewPacer picks the slowest step that still runs at least tickRate ticks
// per second.
func NewPacer(tickRate int, adaptive bool) *Pacer {
	p := &Pacer{adaptive: adaptive}
	p.SetRate(tickRate)
	return p
}

// SetRate changes the requested rate.
func (p *Pacer) SetRate(tickRate int) {
	if tickRate < 1 {
		tickRate = 1
	}
	target := time.Second / time.Duration(tickRate)
	p.want = 0
	for i, d := range Steps {
		if d <= target {
			p.want = i
		}
	}
	p.cur = p.want
	p.overruns, p.fast = 0, 0
}

// Step returns the current tick duration.
func (p *Pacer) Step() time.Duration { return Steps[p.cur] }

// Level returns the current and requested step indexes.
func (p *Pacer) Level() (cur, want int) { return p.cur, p.want }

// Observe records how long the last tick took and adapts the step.
func (p *Pacer) Observe(elapsed time.Duration) {
	if !p.adaptive {
		return
	}
	if elapsed > Steps[p.cur] {
		p.fast = 0
		p.overruns++
		if p.overruns >= Patience && p.cur < len(Steps)-1 {
			p.cur++
			p.overruns = 0
		}
		return
	}
	p.overruns = 0
	if p.cur > p.want && elapsed < Steps[p.cur-1]/2 {
		p.fast++
		if p.fast >= Patience {
			p.cur--
			p.fast = 0
		}
		return
	}
	p.fast = 0
}

// Wait observes elapsed and blocks until the next tick deadline or until
// stop is closed. It reports false when stopped.
func (p *Pacer) Wait(stop <-chan struct{}, elapsed time.Duration) bool {
	p.Observe(elapsed)
	now := time.Now()
	step := Steps[p.cur]
	if p.deadline.IsZero() {
		p.deadline = now
	}
	p.deadline = p.deadline.Add(step)
	// Do not try to catch up more than two ticks of backlog.
	if now.Sub(p.deadline) > 2*step {
		p.deadline = now.Add(step)
	}
	sleep := p.deadline.Sub(now)
	if sleep <= 0 {
		select {
		case <-stop:
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(sleep)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-stop:
		return false
	}
}
