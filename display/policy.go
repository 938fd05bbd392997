package display

import (
	"sync"
	"time"
)

// DefaultThresholds are the percentage checkpoints that trigger a re-render
// when a worker crosses one.
var DefaultThresholds = []int{10, 25, 50, 75, 90}

// DefaultUpdateInterval is the wall-clock fallback cadence for re-renders.
const DefaultUpdateInterval = time.Second

// UpdatePolicy decides whether the shared progress line should be re-rendered.
// An update fires when the configured interval has elapsed since the last one,
// or when a worker's progress has crossed one of the configured thresholds
// since that worker was last checked. The per-worker tracker records the
// newest observed percent on every check, so a given threshold fires at most
// once per monotonic climb and can only re-fire after the worker has dropped
// back below it.
type UpdatePolicy struct {
	interval   time.Duration
	thresholds []int
	now        func() time.Time

	mu          sync.Mutex
	lastUpdate  time.Time
	lastPercent map[int]int
}

// NewUpdatePolicy creates a policy with the given interval and thresholds.
// A zero interval disables the wall-clock trigger; an empty threshold list
// disables crossing detection.
func NewUpdatePolicy(interval time.Duration, thresholds []int) *UpdatePolicy {
	p := &UpdatePolicy{
		interval:    interval,
		thresholds:  append([]int(nil), thresholds...),
		now:         time.Now,
		lastPercent: make(map[int]int),
	}
	p.lastUpdate = p.now()
	return p
}

// withClock substitutes the time source. Test hook.
func (p *UpdatePolicy) withClock(now func() time.Time) *UpdatePolicy {
	p.now = now
	p.lastUpdate = now()
	return p
}

// Seed initializes the threshold tracker for a newly registered worker.
func (p *UpdatePolicy) Seed(workerID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastPercent[workerID] = 0
}

// ShouldUpdate reports whether a re-render is due given this worker's latest
// percentage. The worker's tracker always advances to the reported value,
// whether or not an update fires.
func (p *UpdatePolicy) ShouldUpdate(workerID, percent int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	fire := p.interval > 0 && now.Sub(p.lastUpdate) >= p.interval

	if !fire {
		last := p.lastPercent[workerID]
		for _, t := range p.thresholds {
			if t <= 0 {
				continue
			}
			if floorDiv(percent, t) > floorDiv(last, t) {
				fire = true
				break
			}
		}
	}

	p.lastPercent[workerID] = percent
	if fire {
		p.lastUpdate = now
	}
	return fire
}

// floorDiv is integer division rounding toward negative infinity. Progress
// percentages are accepted verbatim from workers, so negatives are possible.
func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
