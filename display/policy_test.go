package display

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestUpdatePolicy_IntervalTrigger(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	policy := NewUpdatePolicy(time.Second, nil).withClock(clock.now)
	policy.Seed(1)

	assert.False(t, policy.ShouldUpdate(1, 5), "interval has not elapsed yet")

	clock.advance(500 * time.Millisecond)
	assert.False(t, policy.ShouldUpdate(1, 6))

	clock.advance(600 * time.Millisecond)
	assert.True(t, policy.ShouldUpdate(1, 7), "a full second has passed since the last update")

	// Firing resets the interval timer.
	assert.False(t, policy.ShouldUpdate(1, 8))
}

func TestUpdatePolicy_ThresholdCrossing(t *testing.T) {
	policy := NewUpdatePolicy(0, []int{10, 25, 50, 75, 90})
	policy.Seed(1)

	assert.False(t, policy.ShouldUpdate(1, 5))
	assert.True(t, policy.ShouldUpdate(1, 12), "crossed 10")
	assert.False(t, policy.ShouldUpdate(1, 18), "still between 10 and 25")
	assert.True(t, policy.ShouldUpdate(1, 60), "crossed 25 and 50 in one step")
	assert.False(t, policy.ShouldUpdate(1, 60))
}

func TestUpdatePolicy_ThresholdIdempotence(t *testing.T) {
	// A single jump that clears several thresholds fires exactly once, and
	// reporting the same percent again stays quiet.
	policy := NewUpdatePolicy(0, []int{5, 10})
	policy.Seed(1)

	assert.True(t, policy.ShouldUpdate(1, 12))
	assert.False(t, policy.ShouldUpdate(1, 12))
	assert.False(t, policy.ShouldUpdate(1, 12))
}

func TestUpdatePolicy_RefiresAfterRegression(t *testing.T) {
	policy := NewUpdatePolicy(0, []int{50})
	policy.Seed(1)

	assert.True(t, policy.ShouldUpdate(1, 55))
	assert.False(t, policy.ShouldUpdate(1, 58))

	// The worker's progress regressed below the threshold; the tracker
	// follows it down, so climbing back over 50 fires again.
	assert.False(t, policy.ShouldUpdate(1, 40))
	assert.True(t, policy.ShouldUpdate(1, 52))
}

func TestUpdatePolicy_PerWorkerTrackers(t *testing.T) {
	policy := NewUpdatePolicy(0, []int{50})
	policy.Seed(1)
	policy.Seed(2)

	assert.True(t, policy.ShouldUpdate(1, 60), "worker 1 crosses its own threshold")
	assert.True(t, policy.ShouldUpdate(2, 60), "worker 2's tracker is independent")
	assert.False(t, policy.ShouldUpdate(1, 70))
}

func TestUpdatePolicy_NegativePercent(t *testing.T) {
	policy := NewUpdatePolicy(0, []int{10})
	policy.Seed(1)

	assert.False(t, policy.ShouldUpdate(1, -5), "going negative is not a crossing")
	assert.True(t, policy.ShouldUpdate(1, 15), "climbing from -5 over 10 fires")
}

func TestFloorDiv(t *testing.T) {
	tests := []struct {
		a, b, want int
	}{
		{12, 10, 1},
		{10, 10, 1},
		{9, 10, 0},
		{0, 10, 0},
		{-1, 10, -1},
		{-10, 10, -1},
		{-11, 10, -2},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, floorDiv(tt.a, tt.b), "floorDiv(%d, %d)", tt.a, tt.b)
	}
}

// TestUpdatePolicy_MonotonicClimbFiresOncePerThreshold_PropertyBased checks
// that for any monotonically increasing progress sequence, the total number of
// threshold-triggered updates never exceeds the number of thresholds crossed.
func TestUpdatePolicy_MonotonicClimbFiresOncePerThreshold_PropertyBased(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	thresholds := []int{10, 25, 50, 75, 90}

	properties.Property("at most one fire per threshold on a monotonic climb", prop.ForAll(
		func(steps []int) bool {
			policy := NewUpdatePolicy(0, thresholds)
			policy.Seed(1)

			percent := 0
			fires := 0
			for _, step := range steps {
				percent += step
				if percent > 100 {
					percent = 100
				}
				if policy.ShouldUpdate(1, percent) {
					fires++
				}
			}

			crossed := 0
			for _, th := range thresholds {
				if percent >= th {
					crossed++
				}
			}
			return fires <= crossed
		},
		gen.SliceOf(gen.IntRange(0, 30)),
	))

	properties.TestingRun(t)
}
