package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lbeckman/mailrun/internal/model"
)

func TestThrottleGrowsAfterThresholdSuccesses(t *testing.T) {
	spawned := 0
	th := NewThrottle(3, func() { spawned++ })

	th.OnSuccess()
	th.OnSuccess()
	assert.Equal(t, 0, spawned)
	assert.Equal(t, 2, th.Successes())

	th.OnSuccess()
	assert.Equal(t, 1, spawned)
	assert.Equal(t, 0, th.Successes())
	assert.Equal(t, 3, th.Threshold())
}

func TestThrottleRateLimitDoublesThreshold(t *testing.T) {
	spawned := 0
	th := NewThrottle(50, func() { spawned++ })

	th.OnSuccess()
	th.OnSuccess()
	th.OnRateLimited()
	assert.Equal(t, 100, th.Threshold())
	assert.Equal(t, 0, th.Successes())
	assert.Equal(t, 0, spawned)

	th.OnRateLimited()
	assert.Equal(t, 200, th.Threshold())
}

func TestThrottleFailureResetsStreakOnly(t *testing.T) {
	th := NewThrottle(10, func() {})
	th.OnSuccess()
	th.OnSuccess()
	th.OnFailure()
	assert.Equal(t, 0, th.Successes())
	assert.Equal(t, 10, th.Threshold())
}

func TestThrottleNilSpawnNeverGrows(t *testing.T) {
	th := NewThrottle(1, nil)
	th.OnSuccess()
	th.OnSuccess()
	assert.Equal(t, 2, th.Successes())
}

func TestQueueFIFO(t *testing.T) {
	q := NewQueue([]model.DeliveryRecord{{ID: "a"}, {ID: "b"}})

	item, ok := q.Pop()
	assert.True(t, ok)
	assert.Equal(t, "a", item.ID)

	q.Requeue(*item)
	item, _ = q.Pop()
	assert.Equal(t, "b", item.ID)
	item, _ = q.Pop()
	assert.Equal(t, "a", item.ID)

	_, ok = q.Pop()
	assert.False(t, ok)
}

func TestQueueClear(t *testing.T) {
	q := NewQueue([]model.DeliveryRecord{{ID: "a"}, {ID: "b"}, {ID: "c"}})
	assert.Equal(t, 3, q.Clear())
	assert.Equal(t, 0, q.Len())
}
