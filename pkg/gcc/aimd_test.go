package gcc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAimdRateController_InitialState(t *testing.T) {
	c := NewAimdRateController(DefaultAimdConfig())
	assert.Equal(t, RateHold, c.State())
	assert.Equal(t, 300*KilobitPerSecond, c.LatestEstimate())
}

func TestAimdRateController_DecreaseUsesAckedRate(t *testing.T) {
	c := NewAimdRateController(DefaultAimdConfig())
	now := time.Unix(1000, 0)

	c.SetEstimate(2*MegabitPerSecond, now)

	// Overuse with 1 Mbps delivered: target becomes 0.85 x acked.
	target := c.Update(BwOverusing, 1*MegabitPerSecond, now)
	assert.Equal(t, DataRate(850_000), target)
	assert.Equal(t, DataRate(1_000_000), c.LastDecreaseRate())
}

func TestAimdRateController_DecreaseSpacing(t *testing.T) {
	// Between two multiplicative decreases at least
	// DecreaseInterval + RTT must elapse.
	c := NewAimdRateController(DefaultAimdConfig())
	c.SetRtt(100 * time.Millisecond)
	now := time.Unix(1000, 0)

	c.SetEstimate(2*MegabitPerSecond, now)

	target := c.Update(BwOverusing, 1*MegabitPerSecond, now)
	require.Equal(t, DataRate(850_000), target)

	// 100 ms later (< 200ms + RTT): second overuse must not decrease again.
	now = now.Add(100 * time.Millisecond)
	target = c.Update(BwOverusing, 800*KilobitPerSecond, now)
	assert.Equal(t, DataRate(850_000), target)

	// 400 ms after the first decrease the quantum has passed.
	now = now.Add(300 * time.Millisecond)
	target = c.Update(BwOverusing, 800*KilobitPerSecond, now)
	assert.Equal(t, DataRate(680_000), target)
}

func TestAimdRateController_HoldAfterDecrease(t *testing.T) {
	c := NewAimdRateController(DefaultAimdConfig())
	now := time.Unix(1000, 0)

	c.SetEstimate(2*MegabitPerSecond, now)
	c.Update(BwOverusing, 1*MegabitPerSecond, now)
	require.Equal(t, RateHold, c.State())

	// The first Normal after a decrease arms Increase; the rate moves by at
	// most the minimum increase step on that transition.
	before := c.LatestEstimate()
	now = now.Add(50 * time.Millisecond)
	c.Update(BwNormal, 1*MegabitPerSecond, now)
	assert.Equal(t, RateIncrease, c.State())
	assert.LessOrEqual(t, c.LatestEstimate()-before, DataRate(1000))
}

func TestAimdRateController_IncreaseOnSustainedNormal(t *testing.T) {
	c := NewAimdRateController(DefaultAimdConfig())
	now := time.Unix(1000, 0)

	start := c.LatestEstimate()
	for i := 0; i < 20; i++ {
		now = now.Add(100 * time.Millisecond)
		c.Update(BwNormal, 600*KilobitPerSecond, now)
	}
	assert.Greater(t, c.LatestEstimate(), start)
}

func TestAimdRateController_UnderuseHolds(t *testing.T) {
	c := NewAimdRateController(DefaultAimdConfig())
	now := time.Unix(1000, 0)

	before := c.LatestEstimate()
	now = now.Add(time.Second)
	c.Update(BwUnderusing, 600*KilobitPerSecond, now)
	assert.Equal(t, before, c.LatestEstimate())
	assert.Equal(t, RateHold, c.State())
}

func TestAimdRateController_TetheredToAckedRate(t *testing.T) {
	c := NewAimdRateController(DefaultAimdConfig())
	now := time.Unix(1000, 0)

	// With only 100 kbps delivered, the estimate may not run away past
	// 1.5x the acknowledged rate.
	for i := 0; i < 100; i++ {
		now = now.Add(time.Second)
		c.Update(BwNormal, 100*KilobitPerSecond, now)
	}
	assert.LessOrEqual(t, c.LatestEstimate(), DataRate(100*KilobitPerSecond).Mul(1.5)+10*KilobitPerSecond)
}

func TestAimdRateController_ClampsToConfiguredBounds(t *testing.T) {
	config := DefaultAimdConfig()
	config.MinBitrate = 100 * KilobitPerSecond
	c := NewAimdRateController(config)
	now := time.Unix(1000, 0)

	c.SetEstimate(150*KilobitPerSecond, now)
	// Lowering the estimate counts as a decrease, so wait out the
	// DecreaseInterval + RTT spacing (200 ms + 200 ms default RTT).
	now = now.Add(500 * time.Millisecond)
	// Acked rate so low the decrease would go below the floor.
	target := c.Update(BwOverusing, 50*KilobitPerSecond, now)
	assert.Equal(t, 100*KilobitPerSecond, target)
}
