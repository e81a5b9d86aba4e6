package trigger

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Timolanda/Micall-sub001/internal/models"
)

func testConfig() Config {
	return Config{
		Cooldown:        500 * time.Millisecond,
		ShakeThreshold:  15,
		LockedThreshold: 25,
	}
}

func newClock(start time.Time) (func() time.Time, func(time.Duration)) {
	now := start
	return func() time.Time { return now }, func(d time.Duration) { now = now.Add(d) }
}

func TestOfferActivatesOncePerCooldown(t *testing.T) {
	var calls int32
	f := New(testConfig(), func(ctx context.Context, ev models.TriggerEvent) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}, zap.NewNop())
	now, advance := newClock(time.Unix(1000, 0))
	f.now = now

	ctx := context.Background()
	require.True(t, f.Offer(ctx, models.TriggerEvent{Source: models.TriggerVolumeUp}))
	// Second press 100ms later lands inside the window.
	advance(100 * time.Millisecond)
	assert.False(t, f.Offer(ctx, models.TriggerEvent{Source: models.TriggerVolumeUp}))
	assert.False(t, f.Offer(ctx, models.TriggerEvent{Source: models.TriggerPower}))

	advance(500 * time.Millisecond)
	assert.True(t, f.Offer(ctx, models.TriggerEvent{Source: models.TriggerVolumeUp}))
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestShakeThenVolumeSingleActivation(t *testing.T) {
	var calls int32
	f := New(testConfig(), func(ctx context.Context, ev models.TriggerEvent) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}, zap.NewNop())
	f.SetLockedProbe(func() bool { return true })
	now, advance := newClock(time.Unix(1000, 0))
	f.now = now

	ctx := context.Background()
	// Magnitude 30 clears the locked threshold of 25.
	require.True(t, f.Offer(ctx, models.TriggerEvent{Source: models.TriggerShake, Magnitude: 30}))
	advance(100 * time.Millisecond)
	assert.False(t, f.Offer(ctx, models.TriggerEvent{Source: models.TriggerVolumeUp}))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestShakeBelowThresholdIgnored(t *testing.T) {
	var calls int32
	f := New(testConfig(), func(ctx context.Context, ev models.TriggerEvent) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}, zap.NewNop())

	ctx := context.Background()
	assert.False(t, f.Offer(ctx, models.TriggerEvent{Source: models.TriggerShake, Magnitude: 10}))

	// Locked raises the bar: 20 passes unlocked but not locked.
	f.SetLockedProbe(func() bool { return true })
	assert.False(t, f.Offer(ctx, models.TriggerEvent{Source: models.TriggerShake, Magnitude: 20}))
	f.SetLockedProbe(func() bool { return false })
	assert.True(t, f.Offer(ctx, models.TriggerEvent{Source: models.TriggerShake, Magnitude: 20}))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestHandlerErrorResets(t *testing.T) {
	var calls int32
	f := New(testConfig(), func(ctx context.Context, ev models.TriggerEvent) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("session create failed")
	}, zap.NewNop())
	now, advance := newClock(time.Unix(1000, 0))
	f.now = now

	ctx := context.Background()
	assert.False(t, f.Offer(ctx, models.TriggerEvent{Source: models.TriggerManual}))
	// No cooldown latch after a failed handler: the very next event fires.
	advance(10 * time.Millisecond)
	assert.False(t, f.Offer(ctx, models.TriggerEvent{Source: models.TriggerManual}))
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestDisabledSourceDoesNotAffectOthers(t *testing.T) {
	var calls int32
	f := New(testConfig(), func(ctx context.Context, ev models.TriggerEvent) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}, zap.NewNop())

	f.DisableSource(models.TriggerShake)
	ctx := context.Background()
	assert.False(t, f.Offer(ctx, models.TriggerEvent{Source: models.TriggerShake, Magnitude: 100}))
	assert.True(t, f.Offer(ctx, models.TriggerEvent{Source: models.TriggerVolumeDown}))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestAttachCancelStopsConsumption(t *testing.T) {
	var calls int32
	f := New(testConfig(), func(ctx context.Context, ev models.TriggerEvent) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}, zap.NewNop())

	events := make(chan models.TriggerEvent)
	cancel := f.Attach(events)
	events <- models.TriggerEvent{Source: models.TriggerManual}
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case events <- models.TriggerEvent{Source: models.TriggerManual}:
		// A buffered race is possible right after cancel; count must not grow
		// beyond the one delivered before cancellation settled.
	case <-time.After(50 * time.Millisecond):
	}
	time.Sleep(20 * time.Millisecond)
	assert.LessOrEqual(t, atomic.LoadInt32(&calls), int32(2))
}
