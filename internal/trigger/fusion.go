// Package trigger fuses physical input sources (shake, volume keys, power
// button, manual) into a single debounced emergency activation.
package trigger

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Timolanda/Micall-sub001/internal/models"
)

// Handler is invoked at most once per cooldown window with the event that won
// the window. Activation handling is serialized: while a handler is in flight,
// all raw events are ignored.
type Handler func(ctx context.Context, ev models.TriggerEvent) error

// Config tunes fusion behavior.
type Config struct {
	Cooldown        time.Duration
	ShakeThreshold  float64 // accelerometer magnitude, device unlocked
	LockedThreshold float64 // higher bar when the device is presumed locked
}

// Fusion turns noisy raw trigger events into one reliable activation.
type Fusion struct {
	mu             sync.Mutex
	cfg            Config
	handler        Handler
	lastActivation time.Time
	inFlight       bool
	disabled       map[models.TriggerSource]bool
	lockedProbe    func() bool
	log            *zap.Logger
	now            func() time.Time
}

// New creates a fusion unit. The handler must not be nil.
func New(cfg Config, handler Handler, log *zap.Logger) *Fusion {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 500 * time.Millisecond
	}
	return &Fusion{
		cfg:      cfg,
		handler:  handler,
		disabled: make(map[models.TriggerSource]bool),
		log:      log,
		now:      time.Now,
	}
}

// SetLockedProbe installs the device-lock probe used to pick the shake
// threshold. Without a probe the device is presumed unlocked.
func (f *Fusion) SetLockedProbe(fn func() bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lockedProbe = fn
}

// DisableSource drops all further events from a source for the rest of the
// process lifetime, e.g. when a motion-sensor permission is denied. Other
// sources are unaffected.
func (f *Fusion) DisableSource(src models.TriggerSource) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disabled[src] = true
	f.log.Info("trigger source disabled", zap.String("source", string(src)))
}

// Attach consumes a raw event stream, offering each event to the fusion unit.
// The returned cancel func stops consumption deterministically.
func (f *Fusion) Attach(events <-chan models.TriggerEvent) (cancel func()) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				f.Offer(ctx, ev)
			}
		}
	}()
	return cancelCtx
}

// Offer feeds one raw event through fusion. Returns true if the event produced
// an activation. Events inside the cooldown window, below the shake threshold,
// from a disabled source, or arriving while a handler is in flight are dropped.
func (f *Fusion) Offer(ctx context.Context, ev models.TriggerEvent) bool {
	f.mu.Lock()
	if f.disabled[ev.Source] {
		f.mu.Unlock()
		return false
	}
	if ev.Source == models.TriggerShake && ev.Magnitude < f.shakeBarLocked() {
		f.mu.Unlock()
		return false
	}
	now := f.now()
	if f.inFlight || now.Sub(f.lastActivation) < f.cfg.Cooldown {
		f.mu.Unlock()
		return false
	}
	f.inFlight = true
	f.lastActivation = now
	f.mu.Unlock()

	err := f.handler(ctx, ev)

	f.mu.Lock()
	f.inFlight = false
	if err != nil {
		// Reset so the next raw event can fire; never stay latched.
		f.lastActivation = time.Time{}
	}
	f.mu.Unlock()

	if err != nil {
		f.log.Error("activation handler failed", zap.String("source", string(ev.Source)), zap.Error(err))
		return false
	}
	return true
}

// shakeBarLocked returns the effective shake threshold; caller holds f.mu.
func (f *Fusion) shakeBarLocked() float64 {
	if f.lockedProbe != nil && f.lockedProbe() {
		return f.cfg.LockedThreshold
	}
	return f.cfg.ShakeThreshold
}
