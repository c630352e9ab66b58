package cache

import (
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"k8s.io/utils/clock"
)

// BackoffOptions configures a BackoffManager.
type BackoffOptions struct {
	// Min is the delay returned for the first attempt.
	Min time.Duration
	// Max caps every delay.
	Max time.Duration
	// Factor multiplies the delay on each attempt.
	Factor float64
	// Jitter is the total width of the random window around each delay,
	// as a fraction of it. 1 means [0.5d, 1.5d].
	Jitter float64
	// ResetDuration is the idle time after which the attempt counter is zeroed.
	ResetDuration time.Duration
}

// DefaultBackoffOptions returns the delays used between relists and watch reconnects.
func DefaultBackoffOptions() BackoffOptions {
	return BackoffOptions{
		Min:           800 * time.Millisecond,
		Max:           30 * time.Second,
		Factor:        2,
		Jitter:        1,
		ResetDuration: 2 * time.Minute,
	}
}

func (o BackoffOptions) withDefaults() BackoffOptions {
	def := DefaultBackoffOptions()
	if o.Min <= 0 {
		o.Min = def.Min
	}
	if o.Max <= 0 {
		o.Max = def.Max
	}
	if o.Max < o.Min {
		o.Max = o.Min
	}
	if o.Factor < 1 {
		o.Factor = def.Factor
	}
	if o.Jitter < 0 {
		o.Jitter = 0
	}
	if o.ResetDuration <= 0 {
		o.ResetDuration = def.ResetDuration
	}
	return o
}

// BackoffManager hands out exponentially growing, jittered delays. The attempt
// counter resets on its own once no delay was requested for ResetDuration.
type BackoffManager struct {
	opts  BackoffOptions
	clock clock.WithDelayedExecution

	lock    sync.Mutex
	attempt int
	exp     *backoff.ExponentialBackOff

	timerLock  sync.Mutex
	resetTimer clock.Timer
}

// NewBackoffManager returns a BackoffManager. A nil clock means the real clock.
func NewBackoffManager(opts BackoffOptions, c clock.WithDelayedExecution) *BackoffManager {
	if c == nil {
		c = clock.RealClock{}
	}
	opts = opts.withDefaults()
	exp := &backoff.ExponentialBackOff{
		InitialInterval:     opts.Min,
		RandomizationFactor: opts.Jitter / 2,
		Multiplier:          opts.Factor,
		MaxInterval:         opts.Max,
	}
	exp.Reset()
	return &BackoffManager{
		opts:  opts,
		clock: c,
		exp:   exp,
	}
}

// Duration returns the delay for the current attempt and moves to the next one.
func (b *BackoffManager) Duration() time.Duration {
	d := b.next()
	b.armResetTimer()
	return d
}

func (b *BackoffManager) next() time.Duration {
	b.lock.Lock()
	defer b.lock.Unlock()

	raw := float64(b.opts.Min) * math.Pow(b.opts.Factor, float64(b.attempt))
	b.attempt++
	if raw >= float64(b.opts.Max) {
		return b.opts.Max
	}
	d := b.exp.NextBackOff()
	if d < b.opts.Min {
		d = b.opts.Min
	}
	if d > b.opts.Max {
		d = b.opts.Max
	}
	return d
}

func (b *BackoffManager) armResetTimer() {
	b.timerLock.Lock()
	defer b.timerLock.Unlock()
	if b.resetTimer != nil {
		b.resetTimer.Stop()
	}
	b.resetTimer = b.clock.AfterFunc(b.opts.ResetDuration, b.Reset)
}

// Reset zeroes the attempt counter.
func (b *BackoffManager) Reset() {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.attempt = 0
	b.exp.Reset()
}

// Attempt returns the number of delays handed out since the last reset.
func (b *BackoffManager) Attempt() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.attempt
}

// Stop disarms the reset timer.
func (b *BackoffManager) Stop() {
	b.timerLock.Lock()
	defer b.timerLock.Unlock()
	if b.resetTimer != nil {
		b.resetTimer.Stop()
		b.resetTimer = nil
	}
}
