// Package ratelimit throttles vote submissions per voter.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrLimited is returned by callers that reject a request because its key is
// over the limit.
var ErrLimited = errors.New("ratelimit: too many requests")

const (
	DefaultMax        = 5
	DefaultWindow     = 10 * time.Second
	DefaultSweepEvery = time.Minute
)

// Options configures a Limiter. Zero values take the defaults, except
// SweepEvery < 0 which disables the background sweep.
type Options struct {
	Max        int
	Window     time.Duration
	SweepEvery time.Duration
	Now        func() time.Time
}

// Limiter is a sliding-window counter keyed by voter identity. Build it once
// per process and call Shutdown when done.
type Limiter struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string][]time.Time

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New returns a limiter and starts its sweep goroutine.
func New(opts Options) *Limiter {
	if opts.Max <= 0 {
		opts.Max = DefaultMax
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.SweepEvery == 0 {
		opts.SweepEvery = DefaultSweepEvery
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	l := &Limiter{
		max:     opts.Max,
		window:  opts.Window,
		now:     opts.Now,
		windows: make(map[string][]time.Time),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if opts.SweepEvery > 0 {
		go l.sweepLoop(opts.SweepEvery)
	} else {
		close(l.done)
	}
	return l
}

// Allow records an attempt for key and reports whether it is admitted. When
// it is not, retryAfter is the time until the oldest attempt leaves the
// window. Rejected attempts are not recorded.
func (l *Limiter) Allow(key string) (ok bool, retryAfter time.Duration) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	stamps := prune(l.windows[key], now.Add(-l.window))
	if len(stamps) >= l.max {
		l.windows[key] = stamps
		return false, stamps[0].Add(l.window).Sub(now)
	}
	l.windows[key] = append(stamps, now)
	return true, 0
}

// IsLimited is Allow reduced to a yes/no answer.
func (l *Limiter) IsLimited(key string) bool {
	ok, _ := l.Allow(key)
	return !ok
}

// Len reports how many keys are tracked.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Sweep prunes every window and forgets keys with no recent attempts.
func (l *Limiter) Sweep() {
	cutoff := l.now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, stamps := range l.windows {
		stamps = prune(stamps, cutoff)
		if len(stamps) == 0 {
			delete(l.windows, key)
			continue
		}
		l.windows[key] = stamps
	}
}

// Shutdown stops the sweep goroutine. It is safe to call more than once.
func (l *Limiter) Shutdown() {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.done
}

func (l *Limiter) sweepLoop(every time.Duration) {
	defer close(l.done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// prune drops stamps at or before cutoff. Stamps are in ascending order.
func prune(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return stamps
	}
	return append(stamps[:0], stamps[i:]...)
}
