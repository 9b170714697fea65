package backoff

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

type Config struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// Exponential grows the wait interval by Multiplier on every call to Next
// until Max is reached. Reset starts over from Initial.
type Exponential struct {
	mu       sync.Mutex
	current  time.Duration
	attempts int
	config   Config
}

func New(cfg Config) *Exponential {
	if cfg.Initial <= 0 {
		cfg.Initial = 200 * time.Millisecond
	}
	if cfg.Max <= 0 {
		cfg.Max = 30 * time.Second
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = cfg.Initial
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = 2
	}
	return &Exponential{config: cfg}
}

func (e *Exponential) Next() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attempts++
	if e.current <= 0 {
		e.current = e.config.Initial
	} else {
		e.current = time.Duration(float64(e.current) * e.config.Multiplier)
		if e.current > e.config.Max {
			e.current = e.config.Max
		}
	}
	interval := e.current
	if e.config.Jitter > 0 {
		span := float64(interval) * e.config.Jitter
		interval += time.Duration((rand.Float64()*2 - 1) * span)
		if interval <= 0 {
			interval = e.config.Initial
		}
	}
	return interval
}

// Attempts reports how many intervals were handed out since the last Reset.
func (e *Exponential) Attempts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempts
}

func (e *Exponential) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.current = 0
	e.attempts = 0
}

// Linear returns attempt*base, the wait used between commit attempts.
func Linear(attempt int, base time.Duration) time.Duration {
	if attempt <= 0 || base <= 0 {
		return 0
	}
	return time.Duration(attempt) * base
}

// Sleep waits for d. It returns false when ctx is done or wake is closed
// before d elapses.
func Sleep(ctx context.Context, d time.Duration, wake <-chan struct{}) bool {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return false
		case <-wake:
			return false
		default:
			return true
		}
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-wake:
		return false
	case <-tmr.C:
		return true
	}
}
