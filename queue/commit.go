package queue

import "time"

// commitScheduler decides when pending offsets are flushed: after
// CommitInterval processed messages or once CommitTimeThreshold elapsed.
type commitScheduler struct {
	interval  int
	threshold time.Duration
	since     int
	last      time.Time
}

func newCommitScheduler(cfg Config, now time.Time) *commitScheduler {
	return &commitScheduler{
		interval:  cfg.CommitInterval,
		threshold: cfg.CommitTimeThreshold,
		last:      now,
	}
}

func (c *commitScheduler) observe(n int) { c.since += n }

func (c *commitScheduler) due(now time.Time) bool {
	return c.since >= c.interval || now.Sub(c.last) >= c.threshold
}

func (c *commitScheduler) reset(now time.Time) {
	c.since = 0
	c.last = now
}

func (c *commitScheduler) processedSinceCommit() int { return c.since }
