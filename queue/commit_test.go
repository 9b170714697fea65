package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCommitScheduler(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := Config{CommitInterval: 200, CommitTimeThreshold: 5 * time.Second}

	tests := []struct {
		name      string
		processed int
		elapsed   time.Duration
		want      bool
	}{
		{name: "nothing happened", processed: 0, elapsed: 0, want: false},
		{name: "below both triggers", processed: 199, elapsed: 4 * time.Second, want: false},
		{name: "count reached", processed: 200, elapsed: 0, want: true},
		{name: "count exceeded", processed: 250, elapsed: time.Second, want: true},
		{name: "time reached", processed: 1, elapsed: 5 * time.Second, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCommitScheduler(cfg, start)
			c.observe(tt.processed)
			assert.Equal(t, tt.want, c.due(start.Add(tt.elapsed)))
		})
	}

	t.Run("reset restarts both triggers", func(t *testing.T) {
		c := newCommitScheduler(cfg, start)
		c.observe(300)
		assert.Equal(t, 300, c.processedSinceCommit())

		later := start.Add(10 * time.Second)
		c.reset(later)
		assert.Zero(t, c.processedSinceCommit())
		assert.False(t, c.due(later.Add(time.Second)))
	})
}
