package queue

import "time"

// batchTuner adjusts the working batch size from the average batch time.
type batchTuner struct {
	working int
	floor   int
	ceiling int
	slow    time.Duration
	fast    time.Duration
}

func newBatchTuner(cfg Config) *batchTuner {
	floor := min(cfg.MinBatchSize, cfg.MaxBatchSize)
	return &batchTuner{
		working: min(max(cfg.InitialBatchSize, floor), cfg.MaxBatchSize),
		floor:   floor,
		ceiling: cfg.MaxBatchSize,
		slow:    cfg.SlowBatchThreshold,
		fast:    cfg.FastBatchThreshold,
	}
}

// adjust shrinks by 10% above the slow threshold and grows by 10% below the
// fast one, always by at least one message and within [floor, ceiling].
func (t *batchTuner) adjust(avg time.Duration) (prev, next int) {
	prev = t.working
	switch {
	case avg > t.slow && t.working > t.floor:
		t.working = max(t.floor, min(t.working-1, int(float64(t.working)*0.9)))
	case avg < t.fast && t.working < t.ceiling:
		t.working = min(t.ceiling, max(t.working+1, int(float64(t.working)*1.1)))
	}
	return prev, t.working
}

func (t *batchTuner) size() int { return t.working }
