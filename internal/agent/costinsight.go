package agent

import (
	"fmt"
	"sync"
	"time"
)

// InsightRecord captures one iteration's cost/novelty signal.
type InsightRecord struct {
	TokensUsed    int
	Cost          float64
	StateChanged  bool
	OutputNovelty float64
	Timestamp     time.Time
}

// CostTrackerConfig tunes the diminishing-returns guard.
type CostTrackerConfig struct {
	WindowSize    int
	MinIterations int
	NoveltyFloor  float64
}

// DefaultCostTrackerConfig returns production defaults.
func DefaultCostTrackerConfig() CostTrackerConfig {
	return CostTrackerConfig{
		WindowSize:    5,
		MinIterations: 3,
		NoveltyFloor:  0.2,
	}
}

// CostTracker terminates agents whose spend keeps rising while their
// outputs stop producing new information or state changes.
type CostTracker struct {
	cfg CostTrackerConfig

	mu      sync.Mutex
	records []InsightRecord
}

// NewCostTracker constructs a tracker; zero-valued config fields take
// defaults.
func NewCostTracker(cfg CostTrackerConfig) *CostTracker {
	def := DefaultCostTrackerConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.MinIterations <= 0 {
		cfg.MinIterations = def.MinIterations
	}
	if cfg.NoveltyFloor <= 0 {
		cfg.NoveltyFloor = def.NoveltyFloor
	}
	return &CostTracker{cfg: cfg}
}

// Record appends one iteration's signal. History is capped at twice the
// window size.
func (t *CostTracker) Record(tokensUsed int, cost float64, stateChanged bool, novelty float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = append(t.records, InsightRecord{
		TokensUsed:    tokensUsed,
		Cost:          cost,
		StateChanged:  stateChanged,
		OutputNovelty: novelty,
		Timestamp:     time.Now(),
	})
	if max := 2 * t.cfg.WindowSize; len(t.records) > max {
		t.records = t.records[len(t.records)-max:]
	}
}

// ShouldTerminate applies three rules over the last window: no state
// changes at all, average novelty under the floor, or cost rising while
// novelty falls across the window halves.
func (t *CostTracker) ShouldTerminate() (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.records) < t.cfg.MinIterations {
		return false, ""
	}
	window := t.window()

	anyChange := false
	totalCost := 0.0
	for _, r := range window {
		totalCost += r.Cost
		if r.StateChanged {
			anyChange = true
		}
	}
	if !anyChange {
		return true, fmt.Sprintf("no state changes in last %d iterations (cost $%.4f)", len(window), totalCost)
	}

	avgNovelty := meanNovelty(window)
	if avgNovelty < t.cfg.NoveltyFloor {
		return true, fmt.Sprintf("average novelty %.2f below threshold %.2f", avgNovelty, t.cfg.NoveltyFloor)
	}

	if len(window) >= 4 {
		half := len(window) / 2
		first, second := window[:half], window[half:]
		c1, c2 := sumCost(first), sumCost(second)
		n1, n2 := meanNovelty(first), meanNovelty(second)
		if c2 > 1.5*c1 && n2 < 0.5*n1 {
			return true, fmt.Sprintf("cost increasing ($%.4f -> $%.4f) while insight decreasing (%.2f -> %.2f)", c1, c2, n1, n2)
		}
	}
	return false, ""
}

// EfficiencyScore summarizes the window as a [0,1] score weighting novelty
// over state-change rate. An empty or zero-cost window scores 1.
func (t *CostTracker) EfficiencyScore() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	window := t.window()
	if len(window) == 0 {
		return 1.0
	}
	totalCost := sumCost(window)
	if totalCost == 0 {
		return 1.0
	}
	changes := 0
	for _, r := range window {
		if r.StateChanged {
			changes++
		}
	}
	changeRate := float64(changes) / float64(len(window))
	return minFloat(1.0, 0.6*meanNovelty(window)+0.4*changeRate)
}

// Reset drops all history.
func (t *CostTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = nil
}

// Len reports the current record count.
func (t *CostTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

func (t *CostTracker) window() []InsightRecord {
	if len(t.records) > t.cfg.WindowSize {
		return t.records[len(t.records)-t.cfg.WindowSize:]
	}
	return t.records
}

func sumCost(rs []InsightRecord) float64 {
	total := 0.0
	for _, r := range rs {
		total += r.Cost
	}
	return total
}

func meanNovelty(rs []InsightRecord) float64 {
	if len(rs) == 0 {
		return 0
	}
	total := 0.0
	for _, r := range rs {
		total += r.OutputNovelty
	}
	return total / float64(len(rs))
}
