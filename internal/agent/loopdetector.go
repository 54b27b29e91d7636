package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// LoopType classifies how an agent got stuck.
type LoopType string

const (
	LoopExactRepeat      LoopType = "exact_repeat"
	LoopOscillation      LoopType = "oscillation"
	LoopSemantic         LoopType = "semantic_loop"
	LoopLengthStagnation LoopType = "length_stagnation"
)

// LoopCheck is the outcome of one detector pass.
type LoopCheck struct {
	Detected   bool
	Type       LoopType
	Confidence float64
	Suggestion string
}

// LoopDetectorConfig sizes the detection windows.
type LoopDetectorConfig struct {
	WindowSize             int
	HashThreshold          int
	SimilarityThreshold    float64
	LengthStagnationWindow int
}

// DefaultLoopDetectorConfig returns production defaults.
func DefaultLoopDetectorConfig() LoopDetectorConfig {
	return LoopDetectorConfig{
		WindowSize:             10,
		HashThreshold:          3,
		SimilarityThreshold:    0.85,
		LengthStagnationWindow: 5,
	}
}

// LoopDetector watches agent outputs for four stuck patterns: exact
// repetition, period-2/3 oscillation, semantic similarity, and length
// stagnation. Checks run in that order so strong signals short-circuit
// before weaker ones.
type LoopDetector struct {
	cfg LoopDetectorConfig

	mu      sync.Mutex
	outputs []string
	hashes  []string
	lengths []int
}

// NewLoopDetector constructs a detector; zero-valued config fields take
// defaults.
func NewLoopDetector(cfg LoopDetectorConfig) *LoopDetector {
	def := DefaultLoopDetectorConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.HashThreshold <= 0 {
		cfg.HashThreshold = def.HashThreshold
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = def.SimilarityThreshold
	}
	if cfg.LengthStagnationWindow <= 0 {
		cfg.LengthStagnationWindow = def.LengthStagnationWindow
	}
	return &LoopDetector{cfg: cfg}
}

func hashPrefix(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}

// Check records one output and reports whether a loop is detected.
//
// The exact-repeat test runs before the new output is recorded while the
// remaining tests run after. The asymmetry is deliberate: the Nth identical
// arrival (N = threshold + 1) must see threshold prior occurrences, while
// oscillation needs the freshest window including the current output.
func (d *LoopDetector) Check(output string) LoopCheck {
	d.mu.Lock()
	defer d.mu.Unlock()

	h := hashPrefix(output)

	count := 0
	for _, prev := range d.hashes {
		if prev == h {
			count++
		}
	}
	if count >= d.cfg.HashThreshold {
		conf := minFloat(1.0, float64(count+1)/float64(d.cfg.HashThreshold+2))
		d.record(output, h)
		return LoopCheck{
			Detected:   true,
			Type:       LoopExactRepeat,
			Confidence: conf,
			Suggestion: fmt.Sprintf("identical output produced %d times; the agent is repeating itself", count+1),
		}
	}

	d.record(output, h)

	if chk, ok := d.checkOscillation(); ok {
		return chk
	}
	if chk, ok := d.checkSemantic(output); ok {
		return chk
	}
	if chk, ok := d.checkLengthStagnation(); ok {
		return chk
	}
	return LoopCheck{}
}

// checkOscillation examines the last up-to-6 hashes for period-2 and
// period-3 cycles.
func (d *LoopDetector) checkOscillation() (LoopCheck, bool) {
	window := d.hashes
	if len(window) > 6 {
		window = window[len(window)-6:]
	}
	n := len(window)

	if n >= 4 {
		period2 := true
		for i := 0; i+2 < n; i++ {
			if window[i] != window[i+2] {
				period2 = false
				break
			}
		}
		if period2 && window[n-1] != window[n-2] {
			return LoopCheck{
				Detected:   true,
				Type:       LoopOscillation,
				Confidence: 0.9,
				Suggestion: "outputs alternate between two states",
			}, true
		}
	}

	if n >= 6 {
		period3 := true
		for i := 0; i+3 < n; i++ {
			if window[i] != window[i+3] {
				period3 = false
				break
			}
		}
		distinct := map[string]struct{}{window[0]: {}, window[1]: {}, window[2]: {}}
		if period3 && len(distinct) >= 2 {
			return LoopCheck{
				Detected:   true,
				Type:       LoopOscillation,
				Confidence: 0.85,
				Suggestion: "outputs cycle through three states",
			}, true
		}
	}
	return LoopCheck{}, false
}

// checkSemantic compares the current output against every previously
// recorded one via word-set Jaccard. Byte-identical outputs are skipped;
// those belong to the exact-repeat check and its threshold.
func (d *LoopDetector) checkSemantic(current string) (LoopCheck, bool) {
	previous := d.outputs[:len(d.outputs)-1]
	if len(previous) == 0 {
		return LoopCheck{}, false
	}
	maxSim := 0.0
	similar := 0
	for _, p := range previous {
		if p == current {
			continue
		}
		sim := jaccard(current, p)
		if sim > d.cfg.SimilarityThreshold {
			similar++
		}
		if sim > maxSim {
			maxSim = sim
		}
	}
	if similar >= 2 {
		conf := minFloat(1.0, maxSim*float64(similar)/float64(len(previous)))
		return LoopCheck{
			Detected:   true,
			Type:       LoopSemantic,
			Confidence: conf,
			Suggestion: fmt.Sprintf("%d recent outputs are near-duplicates of the current one", similar),
		}, true
	}
	return LoopCheck{}, false
}

func (d *LoopDetector) checkLengthStagnation() (LoopCheck, bool) {
	w := d.cfg.LengthStagnationWindow
	if len(d.lengths) < w {
		return LoopCheck{}, false
	}
	tail := d.lengths[len(d.lengths)-w:]
	for _, l := range tail[1:] {
		if l != tail[0] {
			return LoopCheck{}, false
		}
	}
	return LoopCheck{
		Detected:   true,
		Type:       LoopLengthStagnation,
		Confidence: 0.6,
		Suggestion: fmt.Sprintf("output length unchanged for %d iterations", w),
	}, true
}

// record appends to all three buffers, keeping them bounded.
func (d *LoopDetector) record(output, hash string) {
	d.outputs = append(d.outputs, output)
	d.hashes = append(d.hashes, hash)
	d.lengths = append(d.lengths, len(output))

	if max := d.cfg.WindowSize; len(d.outputs) > max {
		d.outputs = d.outputs[len(d.outputs)-max:]
	}
	// Hash history is kept twice as deep so exact-repeat counting survives
	// the sliding output window.
	if max := 2 * d.cfg.WindowSize; len(d.hashes) > max {
		d.hashes = d.hashes[len(d.hashes)-max:]
	}
	maxLen := d.cfg.WindowSize
	if d.cfg.LengthStagnationWindow > maxLen {
		maxLen = d.cfg.LengthStagnationWindow
	}
	if len(d.lengths) > maxLen {
		d.lengths = d.lengths[len(d.lengths)-maxLen:]
	}
}

// Reset empties all buffers atomically.
func (d *LoopDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.outputs = nil
	d.hashes = nil
	d.lengths = nil
}

// HashBufferLen reports the current hash-buffer depth.
func (d *LoopDetector) HashBufferLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.hashes)
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
