// Package debug provides instrumentation for the linking algorithms.
// The Collector captures every accept/reject decision of the pair
// prefilter, the three-point collinearity test, deduplication and
// recovery, with the detection ids involved, for inspection and tuning.
package debug

import (
	"fmt"
	"io"
	"sync"
)

// Stage names the linking step that made a decision.
type Stage string

const (
	StageVerifyPair   Stage = "verify_pair"   // pair velocity/size prefilter
	StagePairPossible Stage = "pair_possible" // trail orientation/length consistency
	StageLine3Way     Stage = "line3way"      // three-point collinearity
	StageEpochs       Stage = "epochs"        // hypothesis matched too few epochs
	StageDedup        Stage = "dedup"         // tracklet dropped as duplicate
	StagePrePair      Stage = "prepair"       // same-frame merge
	StageRecover      Stage = "recover"       // re-detection at a predicted position
)

// defaultDecisionCapacity is a typical number of decisions in one run.
const defaultDecisionCapacity = 256

// Decision is one evaluated candidate.
type Decision struct {
	Stage        Stage
	Accepted     bool
	Reason       string
	Value        float64 // metric compared against Threshold
	Threshold    float64
	DetectionIDs []string
}

func (d Decision) String() string {
	verdict := "reject"
	if d.Accepted {
		verdict = "accept"
	}
	return fmt.Sprintf("%s %s: %s (%.4g vs %.4g) %v", d.Stage, verdict, d.Reason, d.Value, d.Threshold, d.DetectionIDs)
}

// Run contains the decisions of one linking run.
type Run struct {
	RunID     string
	Decisions []Decision
}

// StageCount tallies the decisions of one stage.
type StageCount struct {
	Accepted, Rejected int
}

// Summary counts decisions per stage.
func (r *Run) Summary() map[Stage]StageCount {
	out := make(map[Stage]StageCount)
	for _, d := range r.Decisions {
		c := out[d.Stage]
		if d.Accepted {
			c.Accepted++
		} else {
			c.Rejected++
		}
		out[d.Stage] = c
	}
	return out
}

// Rejections returns the rejected decisions of stage.
func (r *Run) Rejections(stage Stage) []Decision {
	var out []Decision
	for _, d := range r.Decisions {
		if d.Stage == stage && !d.Accepted {
			out = append(out, d)
		}
	}
	return out
}

// Collector accumulates decisions during a run. A nil or disabled
// Collector ignores every call, so linking code records unconditionally.
// Decisions may be recorded from several goroutines.
type Collector struct {
	mu      sync.Mutex
	enabled bool
	current *Run
	sink    io.Writer
}

// NewCollector creates a collector that's initially disabled.
func NewCollector() *Collector {
	return &Collector{}
}

// SetEnabled controls whether the collector records decisions.
func (c *Collector) SetEnabled(enabled bool) {
	c.mu.Lock()
	c.enabled = enabled
	c.mu.Unlock()
}

// IsEnabled returns true if the collector is actively recording.
func (c *Collector) IsEnabled() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// SetSink makes the collector also write every rejection to w as it is
// recorded. Pass nil to stop.
func (c *Collector) SetSink(w io.Writer) {
	c.mu.Lock()
	c.sink = w
	c.mu.Unlock()
}

// BeginRun starts collection for a new run, discarding any pending one.
func (c *Collector) BeginRun(runID string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	c.current = &Run{RunID: runID, Decisions: make([]Decision, 0, defaultDecisionCapacity)}
}

// Record captures a decision. Called by the linking stages for each
// evaluated candidate.
func (c *Collector) Record(stage Stage, accepted bool, reason string, value, threshold float64, ids ...string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled || c.current == nil {
		return
	}
	d := Decision{
		Stage:        stage,
		Accepted:     accepted,
		Reason:       reason,
		Value:        value,
		Threshold:    threshold,
		DetectionIDs: append([]string(nil), ids...),
	}
	c.current.Decisions = append(c.current.Decisions, d)
	if c.sink != nil && !accepted {
		fmt.Fprintf(c.sink, "[%s] %s\n", c.current.RunID, d)
	}
}

// Reject is Record with accepted false.
func (c *Collector) Reject(stage Stage, reason string, value, threshold float64, ids ...string) {
	c.Record(stage, false, reason, value, threshold, ids...)
}

// Emit returns the accumulated run and clears it.
// Returns nil if collection is disabled or no run was begun.
func (c *Collector) Emit() *Run {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled || c.current == nil {
		return nil
	}
	r := c.current
	c.current = nil
	return r
}

// Reset clears any pending decisions without emitting them.
func (c *Collector) Reset() {
	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()
}
