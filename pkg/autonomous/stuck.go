package autonomous

import "fmt"

// StuckReason classifies why a session is considered stuck.
type StuckReason string

const (
	StuckRepeatSelection    StuckReason = "repeat_selection"
	StuckValidationFailures StuckReason = "validation_failures"
	StuckStagnation         StuckReason = "stagnation"
)

// Describe renders a short human-readable explanation for injection into the
// session.
func (r StuckReason) Describe() string {
	switch r {
	case StuckRepeatSelection:
		return "the same task keeps being selected without completing"
	case StuckValidationFailures:
		return "validation has failed repeatedly"
	case StuckStagnation:
		return "no commits or file changes have landed recently"
	}
	return fmt.Sprintf("stuck (%s)", string(r))
}

// Thresholds configures the detector. Zero values fall back to defaults.
type Thresholds struct {
	SameTask           int
	ValidationFailures int
}

func (t Thresholds) sameTask() int {
	if t.SameTask <= 0 {
		return 3
	}
	return t.SameTask
}

func (t Thresholds) validationFailures() int {
	if t.ValidationFailures <= 0 {
		return 3
	}
	return t.ValidationFailures
}

// StuckDetector combines the per-session counters the engine maintains with
// the progress tracker's stagnation view.
type StuckDetector struct {
	progress *ProgressTracker
}

// NewStuckDetector creates a detector over a progress tracker.
func NewStuckDetector(progress *ProgressTracker) *StuckDetector {
	return &StuckDetector{progress: progress}
}

// Check returns the first matching stuck reason, or ok=false when the session
// is making progress.
func (d *StuckDetector) Check(sessionID string, sameTaskCount, validationFailures int, th Thresholds) (StuckReason, bool) {
	if sameTaskCount >= th.sameTask() {
		return StuckRepeatSelection, true
	}
	if validationFailures >= th.validationFailures() {
		return StuckValidationFailures, true
	}
	if d.progress != nil && d.progress.IsStagnant(sessionID) {
		return StuckStagnation, true
	}
	return "", false
}
