// Package telemetry accumulates per-cycle records and failure events for a
// single filter run and hands them to a Sink off the control loop's path.
package telemetry

import (
	"fmt"
	"strings"
	"time"
)

// Record is one control cycle.
type Record struct {
	Cycle              uint64        `json:"cycle"`
	Time               time.Time     `json:"time"`
	State              []float64     `json:"state"`
	SafetyValue        float64       `json:"safety_value"`
	Control            []float64     `json:"control"`
	Nominal            []float64     `json:"nominal"`
	Corrected          bool          `json:"corrected"`
	Fallback           bool          `json:"fallback"`
	CertificateVersion uint64        `json:"certificate_version"`
	CycleDuration      time.Duration `json:"cycle_duration_ns"`
}

// FailureEvent is a cycle where the corrector failed and the safe-stop
// control was published instead.
type FailureEvent struct {
	Time               time.Time `json:"time"`
	Cycle              uint64    `json:"cycle"`
	State              []float64 `json:"state"`
	SafetyValue        float64   `json:"safety_value"`
	Nominal            []float64 `json:"nominal"`
	Reason             string    `json:"reason"`
	Error              string    `json:"error,omitempty"`
	CertificateVersion uint64    `json:"certificate_version"`
}

// LogLine renders e as a single key=value line for the failure log.
func (e FailureEvent) LogLine() string {
	var b strings.Builder
	fmt.Fprintf(&b, "time=%s cycle=%d reason=%s", e.Time.UTC().Format(time.RFC3339Nano), e.Cycle, e.Reason)
	fmt.Fprintf(&b, " state=%s safety_value=%.6g nominal=%s", FormatVector(e.State), e.SafetyValue, FormatVector(e.Nominal))
	fmt.Fprintf(&b, " certificate_version=%d", e.CertificateVersion)
	if e.Error != "" {
		fmt.Fprintf(&b, " error=%q", e.Error)
	}
	return b.String()
}

// FormatVector prints v as [a,b,c] with compact floats.
func FormatVector(v []float64) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = fmt.Sprintf("%.6g", x)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
