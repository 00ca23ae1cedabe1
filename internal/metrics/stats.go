// Package metrics summarizes health rounds and keeps a CSV history of probe
// outcomes.
package metrics

import (
	"math"
	"sort"
	"time"

	"ovfleet/internal/model"
)

// Record is one probe outcome as stored in the history file.
type Record struct {
	Timestamp           time.Time
	NodeID              string
	Address             string
	Healthy             bool
	Latency             *time.Duration
	ConsecutiveFailures int
	Error               string
}

// RecordsFromOutcomes stamps a round of probe outcomes for the history file.
func RecordsFromOutcomes(outcomes []model.ProbeOutcome, at time.Time) []Record {
	out := make([]Record, 0, len(outcomes))
	for _, o := range outcomes {
		r := Record{
			Timestamp:           at,
			NodeID:              o.NodeID,
			Address:             o.Address,
			Healthy:             o.Healthy,
			Latency:             o.Latency,
			ConsecutiveFailures: o.ConsecutiveFailures,
		}
		if o.Err != nil {
			r.Error = o.Err.Error()
		}
		out = append(out, r)
	}
	return out
}

// Summary is a latency statistics snapshot. Latency figures only cover
// healthy probes that reported a latency.
type Summary struct {
	Count      int
	Healthy    int
	Unhealthy  int
	From       time.Time
	To         time.Time
	AvgLatency time.Duration
	P95Latency time.Duration
	MinLatency time.Duration
	MaxLatency time.Duration
}

// SummarizeRound computes the summary of one probe round.
func SummarizeRound(outcomes []model.ProbeOutcome) Summary {
	return Summarize(RecordsFromOutcomes(outcomes, time.Time{}), time.Time{})
}

// Summarize computes summary metrics for records in a time window.
func Summarize(items []Record, since time.Time) Summary {
	var s Summary
	var latencies []time.Duration
	var sum time.Duration

	for _, r := range items {
		if r.Timestamp.Before(since) {
			continue
		}
		if s.Count == 0 || r.Timestamp.Before(s.From) {
			s.From = r.Timestamp
		}
		if s.Count == 0 || r.Timestamp.After(s.To) {
			s.To = r.Timestamp
		}
		s.Count++
		if !r.Healthy {
			s.Unhealthy++
			continue
		}
		s.Healthy++
		if r.Latency != nil {
			latencies = append(latencies, *r.Latency)
			sum += *r.Latency
		}
	}

	if len(latencies) == 0 {
		return s
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	s.AvgLatency = sum / time.Duration(len(latencies))
	s.P95Latency = percentile(latencies, 0.95)
	s.MinLatency = latencies[0]
	s.MaxLatency = latencies[len(latencies)-1]
	return s
}

// percentile uses the nearest-rank method on sorted values.
func percentile(values []time.Duration, p float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 1 {
		return values[len(values)-1]
	}
	idx := int(math.Ceil(p*float64(len(values)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return values[idx]
}
