package reqlog

import (
	"math"
	"sort"

	"airelay-go/internal/models"
)

// percentile returns sorted[ceil(N·p)−1], clamped to a valid index. The input
// must already be sorted ascending.
func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(float64(len(sorted))*p)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// summarize rolls a set of completed logs into one summary.
func summarize(logs []*models.RequestLog) models.HourlySummary {
	var s models.HourlySummary
	if len(logs) == 0 {
		return s
	}

	var durations []int64
	var ttfbSum int64
	var ttfbCount int64

	for _, l := range logs {
		s.TotalRequests++
		if l.IsSuccess {
			s.SuccessRequests++
		} else {
			s.FailureRequests++
		}

		if l.DurationMs != nil {
			d := *l.DurationMs
			durations = append(durations, d)
			s.TotalDurationMs += d
			if s.MinDurationMs == 0 || d < s.MinDurationMs {
				s.MinDurationMs = d
			}
			if d > s.MaxDurationMs {
				s.MaxDurationMs = d
			}
		}
		if l.TimeToFirstByteMs != nil {
			ttfbSum += *l.TimeToFirstByteMs
			ttfbCount++
		}
		if l.PromptTokens != nil {
			s.PromptTokens += *l.PromptTokens
		}
		if l.CompletionTokens != nil {
			s.CompletionTokens += *l.CompletionTokens
		}
		if l.TotalTokens != nil {
			s.TotalTokens += *l.TotalTokens
		}
	}

	s.SuccessRate = float64(s.SuccessRequests) / float64(s.TotalRequests)
	if len(durations) > 0 {
		sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
		s.AvgDurationMs = float64(s.TotalDurationMs) / float64(len(durations))
		s.P50DurationMs = percentile(durations, 0.50)
		s.P95DurationMs = percentile(durations, 0.95)
		s.P99DurationMs = percentile(durations, 0.99)
	}
	if ttfbCount > 0 {
		s.AvgTTFBMs = float64(ttfbSum) / float64(ttfbCount)
	}
	return s
}
