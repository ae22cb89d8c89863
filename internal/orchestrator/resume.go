package orchestrator

import (
	"context"
	"strings"
)

// ResumeStats summarizes one startup re-arm pass over in-flight runs.
type ResumeStats struct {
	Resumed int `json:"resumed"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Resume re-arms runs left queued or running by a previous process:
// each gets a fresh invocation with its stored query and review
// snapshot. A storage failure is absorbed into the stats so startup
// never aborts on a sweep error.
func (s *Service) Resume(ctx context.Context) ResumeStats {
	if s.invoker == nil {
		s.logger.Warn("resume: no invoker configured, sweep skipped")
		return ResumeStats{}
	}

	stale, err := s.runs.ListInFlight(ctx)
	if err != nil {
		s.logger.Error("resume: list in-flight runs failed", "error", err)
		return ResumeStats{Failed: 1}
	}
	if len(stale) == 0 {
		return ResumeStats{}
	}

	var stats ResumeStats
	for _, run := range stale {
		run := run

		if strings.TrimSpace(run.SearchQuery) == "" {
			stats.Skipped++
			s.logger.Warn("resume: skipping run with empty search query",
				"key", run.Key, "status", run.Status)
			continue
		}

		s.invokeDetached(ctx, &run, reviewSnapshot(&run), nil)
		stats.Resumed++
	}

	s.logger.Info("resume: sweep complete",
		"resumed", stats.Resumed, "skipped", stats.Skipped, "failed", stats.Failed)
	return stats
}
