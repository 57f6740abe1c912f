package timeline

import "github.com/reqline/agentcore/pkg/runcontract"

// statusRank orders snapshot statuses by terminality. Terminal states never
// lose to a running one.
func statusRank(status runcontract.ToolStatus) int {
	switch status {
	case runcontract.ToolStatusSucceeded, runcontract.ToolStatusFailed:
		return 1
	case runcontract.ToolStatusRunning:
		return 0
	default:
		return -1
	}
}

// MergeSnapshots reduces two observations of one tool call into a single
// logical snapshot. The reduction is associative and idempotent: the
// observation with the higher status rank wins wholesale, ties break on the
// later LastObservedAt and then on the left argument; StartedAt takes the
// earliest known value. Merging observations of different call ids returns
// the left argument unchanged.
func MergeSnapshots(a, b *runcontract.ToolResultSnapshot) *runcontract.ToolResultSnapshot {
	if a == nil {
		return normalizeMarkers(b.Clone())
	}
	if b == nil || a.CallID != b.CallID {
		return normalizeMarkers(a.Clone())
	}

	winner, loser := a, b
	if rankLess(a, b) {
		winner, loser = b, a
	}

	merged := winner.Clone()
	if merged.StartedAt.IsZero() || (!loser.StartedAt.IsZero() && loser.StartedAt.Before(merged.StartedAt)) {
		merged.StartedAt = loser.StartedAt
	}
	if loser.LastObservedAt.After(merged.LastObservedAt) {
		merged.LastObservedAt = loser.LastObservedAt
	}
	return normalizeMarkers(merged)
}

func rankLess(a, b *runcontract.ToolResultSnapshot) bool {
	ra, rb := statusRank(a.Status), statusRank(b.Status)
	if ra != rb {
		return ra < rb
	}
	return a.LastObservedAt.Before(b.LastObservedAt)
}

// normalizeMarkers synthesizes lifecycle markers a partial observation may
// lack, so a merged snapshot replays without gaps.
func normalizeMarkers(s *runcontract.ToolResultSnapshot) *runcontract.ToolResultSnapshot {
	if s == nil {
		return nil
	}
	hasStarted := false
	hasTerminal := false
	for _, event := range s.Events {
		switch event.Kind {
		case runcontract.ToolEventStarted:
			hasStarted = true
		case runcontract.ToolEventCompleted, runcontract.ToolEventFailed:
			hasTerminal = true
		}
	}
	if !hasStarted && !s.StartedAt.IsZero() {
		s.Events = append([]runcontract.ToolTimelineEvent{{
			Kind:       runcontract.ToolEventStarted,
			OccurredAt: s.StartedAt,
		}}, s.Events...)
	}
	if !hasTerminal && s.Status.Terminal() && !s.CompletedAt.IsZero() {
		kind := runcontract.ToolEventCompleted
		if s.Status == runcontract.ToolStatusFailed {
			kind = runcontract.ToolEventFailed
		}
		s.Events = append(s.Events, runcontract.ToolTimelineEvent{
			Kind:       kind,
			OccurredAt: s.CompletedAt,
		})
	}
	return s
}
