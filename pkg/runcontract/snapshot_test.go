package runcontract

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolResultSnapshotMarkEvent(t *testing.T) {
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	t.Run("should pin started_at on first started marker only", func(t *testing.T) {
		snap := &ToolResultSnapshot{CallID: "c1", ToolName: "demo", Status: ToolStatusRunning}

		snap.MarkEventAt(ToolEventStarted, base, "")
		snap.MarkEventAt(ToolEventStarted, base.Add(time.Second), "")

		assert.Equal(t, base, snap.StartedAt)
		assert.Equal(t, base.Add(time.Second), snap.LastObservedAt)
	})

	t.Run("should derive duration on completion", func(t *testing.T) {
		snap := &ToolResultSnapshot{CallID: "c1", ToolName: "demo", Status: ToolStatusRunning}
		snap.MarkEventAt(ToolEventStarted, base, "")

		snap.MarkEventAt(ToolEventCompleted, base.Add(1500*time.Millisecond), "")

		assert.Equal(t, base.Add(1500*time.Millisecond), snap.CompletedAt)
		assert.InDelta(t, 1.5, snap.Metrics.DurationSeconds, 1e-9)
	})

	t.Run("should leave duration unset on negative skew", func(t *testing.T) {
		snap := &ToolResultSnapshot{CallID: "c1", ToolName: "demo", Status: ToolStatusRunning}
		snap.MarkEventAt(ToolEventStarted, base, "")

		snap.MarkEventAt(ToolEventFailed, base.Add(-time.Second), "boom")

		assert.Zero(t, snap.Metrics.DurationSeconds)
	})

	t.Run("should keep every marker in order", func(t *testing.T) {
		snap := &ToolResultSnapshot{CallID: "c1", ToolName: "demo", Status: ToolStatusRunning}
		snap.MarkEventAt(ToolEventStarted, base, "")
		snap.MarkEventAt(ToolEventUpdate, base.Add(time.Second), "halfway")
		snap.MarkEventAt(ToolEventCompleted, base.Add(2*time.Second), "")

		require.Len(t, snap.Events, 3)
		assert.Equal(t, ToolEventStarted, snap.Events[0].Kind)
		assert.Equal(t, ToolEventUpdate, snap.Events[1].Kind)
		assert.Equal(t, "halfway", snap.Events[1].Message)
		assert.Equal(t, ToolEventCompleted, snap.Events[2].Kind)
	})
}

func TestToolResultSnapshotClone(t *testing.T) {
	t.Run("should isolate the clone from later mutation", func(t *testing.T) {
		snap := &ToolResultSnapshot{CallID: "c1", ToolName: "demo", Status: ToolStatusRunning}
		snap.MarkEventAt(ToolEventStarted, time.Now().UTC(), "")

		clone := snap.Clone()
		snap.Status = ToolStatusFailed
		snap.MarkEventAt(ToolEventFailed, time.Now().UTC(), "boom")

		assert.Equal(t, ToolStatusRunning, clone.Status)
		assert.Len(t, clone.Events, 1)
	})

	t.Run("should tolerate nil receiver", func(t *testing.T) {
		var snap *ToolResultSnapshot

		assert.Nil(t, snap.Clone())
	})
}

func TestPreview(t *testing.T) {
	t.Run("should pass short text through", func(t *testing.T) {
		assert.Equal(t, "hello", Preview("hello"))
	})

	t.Run("should clip at the rune limit with ellipsis", func(t *testing.T) {
		long := make([]rune, PreviewRuneLimit+10)
		for i := range long {
			long[i] = 'ä'
		}

		got := Preview(string(long))

		runes := []rune(got)
		assert.Len(t, runes, PreviewRuneLimit+1)
		assert.Equal(t, '…', runes[len(runes)-1])
	})
}
