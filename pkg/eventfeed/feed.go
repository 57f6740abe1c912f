// Package eventfeed streams run progress to websocket subscribers. The agent
// runner stays ignorant of transports; it reports steps and tool snapshots
// through callbacks, and the feed fans them out to whoever is listening.
package eventfeed

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/reqline/agentcore/pkg/agent"
	"github.com/reqline/agentcore/pkg/runcontract"
)

// Feed broadcasts run events to all subscribers.
type Feed struct {
	subs   *SubscriberRegistry
	logger zerolog.Logger
	seq    uint64
}

// NewFeed creates a feed over the given registry.
func NewFeed(subs *SubscriberRegistry, logger zerolog.Logger) *Feed {
	return &Feed{subs: subs, logger: logger}
}

// Publish stamps the message and sends it to every subscriber. A failed write
// is logged and skipped; the subscriber is reaped by its own read loop.
func (f *Feed) Publish(msg EventMessage) {
	msg.Type = "event"
	if msg.Seq == 0 {
		msg.Seq = int64(atomic.AddUint64(&f.seq, 1))
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	subs := f.subs.All()
	if len(subs) == 0 {
		return
	}

	for _, sub := range subs {
		if err := sub.WriteJSON(msg); err != nil {
			f.logger.Warn().
				Err(err).
				Str("subscriberId", sub.ID).
				Str("event", msg.Event).
				Int64("seq", msg.Seq).
				Msg("Failed to deliver feed event")
		}
	}
}

// RunCallbacks builds agent callbacks that forward step and tool progress for
// one session to the feed.
func (f *Feed) RunCallbacks(sessionKey string) agent.Callbacks {
	return agent.Callbacks{
		OnLLMStep: func(step runcontract.LlmStep) {
			f.Publish(EventMessage{
				Event:      "run.llm_step",
				Stream:     StreamStep,
				SessionKey: sessionKey,
				Data:       step,
			})
		},
		OnToolResult: func(snapshot runcontract.ToolResultSnapshot) {
			f.Publish(EventMessage{
				Event:      "run.tool_result",
				Stream:     StreamTool,
				SessionKey: sessionKey,
				Data:       snapshot,
			})
		},
	}
}

// PublishRunFinished announces a finalized run with its outcome summary.
func (f *Feed) PublishRunFinished(sessionKey string, payload runcontract.AgentRunPayload) {
	f.Publish(EventMessage{
		Event:      "run.finished",
		Stream:     StreamRun,
		SessionKey: sessionKey,
		RunID:      payload.RunID,
		Data: map[string]any{
			"status":   payload.Status,
			"ok":       payload.OK,
			"checksum": payload.Checksum,
		},
	})
}
