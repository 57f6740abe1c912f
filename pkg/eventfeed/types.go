package eventfeed

// StreamType partitions feed traffic so subscribers can filter client-side.
type StreamType string

const (
	StreamRun  StreamType = "run"
	StreamStep StreamType = "llm_step"
	StreamTool StreamType = "tool"
)

// EventMessage is the wire envelope for every feed event. Seq is assigned by
// the feed and is strictly increasing per process, so clients can detect gaps.
type EventMessage struct {
	Type       string     `json:"type"`
	Event      string     `json:"event"`
	Stream     StreamType `json:"stream,omitempty"`
	SessionKey string     `json:"session_key,omitempty"`
	RunID      string     `json:"run_id,omitempty"`
	Data       any        `json:"data,omitempty"`
	Timestamp  int64      `json:"ts"`
	Seq        int64      `json:"seq"`
}
