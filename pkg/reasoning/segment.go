// Package reasoning merges hidden chain-of-thought fragments streamed by an
// LLM into coherent segments while preserving edge whitespace byte-for-byte.
package reasoning

import "strings"

// Fragment is one raw piece of reasoning text as delivered by the model,
// possibly split mid-word across stream chunks.
type Fragment struct {
	TypeLabel string `json:"type"`
	Text      string `json:"text"`
}

// Segment is a finished reasoning span. Text holds the trimmed body while
// LeadingWhitespace and TrailingWhitespace keep the exact boundary bytes so
// Reassemble reproduces the original text.
type Segment struct {
	TypeLabel          string `json:"type"`
	Text               string `json:"text"`
	LeadingWhitespace  string `json:"leading_whitespace,omitempty"`
	TrailingWhitespace string `json:"trailing_whitespace,omitempty"`
}

// Reassemble returns the byte-faithful original text of the segment.
func (s Segment) Reassemble() string {
	return s.LeadingWhitespace + s.Text + s.TrailingWhitespace
}

// DefaultTypeLabel is assigned to fragments that arrive without a label.
const DefaultTypeLabel = "reasoning"

var typeLabelAliases = map[string]struct{}{
	"analysis":         {},
	"chain_of_thought": {},
	"internal_thought": {},
	"reason":           {},
	"reasoning":        {},
	"reflection":       {},
	"thought":          {},
	"thinking":         {},
}

var typeLabelKeywords = []string{"reason", "think", "analysis", "reflect"}

// IsReasoningLabel reports whether a content-block label denotes hidden
// reasoning rather than user-visible output.
func IsReasoningLabel(label string) bool {
	lowered := strings.ToLower(strings.TrimSpace(label))
	if lowered == "" {
		return false
	}
	if _, ok := typeLabelAliases[lowered]; ok {
		return true
	}
	for _, keyword := range typeLabelKeywords {
		if strings.Contains(lowered, keyword) {
			return true
		}
	}
	return false
}

// NewSegment splits text into trimmed body plus edge whitespace. It returns
// a zero Segment and false when the text is empty or whitespace-only.
func NewSegment(typeLabel, text string) (Segment, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Segment{}, false
	}
	label := strings.TrimSpace(typeLabel)
	if label == "" {
		label = DefaultTypeLabel
	}
	leading := text[:len(text)-len(strings.TrimLeft(text, " \t\r\n\v\f"))]
	trailing := text[len(strings.TrimRight(text, " \t\r\n\v\f")):]
	return Segment{
		TypeLabel:          label,
		Text:               trimmed,
		LeadingWhitespace:  leading,
		TrailingWhitespace: trailing,
	}, true
}
