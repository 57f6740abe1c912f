package reasoning

import "strings"

// Aggregator merges streamed reasoning fragments into segments. Fragments
// sharing a type label concatenate; a segment closes only when a different
// label arrives or the turn ends via Flush. Because raw text is buffered
// untouched until close, the result is independent of how the stream split
// the text across fragments.
type Aggregator struct {
	finished []Segment
	label    string
	open     bool
	buf      strings.Builder
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Accumulate feeds one fragment. Unlabeled fragments join the open segment
// when there is one, otherwise they open a segment with the default label.
func (a *Aggregator) Accumulate(fragment Fragment) {
	label := strings.TrimSpace(fragment.TypeLabel)
	if label == "" {
		if a.open {
			label = a.label
		} else {
			label = DefaultTypeLabel
		}
	}
	if a.open && label != a.label {
		a.closeSegment()
	}
	if !a.open {
		a.label = label
		a.open = true
	}
	a.buf.WriteString(fragment.Text)
}

// AccumulateAll feeds fragments in order.
func (a *Aggregator) AccumulateAll(fragments []Fragment) {
	for _, fragment := range fragments {
		a.Accumulate(fragment)
	}
}

// Flush closes any open segment, returns every finished segment in arrival
// order, and resets the aggregator for the next turn.
func (a *Aggregator) Flush() []Segment {
	a.closeSegment()
	out := a.finished
	a.finished = nil
	return out
}

// Pending reports whether an unclosed segment is buffered.
func (a *Aggregator) Pending() bool {
	return a.open && a.buf.Len() > 0
}

func (a *Aggregator) closeSegment() {
	if !a.open {
		return
	}
	if segment, ok := NewSegment(a.label, a.buf.String()); ok {
		a.finished = append(a.finished, segment)
	}
	a.buf.Reset()
	a.label = ""
	a.open = false
}
