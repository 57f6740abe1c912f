package timeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/reqline/agentcore/pkg/runcontract"
)

// IntegrityStatus classifies a stored timeline.
type IntegrityStatus string

const (
	IntegrityValid   IntegrityStatus = "valid"
	IntegrityMissing IntegrityStatus = "missing"
	IntegrityDamaged IntegrityStatus = "damaged"
)

// Issue codes reported by AssessIntegrity.
const (
	IssueMissingSequence       = "missing_sequence"
	IssueDuplicateSequence     = "duplicate_sequence"
	IssueNonContiguousSequence = "non_contiguous_sequence"
	IssueMissingCallID         = "missing_call_id"
	IssueDuplicateCallID       = "duplicate_call_id"
	IssueChecksumMismatch      = "checksum_mismatch"
)

// Integrity is the result of assessing a stored timeline.
type Integrity struct {
	Status   IntegrityStatus `json:"status"`
	Checksum string          `json:"checksum,omitempty"`
	Issues   []string        `json:"issues,omitempty"`
}

type checksumEntry struct {
	Kind         runcontract.EventKind  `json:"kind"`
	Sequence     int                    `json:"sequence"`
	OccurredAt   string                 `json:"occurred_at"`
	StepSequence int                    `json:"step_sequence"`
	CallID       string                 `json:"call_id"`
	Status       runcontract.ToolStatus `json:"status"`
}

// Checksum returns a deterministic digest of the canonical timeline. Only
// stable fields participate so the value depends on the canonicalized
// ordering, not on diagnostic sources like raw snapshots.
func Checksum(entries []runcontract.TimelineEntry) string {
	digest := sha256.New()
	for _, entry := range entries {
		occurred := ""
		if !entry.OccurredAt.IsZero() {
			occurred = entry.OccurredAt.UTC().Format(time.RFC3339Nano)
		}
		raw, err := json.Marshal(checksumEntry{
			Kind:         entry.Kind,
			Sequence:     entry.Sequence,
			OccurredAt:   occurred,
			StepSequence: entry.StepSequence,
			CallID:       entry.CallID,
			Status:       entry.Status,
		})
		if err != nil {
			continue
		}
		digest.Write(raw)
	}
	return hex.EncodeToString(digest.Sum(nil))
}

// AssessIntegrity classifies timeline consistency without mutating it. An
// empty timeline is missing; any structural issue or a mismatch against the
// declared checksum marks it damaged.
func AssessIntegrity(entries []runcontract.TimelineEntry, declaredChecksum string) Integrity {
	if len(entries) == 0 {
		return Integrity{Status: IntegrityMissing}
	}

	var issues []string
	sequences := make([]int, 0, len(entries))
	callIDs := make(map[string]struct{})

	for _, entry := range entries {
		if entry.Sequence <= 0 {
			issues = append(issues, IssueMissingSequence)
		} else {
			sequences = append(sequences, entry.Sequence)
		}
		if entry.Kind == runcontract.EventToolCall {
			switch {
			case entry.CallID == "":
				issues = append(issues, IssueMissingCallID)
			default:
				if _, dup := callIDs[entry.CallID]; dup {
					issues = append(issues, IssueDuplicateCallID)
				} else {
					callIDs[entry.CallID] = struct{}{}
				}
			}
		}
	}

	if len(sequences) > 0 {
		unique := make(map[int]struct{}, len(sequences))
		for _, seq := range sequences {
			unique[seq] = struct{}{}
		}
		if len(unique) != len(sequences) {
			issues = append(issues, IssueDuplicateSequence)
		}
		sorted := make([]int, 0, len(unique))
		for seq := range unique {
			sorted = append(sorted, seq)
		}
		sort.Ints(sorted)
		expected := sorted[0]
		for _, seq := range sorted {
			if seq != expected {
				issues = append(issues, IssueNonContiguousSequence)
				break
			}
			expected++
		}
	}

	checksum := Checksum(entries)
	if declaredChecksum != "" && declaredChecksum != checksum {
		issues = append(issues, IssueChecksumMismatch)
	}

	status := IntegrityValid
	if len(issues) > 0 {
		status = IntegrityDamaged
	}
	return Integrity{Status: status, Checksum: checksum, Issues: issues}
}
