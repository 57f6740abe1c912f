package llm

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// ParseError reports an unparseable model response. It is a single-turn
// failure: callers may forward it to the model for self-correction or end
// the run, but it never masquerades as a transport fault.
type ParseError struct {
	Reason         string
	Classification string
	Preview        string
	Err            error
}

func (e *ParseError) Error() string {
	msg := e.Reason
	if e.Classification != "" {
		msg += " (" + e.Classification + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error { return e.Err }

// ArgumentRecovery describes a successful repair of a malformed tool
// argument payload, for structured logging.
type ArgumentRecovery struct {
	Classification string `json:"classification"`
	Fragments      int    `json:"fragments,omitempty"`
	RecoveredIndex int    `json:"recovered_fragment_index,omitempty"`
	EmptyFragments int    `json:"empty_fragments,omitempty"`
}

const argumentPreviewLimit = 200

func argumentsPreview(text string) string {
	stripped := strings.TrimSpace(text)
	if len(stripped) <= argumentPreviewLimit {
		return stripped
	}
	return stripped[:argumentPreviewLimit-3] + "..."
}

// DecodeToolArguments turns the raw argument text of one tool call into
// valid JSON. Empty input decodes to an empty object. Two repair passes run
// before giving up: raw control characters inside string literals are
// escaped, and concatenated JSON fragments (a streaming artefact where
// several objects arrive glued together) collapse to the last non-empty
// object. A non-nil ArgumentRecovery reports which repair fired.
func DecodeToolArguments(text string) (json.RawMessage, *ArgumentRecovery, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return json.RawMessage("{}"), nil, nil
	}
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed), nil, nil
	}

	repaired := escapeControlChars(trimmed)
	if repaired != trimmed && json.Valid([]byte(repaired)) {
		return json.RawMessage(repaired), &ArgumentRecovery{Classification: "control_characters"}, nil
	}

	if raw, recovery := recoverConcatenated(repaired); raw != nil {
		return raw, recovery, nil
	}

	return nil, nil, &ParseError{
		Reason:         "model returned invalid JSON for tool arguments",
		Classification: classifyMalformed(trimmed),
		Preview:        argumentsPreview(text),
	}
}

// recoverConcatenated splits text into consecutive JSON values and, when
// there are at least two and all of them decode cleanly, returns the last
// non-empty object among them. Streamed providers occasionally emit an
// empty object placeholder followed by the real arguments.
func recoverConcatenated(text string) (json.RawMessage, *ArgumentRecovery) {
	decoder := json.NewDecoder(strings.NewReader(text))
	var fragments []json.RawMessage
	for {
		var raw json.RawMessage
		if err := decoder.Decode(&raw); err != nil {
			if err == io.EOF {
				break
			}
			return nil, nil
		}
		fragments = append(fragments, raw)
	}
	if len(fragments) <= 1 {
		return nil, nil
	}

	selected := -1
	empty := 0
	for i, fragment := range fragments {
		var asObject map[string]json.RawMessage
		if err := json.Unmarshal(fragment, &asObject); err != nil {
			continue
		}
		if len(asObject) == 0 {
			empty++
			if selected < 0 {
				selected = i
			}
			continue
		}
		selected = i
	}
	if selected < 0 {
		return nil, nil
	}
	return fragments[selected], &ArgumentRecovery{
		Classification: "concatenated_json",
		Fragments:      len(fragments),
		RecoveredIndex: selected,
		EmptyFragments: empty,
	}
}

func classifyMalformed(stripped string) string {
	switch {
	case strings.Contains(stripped, "}{") || strings.Count(stripped, "{") > 1:
		return "concatenated_json"
	case len(stripped) > 0 && stripped[0] != '{' && stripped[0] != '[' &&
		(strings.HasSuffix(stripped, "}") || strings.HasSuffix(stripped, "]")):
		return "trailing_garbage"
	default:
		return ""
	}
}

// escapeControlChars escapes raw control characters that appear inside
// JSON string literals, a frequent artefact of models pasting multi-line
// text into argument values.
func escapeControlChars(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	inString := false
	escaped := false
	for _, r := range text {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			case r == '\n':
				b.WriteString(`\n`)
				continue
			case r == '\r':
				b.WriteString(`\r`)
				continue
			case r == '\t':
				b.WriteString(`\t`)
				continue
			case r < 0x20:
				fmt.Fprintf(&b, `\u%04x`, r)
				continue
			}
		} else if r == '"' {
			inString = true
		}
		b.WriteRune(r)
	}
	return b.String()
}
