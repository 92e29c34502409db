package flock

import (
	"encoding/json"
	"strings"
)

// Tool-call markup markers. The model embeds tool calls in its text output
// as <flock_tool_call>{"tool_name": "...", ...args}</flock_tool_call>;
// markers may be split across stream chunks at any byte offset.
const (
	toolCallStartTag = "<flock_tool_call>"
	toolCallEndTag   = "</flock_tool_call>"
)

// toolNameField is the payload field carrying the tool name; every other
// field becomes the call's input object.
const toolNameField = "tool_name"

type parserState int

const (
	outsideTag parserState = iota
	insideTag
)

// ParsedEvent is one ordered event from the stream parser: either a text
// fragment or a complete tool call, never both.
type ParsedEvent struct {
	Text     string
	ToolCall *ToolCall
}

// StreamParser incrementally extracts tool-call markup from a chunked text
// stream. Concatenating the Text of all emitted events reproduces the
// input exactly, with tool-call markup removed: no characters are ever
// duplicated or dropped across chunk boundaries.
//
// Not safe for concurrent use; each model stream owns one parser.
type StreamParser struct {
	state parserState
	buf   string
	newID func() string
}

// NewStreamParser creates a parser. Tool call ids are assigned from NewID.
func NewStreamParser() *StreamParser {
	return &StreamParser{newID: NewID}
}

// Feed consumes the next chunk and returns the events it completes, in
// stream order.
func (p *StreamParser) Feed(chunk string) []ParsedEvent {
	p.buf += chunk
	var events []ParsedEvent

	for {
		switch p.state {
		case outsideTag:
			if i := strings.Index(p.buf, toolCallStartTag); i >= 0 {
				if i > 0 {
					events = append(events, ParsedEvent{Text: p.buf[:i]})
				}
				p.buf = p.buf[i+len(toolCallStartTag):]
				p.state = insideTag
				continue
			}
			// No complete start marker. Hold back any suffix that is a
			// prefix of the marker so it can pair with the next chunk;
			// emit everything before it.
			hold := partialMarkerSuffix(p.buf, toolCallStartTag)
			if cut := len(p.buf) - hold; cut > 0 {
				events = append(events, ParsedEvent{Text: p.buf[:cut]})
				p.buf = p.buf[cut:]
			}
			return events

		case insideTag:
			i := strings.Index(p.buf, toolCallEndTag)
			if i < 0 {
				// Keep buffering until the end marker arrives.
				return events
			}
			payload := p.buf[:i]
			p.buf = p.buf[i+len(toolCallEndTag):]
			p.state = outsideTag
			if tc := p.parsePayload(payload); tc != nil {
				events = append(events, ParsedEvent{ToolCall: tc})
			}
		}
	}
}

// Flush ends the stream. Held-back text that never became a marker is
// emitted; an unterminated tool-call body is discarded as malformed.
func (p *StreamParser) Flush() []ParsedEvent {
	var events []ParsedEvent
	if p.state == outsideTag && p.buf != "" {
		events = append(events, ParsedEvent{Text: p.buf})
	}
	p.buf = ""
	p.state = outsideTag
	return events
}

// parsePayload decodes a tool-call body. Malformed JSON or a missing tool
// name discards the fragment silently: the model sees no error event, it
// simply gets no result for markup it never completed correctly.
func (p *StreamParser) parsePayload(payload string) *ToolCall {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		return nil
	}
	rawName, ok := fields[toolNameField]
	if !ok {
		return nil
	}
	var name string
	if err := json.Unmarshal(rawName, &name); err != nil || name == "" {
		return nil
	}
	delete(fields, toolNameField)
	input, err := json.Marshal(fields)
	if err != nil {
		return nil
	}
	return &ToolCall{ID: p.newID(), Name: name, Input: input}
}

// partialMarkerSuffix returns the length of the longest proper suffix of s
// that is a prefix of marker.
func partialMarkerSuffix(s, marker string) int {
	max := len(marker) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasPrefix(marker, s[len(s)-n:]) {
			return n
		}
	}
	return 0
}
