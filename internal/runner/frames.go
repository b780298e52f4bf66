package runner

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Stdout framing markers. The agent prints each structured output between
// the two markers, one JSON object per frame; anything outside a frame is
// treated as incidental logging and ignored.
const (
	OutputStartMarker = "---NANOCLAW_OUTPUT_START---"
	OutputEndMarker   = "---NANOCLAW_OUTPUT_END---"
)

// Output is one framed result emitted by the agent.
type Output struct {
	Status       string `json:"status"` // "success" or "error"
	Result       string `json:"result"`
	NewSessionID string `json:"newSessionId,omitempty"`
	Error        string `json:"error,omitempty"`
}

// frameParser assembles framed outputs from a line stream.
type frameParser struct {
	inFrame bool
	buf     strings.Builder
}

// feed consumes one stdout line. ok is true when the line completed a frame.
func (p *frameParser) feed(line string) (out Output, ok bool, err error) {
	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == OutputStartMarker:
		p.inFrame = true
		p.buf.Reset()
		return Output{}, false, nil
	case trimmed == OutputEndMarker:
		if !p.inFrame {
			return Output{}, false, nil
		}
		p.inFrame = false
		body := p.buf.String()
		p.buf.Reset()
		if err := json.Unmarshal([]byte(body), &out); err != nil {
			return Output{}, false, fmt.Errorf("parse output frame: %w", err)
		}
		return out, true, nil
	case p.inFrame:
		p.buf.WriteString(line)
		p.buf.WriteString("\n")
	}
	return Output{}, false, nil
}
