// Package reducer folds status channel messages into task state.
package reducer

import (
	"encoding/json"
	"math"

	"transcribe-client/pkg/models"
)

// Message is a status frame as pushed by the backend. Every field is optional
// and is kept raw so that a wrongly typed field only drops that field.
type Message struct {
	Progress    json.RawMessage `json:"progress"`
	PartialText json.RawMessage `json:"partial_text"`
	Tokens      json.RawMessage `json:"tokens"`
	Segments    json.RawMessage `json:"segments"`
	Status      json.RawMessage `json:"status"`
	Error       json.RawMessage `json:"error"`
}

// Parse decodes a raw frame. Anything that is not a JSON object is rejected.
func Parse(raw []byte) (Message, bool) {
	if leading(raw) != '{' {
		return Message{}, false
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, false
	}
	return msg, true
}

// Apply parses raw and reduces it into state. The second result is false when
// the frame was discarded, in which case the returned state equals state.
func Apply(state models.Task, raw []byte) (models.Task, bool) {
	msg, ok := Parse(raw)
	if !ok {
		return state, false
	}
	return Reduce(state, msg)
}

// Reduce returns the state after msg. Terminal states absorb every message.
// partial_text and segments carry the cumulative value and always replace.
func Reduce(state models.Task, msg Message) (models.Task, bool) {
	if state.Status.Terminal() {
		return state, false
	}
	next := state

	if p, ok := number(msg.Progress); ok {
		p = clamp(p, 0, 100)
		// out-of-order frames must not move the bar backwards
		if next.Status == models.StatusProcessing && p < next.Progress {
			p = next.Progress
		}
		next.Progress = p
	}

	var text string
	if decode(msg.PartialText, &text) {
		next.PartialText = text
	}

	if tokens, ok := parseTokens(msg.Tokens); ok {
		next.Tokens = tokens
	}

	var segments []models.Segment
	if leading(msg.Segments) == '[' && decode(msg.Segments, &segments) {
		if segments == nil {
			segments = []models.Segment{}
		}
		next.Segments = segments
	}

	var status string
	if decode(msg.Status, &status) {
		switch models.Status(status) {
		case models.StatusCompleted:
			next.Status = models.StatusCompleted
		case models.StatusFailed:
			next.Status = models.StatusFailed
			var reason string
			if decode(msg.Error, &reason) {
				next.ErrorMessage = reason
			}
		}
	}

	return next, true
}

// Fail forces state into failed, used when the transport itself breaks.
func Fail(state models.Task, reason string) models.Task {
	if state.Status.Terminal() {
		return state
	}
	state.Status = models.StatusFailed
	state.ErrorMessage = reason
	return state
}

func parseTokens(raw json.RawMessage) (models.Tokens, bool) {
	var pair struct {
		Input  json.RawMessage `json:"input"`
		Output json.RawMessage `json:"output"`
	}
	if !decode(raw, &pair) {
		return models.Tokens{}, false
	}
	in, okIn := number(pair.Input)
	out, okOut := number(pair.Output)
	if !okIn || !okOut {
		return models.Tokens{}, false
	}
	return models.Tokens{Input: count(in), Output: count(out)}, true
}

func number(raw json.RawMessage) (float64, bool) {
	var v float64
	if !decode(raw, &v) || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func count(v float64) int64 {
	if v < 0 {
		return 0
	}
	if v >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

// decode treats a missing or null field as absent.
func decode(raw json.RawMessage, v interface{}) bool {
	if len(raw) == 0 || string(raw) == "null" {
		return false
	}
	return json.Unmarshal(raw, v) == nil
}

// leading returns the first non-space byte of raw, or 0.
func leading(raw []byte) byte {
	for _, c := range raw {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		default:
			return c
		}
	}
	return 0
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
