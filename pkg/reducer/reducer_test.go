package reducer

import (
	"math"
	"testing"

	"transcribe-client/pkg/models"
)

func processing() models.Task {
	task := models.NewTask()
	task.ID = "task-1"
	task.Status = models.StatusProcessing
	return task
}

func apply(t *testing.T, state models.Task, frames ...string) models.Task {
	t.Helper()
	for _, f := range frames {
		state, _ = Apply(state, []byte(f))
	}
	return state
}

func TestProgressIsClamped(t *testing.T) {
	cases := []struct {
		frame string
		want  float64
	}{
		{`{"progress": 150}`, 100},
		{`{"progress": -5}`, 0},
		{`{"progress": 42.5}`, 42.5},
		{`{"progress": "42"}`, 0},
	}
	for _, tc := range cases {
		got := apply(t, processing(), tc.frame)
		if got.Progress != tc.want {
			t.Fatalf("%s: progress = %v, want %v", tc.frame, got.Progress, tc.want)
		}
	}
}

func TestProgressDoesNotRegress(t *testing.T) {
	got := apply(t, processing(), `{"progress": 60}`, `{"progress": 40}`)
	if got.Progress != 60 {
		t.Fatalf("progress = %v, want 60", got.Progress)
	}
}

func TestPartialTextIsReplaced(t *testing.T) {
	got := apply(t, processing(), `{"partial_text": "hello"}`, `{"partial_text": "hello world"}`)
	if got.PartialText != "hello world" {
		t.Fatalf("partial text = %q", got.PartialText)
	}

	got = apply(t, got, `{"progress": 10}`)
	if got.PartialText != "hello world" {
		t.Fatalf("missing field must not reset partial text, got %q", got.PartialText)
	}
}

func TestTokensBothOrNothing(t *testing.T) {
	state := apply(t, processing(), `{"tokens": {"input": 10, "output": 3}}`)
	if state.Tokens != (models.Tokens{Input: 10, Output: 3}) {
		t.Fatalf("tokens = %+v", state.Tokens)
	}

	for _, frame := range []string{
		`{"tokens": {"input": 99}}`,
		`{"tokens": {"output": 99}}`,
		`{"tokens": {"input": 99, "output": "7"}}`,
		`{"tokens": 5}`,
	} {
		got := apply(t, state, frame)
		if got.Tokens != state.Tokens {
			t.Fatalf("%s: tokens changed to %+v", frame, got.Tokens)
		}
	}

	for frame, want := range map[string]models.Tokens{
		`{"tokens": {"input": 1e20, "output": 5}}`:      {Input: math.MaxInt64, Output: 5},
		`{"tokens": {"input": -3, "output": 9.9e18}}`:   {Input: 0, Output: math.MaxInt64},
		`{"tokens": {"input": 12.7, "output": 1e-300}}`: {Input: 12, Output: 0},
	} {
		if got := apply(t, state, frame); got.Tokens != want {
			t.Fatalf("%s: tokens = %+v, want %+v", frame, got.Tokens, want)
		}
	}

	// last write wins regardless of arrival order
	got := apply(t, state, `{"tokens": {"input": 4, "output": 1}}`)
	if got.Tokens != (models.Tokens{Input: 4, Output: 1}) {
		t.Fatalf("tokens = %+v", got.Tokens)
	}
}

func TestSegmentsAreReplaced(t *testing.T) {
	state := processing()
	state.Segments = []models.Segment{{Start: 0, End: 1, Text: "a"}}

	got := apply(t, state, `{"segments": []}`)
	if got.Segments == nil || len(got.Segments) != 0 {
		t.Fatalf("segments = %+v, want empty", got.Segments)
	}
	if len(state.Segments) != 1 {
		t.Fatalf("input state was mutated: %+v", state.Segments)
	}

	got = apply(t, state, `{"segments": [{"start": 0, "end": 1, "text": "a"}, {"start": 1, "end": 2.5, "text": "b"}]}`)
	if len(got.Segments) != 2 || got.Segments[1].Text != "b" || got.Segments[1].End != 2.5 {
		t.Fatalf("segments = %+v", got.Segments)
	}

	got = apply(t, state, `{"segments": {"start": 0}}`)
	if len(got.Segments) != 1 {
		t.Fatalf("non-array segments must be ignored, got %+v", got.Segments)
	}
}

func TestCompletedIsTerminal(t *testing.T) {
	state := apply(t, processing(),
		`{"progress": 42, "tokens": {"input": 10, "output": 3}}`,
		`{"status": "completed"}`,
	)
	if state.Status != models.StatusCompleted {
		t.Fatalf("status = %s", state.Status)
	}
	if state.Progress != 42 || state.Tokens.Input != 10 {
		t.Fatalf("completed must keep last received fields, got %+v", state)
	}

	for _, frame := range []string{
		`{"status": "failed", "error": "late"}`,
		`{"status": "processing"}`,
		`{"progress": 99, "partial_text": "x"}`,
	} {
		got, applied := Apply(state, []byte(frame))
		if applied {
			t.Fatalf("%s: applied after terminal state", frame)
		}
		if got.Status != models.StatusCompleted || got.Progress != 42 || got.PartialText != "" {
			t.Fatalf("%s: state changed after terminal: %+v", frame, got)
		}
	}
}

func TestFailedRecordsError(t *testing.T) {
	got := apply(t, processing(), `{"status": "failed", "error": "quota exceeded"}`)
	if got.Status != models.StatusFailed || got.ErrorMessage != "quota exceeded" {
		t.Fatalf("unexpected state: %+v", got)
	}
	if got.DisplayError() != "quota exceeded" {
		t.Fatalf("display error = %q", got.DisplayError())
	}

	got = apply(t, processing(), `{"status": "failed"}`)
	if got.Status != models.StatusFailed || got.ErrorMessage != "" {
		t.Fatalf("unexpected state: %+v", got)
	}
	if got.DisplayError() != models.GenericFailureMessage {
		t.Fatalf("display error = %q, want generic message", got.DisplayError())
	}

	got = apply(t, got, `{"status": "completed"}`)
	if got.Status != models.StatusFailed {
		t.Fatalf("failed must be terminal, got %s", got.Status)
	}
}

func TestMalformedFramesAreDiscarded(t *testing.T) {
	state := apply(t, processing(), `{"progress": 30, "partial_text": "abc"}`)
	for _, frame := range []string{
		`not json`,
		`{"progress": 50`,
		`[1, 2, 3]`,
		`"completed"`,
		`null`,
		``,
	} {
		got, applied := Apply(state, []byte(frame))
		if applied {
			t.Fatalf("%q: malformed frame was applied", frame)
		}
		if got.Progress != 30 || got.PartialText != "abc" || got.Status != models.StatusProcessing {
			t.Fatalf("%q: state changed: %+v", frame, got)
		}
	}
}

func TestFieldsAppliedWithStatus(t *testing.T) {
	got := apply(t, processing(), `{"status": "completed", "progress": 100, "partial_text": "done", "error": ""}`)
	if got.Status != models.StatusCompleted || got.Progress != 100 || got.PartialText != "done" {
		t.Fatalf("unexpected state: %+v", got)
	}
	if got.ErrorMessage != "" {
		t.Fatalf("error recorded for completed task: %q", got.ErrorMessage)
	}
}

func TestTerminalIdempotenceOverSequences(t *testing.T) {
	frames := []string{
		`{"progress": 10}`,
		`{"status": "processing"}`,
		`{"status": "failed", "error": "x"}`,
		`{"status": "completed"}`,
		`{"segments": []}`,
		`garbage`,
	}
	for _, terminal := range []models.Status{models.StatusCompleted, models.StatusFailed} {
		state := processing()
		state.Status = terminal
		for _, f := range frames {
			state = apply(t, state, f)
			if state.Status != terminal {
				t.Fatalf("status moved from %s to %s on %s", terminal, state.Status, f)
			}
		}
	}
}

func TestFail(t *testing.T) {
	got := Fail(processing(), "")
	if got.Status != models.StatusFailed {
		t.Fatalf("status = %s", got.Status)
	}

	done := processing()
	done.Status = models.StatusCompleted
	if Fail(done, "boom").Status != models.StatusCompleted {
		t.Fatalf("Fail must not leave a terminal state")
	}
}
