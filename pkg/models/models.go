package models

import (
	"io"
)

type Status string

const (
	StatusIdle       Status = "idle"
	StatusUploading  Status = "uploading"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Active reports whether a task in state s blocks a new submission.
func (s Status) Active() bool {
	return s == StatusUploading || s == StatusProcessing
}

// GenericFailureMessage is shown when a task failed without a reason.
const GenericFailureMessage = "Transcription failed, please try again later."

type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type Tokens struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

type Task struct {
	ID           string    `json:"id,omitempty"`
	Status       Status    `json:"status"`
	Progress     float64   `json:"progress"`
	PartialText  string    `json:"partial_text"`
	Segments     []Segment `json:"segments"`
	Tokens       Tokens    `json:"tokens"`
	ErrorMessage string    `json:"error,omitempty"`
}

// NewTask returns an idle task with empty result fields.
func NewTask() Task {
	return Task{
		Status:   StatusIdle,
		Segments: []Segment{},
	}
}

// Clone returns a copy that shares no mutable state with t.
func (t Task) Clone() Task {
	out := t
	out.Segments = make([]Segment, len(t.Segments))
	copy(out.Segments, t.Segments)
	return out
}

// DisplayError returns the failure text to present, never blank for a failed task.
func (t Task) DisplayError() string {
	if t.Status != StatusFailed {
		return ""
	}
	if t.ErrorMessage != "" {
		return t.ErrorMessage
	}
	return GenericFailureMessage
}

type ModelChoice string

const (
	ModelVertexAI  ModelChoice = "vertex_ai"
	ModelRemoteLLM ModelChoice = "remote_llm"
)

func (m ModelChoice) Valid() bool {
	return m == ModelVertexAI || m == ModelRemoteLLM
}

// Upload is the media file handed to the submission endpoint.
type Upload struct {
	Name string
	Body io.Reader
}

// SubmissionParameters are fixed once a task starts. Nil pointers and empty
// strings mean "not set" and are never sent.
type SubmissionParameters struct {
	File        *Upload
	Model       ModelChoice
	StartTime   string
	EndTime     string
	ChunkLength int

	// Only sent for ModelVertexAI.
	Prompt          string
	Temperature     *float64
	TopP            *float64
	MaxOutputTokens *int
}
