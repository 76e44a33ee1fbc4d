package models

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	ErrNoFile       = errors.New("no file selected")
	ErrUnknownModel = errors.New("unknown model choice")
)

const (
	MinChunkLength = 5
	MaxChunkLength = 120
)

var clockPattern = regexp.MustCompile(`^\d{2}:[0-5]\d:[0-5]\d$`)

// Validate checks the parameters before anything is sent.
func (p SubmissionParameters) Validate() error {
	if p.File == nil || p.File.Body == nil {
		return ErrNoFile
	}
	if !p.Model.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownModel, p.Model)
	}
	if p.StartTime != "" && !clockPattern.MatchString(p.StartTime) {
		return fmt.Errorf("invalid start_time %q: want HH:MM:SS", p.StartTime)
	}
	if p.EndTime != "" && !clockPattern.MatchString(p.EndTime) {
		return fmt.Errorf("invalid end_time %q: want HH:MM:SS", p.EndTime)
	}
	if p.ChunkLength != 0 && (p.ChunkLength < MinChunkLength || p.ChunkLength > MaxChunkLength) {
		return fmt.Errorf("invalid chunk_length %d: want %d..%d seconds", p.ChunkLength, MinChunkLength, MaxChunkLength)
	}
	return nil
}
