// Package results derives where the outputs of a finished task live.
package results

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

type Format string

const (
	FormatPlain       Format = "plain"
	FormatTimestamped Format = "timestamped"
	FormatSRT         Format = "srt"
)

// Formats lists every representation in presentation order.
var Formats = []Format{FormatPlain, FormatTimestamped, FormatSRT}

var (
	ErrNoTaskID      = errors.New("task id is required")
	ErrUnknownFormat = errors.New("unknown result format")
)

func ParseFormat(s string) (Format, error) {
	for _, f := range Formats {
		if string(f) == s {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// Descriptor addresses one retrievable representation.
type Descriptor struct {
	Format   Format `json:"format"`
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

// Locator builds descriptors without touching the network.
type Locator struct {
	base string
}

func NewLocator(baseURL string) *Locator {
	return &Locator{base: strings.TrimRight(baseURL, "/")}
}

// Locate returns one descriptor per format for taskID.
func (l *Locator) Locate(taskID string) ([]Descriptor, error) {
	if taskID == "" {
		return nil, ErrNoTaskID
	}
	out := make([]Descriptor, 0, len(Formats))
	for _, f := range Formats {
		out = append(out, l.describe(taskID, f))
	}
	return out, nil
}

// Find returns the descriptor of a single format.
func (l *Locator) Find(taskID string, f Format) (Descriptor, error) {
	if taskID == "" {
		return Descriptor{}, ErrNoTaskID
	}
	if _, err := ParseFormat(string(f)); err != nil {
		return Descriptor{}, err
	}
	return l.describe(taskID, f), nil
}

func (l *Locator) describe(taskID string, f Format) Descriptor {
	q := url.Values{}
	q.Set("format", string(f))
	ext := "txt"
	if f == FormatSRT {
		ext = "srt"
	}
	return Descriptor{
		Format:   f,
		URL:      l.base + "/api/v1/result/" + url.PathEscape(taskID) + "?" + q.Encode(),
		Filename: fmt.Sprintf("transcript_%s.%s", taskID, ext),
	}
}
