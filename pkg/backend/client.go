// Package backend talks to the transcription service over HTTP.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"transcribe-client/pkg/models"
	"transcribe-client/pkg/results"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrSubmissionRejected = errors.New("submission rejected")
	ErrMissingTaskID      = errors.New("response carries no task id")
	ErrCancelFailed       = errors.New("cancel request failed")
	ErrFetchFailed        = errors.New("result retrieval failed")
)

// RejectedError is returned for non-2xx submission responses.
type RejectedError struct {
	StatusCode int
	Body       string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("submission rejected: HTTP %d: %s", e.StatusCode, e.Body)
}

func (e *RejectedError) Unwrap() error { return ErrSubmissionRejected }

const maxErrorBody = 512

type Client struct {
	baseURL *url.URL
	http    *http.Client
}

// NewClient builds a client for the service rooted at baseURL.
func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", baseURL)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: u,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

// BaseURL returns the service root without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// StatusURL returns the websocket address of the status channel for taskID.
func (c *Client) StatusURL(taskID string) string {
	u := c.endpoint("/ws/v1/status/", taskID)
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String()
}

// Query encodes the submission parameters. Unset optionals are left out and
// the generation controls are only sent for Vertex AI.
func Query(p models.SubmissionParameters) url.Values {
	q := url.Values{}
	q.Set("model_choice", string(p.Model))
	if p.StartTime != "" {
		q.Set("start_time", p.StartTime)
	}
	if p.EndTime != "" {
		q.Set("end_time", p.EndTime)
	}
	if p.ChunkLength > 0 {
		q.Set("chunk_length", strconv.Itoa(p.ChunkLength))
	}
	if p.Model != models.ModelVertexAI {
		return q
	}
	if p.Prompt != "" {
		q.Set("prompt", p.Prompt)
	}
	if p.Temperature != nil {
		q.Set("temperature", formatFloat(*p.Temperature))
	}
	if p.TopP != nil {
		q.Set("top_p", formatFloat(*p.TopP))
	}
	if p.MaxOutputTokens != nil {
		q.Set("max_output_tokens", strconv.Itoa(*p.MaxOutputTokens))
	}
	q.Set("thinking_budget", "0")
	q.Set("safety_off", "true")
	return q
}

// Submit uploads the file and returns the task id assigned by the service.
func (c *Client) Submit(ctx context.Context, p models.SubmissionParameters) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}

	var requestBody bytes.Buffer
	writer := multipart.NewWriter(&requestBody)

	fileWriter, err := writer.CreateFormFile("file", p.File.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(fileWriter, p.File.Body); err != nil {
		return "", fmt.Errorf("failed to copy file data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to finish multipart body: %w", err)
	}

	endpoint := c.endpoint("/api/v1/transcribe", "")
	endpoint.RawQuery = Query(p).Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), &requestBody)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	requestID := setRequestID(req)

	logger := log.With().Str("request_id", requestID).Str("model", string(p.Model)).Logger()
	logger.Info().Str("file", p.File.Name).Int("size", requestBody.Len()).Msg("submitting transcription")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		logger.Warn().Int("status", resp.StatusCode).Msg("submission rejected")
		return "", &RejectedError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var payload struct {
		TaskID string `json:"task_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("failed to decode submission response: %w", err)
	}
	if payload.TaskID == "" {
		return "", ErrMissingTaskID
	}

	logger.Info().Str("task_id", payload.TaskID).Msg("transcription accepted")
	return payload.TaskID, nil
}

// Cancel asks the service to abort taskID. The response body is ignored.
func (c *Client) Cancel(ctx context.Context, taskID string) error {
	endpoint := c.endpoint("/api/v1/cancel/", taskID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	setRequestID(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCancelFailed, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: HTTP %d", ErrCancelFailed, resp.StatusCode)
	}
	return nil
}

// Fetch retrieves one result representation and its content type.
func (c *Client) Fetch(ctx context.Context, d results.Descriptor) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}
	setRequestID(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, "", fmt.Errorf("%w: HTTP %d: %s", ErrFetchFailed, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read response: %w", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// endpoint appends path to the base URL, followed by taskID as one escaped
// segment, the same way result URLs are built.
func (c *Client) endpoint(path, taskID string) *url.URL {
	u := *c.baseURL
	base := u.EscapedPath()
	u.Path = u.Path + path + taskID
	u.RawPath = base + path + url.PathEscape(taskID)
	return &u
}

func setRequestID(req *http.Request) string {
	id := uuid.NewString()
	req.Header.Set("X-Request-ID", id)
	return id
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
