package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"transcribe-client/pkg/models"
	"transcribe-client/pkg/results"

	"github.com/gorilla/mux"
)

type capture struct {
	mu        sync.Mutex
	query     url.Values
	fileName  string
	fileBody  string
	requestID string
	cancelled []string
}

func newBackend(t *testing.T, submitStatus int) (*httptest.Server, *capture) {
	t.Helper()
	c := &capture{}
	router := mux.NewRouter()
	router.HandleFunc("/api/v1/transcribe", func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		c.query = r.URL.Query()
		c.requestID = r.Header.Get("X-Request-ID")
		if file, header, err := r.FormFile("file"); err == nil {
			data, _ := io.ReadAll(file)
			file.Close()
			c.fileName = header.Filename
			c.fileBody = string(data)
		}
		c.mu.Unlock()

		if submitStatus != http.StatusOK {
			http.Error(w, "boom", submitStatus)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"task_id": "task-42"})
	}).Methods("POST")
	router.HandleFunc("/api/v1/cancel/{id}", func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		c.cancelled = append(c.cancelled, mux.Vars(r)["id"])
		c.mu.Unlock()
		if mux.Vars(r)["id"] == "missing" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"ok": true}`))
	}).Methods("POST")
	router.HandleFunc("/api/v1/result/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("format") == "srt" {
			w.Header().Set("Content-Type", "application/x-subrip; charset=utf-8")
			w.Write([]byte("1\n00:00:00,000 --> 00:00:01,000\nhello\n"))
			return
		}
		http.Error(w, "not completed", http.StatusConflict)
	}).Methods("GET")

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, c
}

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }

func vertexParams() models.SubmissionParameters {
	return models.SubmissionParameters{
		File:            &models.Upload{Name: "talk.wav", Body: strings.NewReader("RIFF....")},
		Model:           models.ModelVertexAI,
		ChunkLength:     30,
		Prompt:          "transcribe",
		Temperature:     floatPtr(0),
		TopP:            floatPtr(0.95),
		MaxOutputTokens: intPtr(65535),
	}
}

func TestSubmitVertexAI(t *testing.T) {
	srv, c := newBackend(t, http.StatusOK)
	client, err := NewClient(srv.URL, 0)
	if err != nil {
		t.Fatalf("client: %v", err)
	}

	id, err := client.Submit(context.Background(), vertexParams())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id != "task-42" {
		t.Fatalf("id = %q", id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	want := map[string]string{
		"model_choice":      "vertex_ai",
		"chunk_length":      "30",
		"prompt":            "transcribe",
		"temperature":       "0",
		"top_p":             "0.95",
		"max_output_tokens": "65535",
		"thinking_budget":   "0",
		"safety_off":        "true",
	}
	for k, v := range want {
		if got := c.query.Get(k); got != v {
			t.Fatalf("query %s = %q, want %q", k, got, v)
		}
	}
	for _, k := range []string{"start_time", "end_time"} {
		if c.query.Has(k) {
			t.Fatalf("empty %s must not be sent", k)
		}
	}
	if c.fileName != "talk.wav" || c.fileBody != "RIFF...." {
		t.Fatalf("unexpected upload %q %q", c.fileName, c.fileBody)
	}
	if c.requestID == "" {
		t.Fatalf("expected X-Request-ID header")
	}
}

func TestQueryRemoteLLMOmitsGenerationControls(t *testing.T) {
	p := vertexParams()
	p.Model = models.ModelRemoteLLM
	p.StartTime = "00:00:10"
	p.EndTime = "00:01:00"

	q := Query(p)
	for _, k := range []string{"prompt", "temperature", "top_p", "max_output_tokens", "thinking_budget", "safety_off"} {
		if q.Has(k) {
			t.Fatalf("%s must not be sent for remote_llm", k)
		}
	}
	if q.Get("model_choice") != "remote_llm" || q.Get("start_time") != "00:00:10" || q.Get("end_time") != "00:01:00" {
		t.Fatalf("unexpected query: %v", q)
	}
}

func TestQueryOmitsUnsetOptionals(t *testing.T) {
	q := Query(models.SubmissionParameters{Model: models.ModelVertexAI})
	for _, k := range []string{"prompt", "temperature", "top_p", "max_output_tokens", "chunk_length", "start_time", "end_time"} {
		if q.Has(k) {
			t.Fatalf("%s must not be sent when unset", k)
		}
	}
	if q.Get("thinking_budget") != "0" || q.Get("safety_off") != "true" {
		t.Fatalf("fixed vertex flags missing: %v", q)
	}
}

func TestSubmitRejected(t *testing.T) {
	srv, _ := newBackend(t, http.StatusInternalServerError)
	client, _ := NewClient(srv.URL, 0)

	_, err := client.Submit(context.Background(), vertexParams())
	if !errors.Is(err, ErrSubmissionRejected) {
		t.Fatalf("expected ErrSubmissionRejected, got %v", err)
	}
	var rejected *RejectedError
	if !errors.As(err, &rejected) || rejected.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected RejectedError with 500, got %v", err)
	}
}

func TestSubmitValidatesParameters(t *testing.T) {
	client, _ := NewClient("http://127.0.0.1:1", 0)

	p := vertexParams()
	p.File = nil
	if _, err := client.Submit(context.Background(), p); !errors.Is(err, models.ErrNoFile) {
		t.Fatalf("expected ErrNoFile, got %v", err)
	}

	p = vertexParams()
	p.StartTime = "1:00"
	if _, err := client.Submit(context.Background(), p); err == nil {
		t.Fatalf("expected clip bound validation error")
	}
}

func TestCancel(t *testing.T) {
	srv, c := newBackend(t, http.StatusOK)
	client, _ := NewClient(srv.URL, 0)

	if err := client.Cancel(context.Background(), "task-42"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := client.Cancel(context.Background(), "missing"); !errors.Is(err, ErrCancelFailed) {
		t.Fatalf("expected ErrCancelFailed, got %v", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.cancelled) != 2 || c.cancelled[0] != "task-42" {
		t.Fatalf("unexpected cancel calls: %v", c.cancelled)
	}
}

func TestFetch(t *testing.T) {
	srv, _ := newBackend(t, http.StatusOK)
	client, _ := NewClient(srv.URL, 0)
	locator := results.NewLocator(client.BaseURL())

	d, _ := locator.Find("task-42", results.FormatSRT)
	body, contentType, err := client.Fetch(context.Background(), d)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !strings.Contains(string(body), "hello") || !strings.HasPrefix(contentType, "application/x-subrip") {
		t.Fatalf("unexpected result %q %q", body, contentType)
	}

	d, _ = locator.Find("task-42", results.FormatPlain)
	if _, _, err := client.Fetch(context.Background(), d); !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("expected ErrFetchFailed, got %v", err)
	}
}

func TestStatusURL(t *testing.T) {
	client, _ := NewClient("https://stt.example.org/base/", 0)
	if got := client.StatusURL("abc"); got != "wss://stt.example.org/base/ws/v1/status/abc" {
		t.Fatalf("status url = %s", got)
	}
	client, _ = NewClient("http://localhost:8000", 0)
	if got := client.StatusURL("abc"); got != "ws://localhost:8000/ws/v1/status/abc" {
		t.Fatalf("status url = %s", got)
	}
	if _, err := NewClient("ftp://x", 0); err == nil {
		t.Fatalf("expected scheme error")
	}
}

func TestTaskIDEscapedLikeResultURLs(t *testing.T) {
	client, _ := NewClient("http://localhost:8000/base", 0)
	id := "a/b c"

	if got := client.StatusURL(id); got != "ws://localhost:8000/base/ws/v1/status/a%2Fb%20c" {
		t.Fatalf("status url = %s", got)
	}
	d, _ := results.NewLocator(client.BaseURL()).Find(id, results.FormatPlain)
	if !strings.HasPrefix(d.URL, "http://localhost:8000/base/api/v1/result/a%2Fb%20c?") {
		t.Fatalf("result url = %s", d.URL)
	}
	if got := client.endpoint("/api/v1/cancel/", id).String(); got != "http://localhost:8000/base/api/v1/cancel/a%2Fb%20c" {
		t.Fatalf("cancel url = %s", got)
	}
}
