// pkg/api/handler.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"transcribe-client/pkg/backend"
	"transcribe-client/pkg/config"
	"transcribe-client/pkg/controller"
	"transcribe-client/pkg/models"
	"transcribe-client/pkg/results"
	"transcribe-client/pkg/storage"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

// TaskController is the part of *controller.Controller the handlers use.
type TaskController interface {
	Submit(ctx context.Context, p models.SubmissionParameters) error
	Cancel(ctx context.Context) error
	State() models.Task
	Canceling() bool
	Version() uint64
	Results() ([]results.Descriptor, error)
	Result(f results.Format) (results.Descriptor, error)
}

// Fetcher retrieves result bodies. *backend.Client satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, d results.Descriptor) ([]byte, string, error)
}

type Handlers struct {
	controller   TaskController
	history      storage.History
	locator      *results.Locator
	fetcher      Fetcher
	defaults     config.FormDefaults
	pushInterval time.Duration
}

func NewHandlers(ctrl TaskController, history storage.History, locator *results.Locator, fetcher Fetcher, defaults config.FormDefaults, pushInterval time.Duration) *Handlers {
	if pushInterval <= 0 {
		pushInterval = 500 * time.Millisecond
	}
	return &Handlers{
		controller:   ctrl,
		history:      history,
		locator:      locator,
		fetcher:      fetcher,
		defaults:     defaults,
		pushInterval: pushInterval,
	}
}

// Router wires every presentation route.
func (h *Handlers) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(ZerologLogger)
	router.HandleFunc("/transcribe", h.SubmitHandler).Methods("POST")
	router.HandleFunc("/cancel", h.CancelHandler).Methods("POST")
	router.HandleFunc("/state", h.StateHandler).Methods("GET")
	router.HandleFunc("/results", h.ResultsHandler).Methods("GET")
	router.HandleFunc("/results/{format}", h.ResultHandler).Methods("GET")
	router.HandleFunc("/tasks", h.TasksHandler).Methods("GET")
	router.HandleFunc("/tasks/{id}", h.TaskHandler).Methods("GET")
	router.HandleFunc("/defaults", h.DefaultsHandler).Methods("GET")
	router.HandleFunc("/ws", h.WebSocketHandler)
	return router
}

type stateResponse struct {
	models.Task
	DisplayError string               `json:"display_error,omitempty"`
	Canceling    bool                 `json:"canceling"`
	Results      []results.Descriptor `json:"results,omitempty"`
}

func (h *Handlers) SubmitHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "Failed to parse form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, models.ErrNoFile.Error())
		return
	}
	defer file.Close()

	params, err := h.formParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	params.File = &models.Upload{Name: header.Filename, Body: file}
	if err := params.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	log.Info().Str("file", header.Filename).Int64("size", header.Size).Str("model", string(params.Model)).Msg("submission requested")

	err = h.controller.Submit(r.Context(), params)
	switch {
	case errors.Is(err, controller.ErrTaskActive):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		log.Warn().Err(err).Msg("submission failed")
		writeJSON(w, http.StatusBadGateway, h.state())
		return
	}
	writeJSON(w, http.StatusAccepted, h.state())
}

func (h *Handlers) CancelHandler(w http.ResponseWriter, r *http.Request) {
	err := h.controller.Cancel(r.Context())
	switch {
	case errors.Is(err, controller.ErrNoTask):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, controller.ErrCancelInFlight):
		// the first request is still out, nothing more to do
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, h.state())
}

func (h *Handlers) StateHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.state())
}

func (h *Handlers) ResultsHandler(w http.ResponseWriter, r *http.Request) {
	descriptors, err := h.controller.Results()
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, descriptors)
}

func (h *Handlers) ResultHandler(w http.ResponseWriter, r *http.Request) {
	format, err := results.ParseFormat(mux.Vars(r)["format"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	descriptor, err := h.controller.Result(format)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	body, contentType, err := h.fetcher.Fetch(r.Context(), descriptor)
	if err != nil {
		log.Warn().Str("format", string(format)).Err(err).Msg("result retrieval failed")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if contentType == "" {
		contentType = "text/plain; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", descriptor.Filename))
	w.Write(body)
}

func (h *Handlers) TasksHandler(w http.ResponseWriter, r *http.Request) {
	tasks := h.history.List()

	limitStr := r.URL.Query().Get("limit")
	limit := 50
	if limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 {
			limit = parsedLimit
		}
	}
	if len(tasks) > limit {
		tasks = tasks[:limit]
	}

	out := make([]stateResponse, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, h.describe(task))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": out,
		"count": len(out),
	})
}

func (h *Handlers) TaskHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	task, err := h.history.Get(id)
	if err != nil {
		if errors.Is(err, storage.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, h.describe(task))
}

func (h *Handlers) DefaultsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.defaults)
}

func (h *Handlers) state() stateResponse {
	resp := h.describe(h.controller.State())
	resp.Canceling = h.controller.Canceling()
	return resp
}

func (h *Handlers) describe(task models.Task) stateResponse {
	resp := stateResponse{
		Task:         task,
		DisplayError: task.DisplayError(),
	}
	if task.Status == models.StatusCompleted {
		resp.Results, _ = h.locator.Locate(task.ID)
	}
	return resp
}

// formParams reads the submission fields, falling back to the form defaults
// for the Vertex AI generation controls.
func (h *Handlers) formParams(r *http.Request) (models.SubmissionParameters, error) {
	p := models.SubmissionParameters{
		Model:       h.defaults.Model,
		StartTime:   r.FormValue("start_time"),
		EndTime:     r.FormValue("end_time"),
		ChunkLength: h.defaults.ChunkLength,
	}
	if v := r.FormValue("model_choice"); v != "" {
		p.Model = models.ModelChoice(v)
	}
	if v := r.FormValue("chunk_length"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, fmt.Errorf("invalid chunk_length %q", v)
		}
		p.ChunkLength = n
	}
	if p.Model != models.ModelVertexAI {
		return p, nil
	}

	p.Prompt = h.defaults.Prompt
	if v, ok := r.Form["prompt"]; ok && len(v) > 0 {
		p.Prompt = v[0]
	}
	temperature, err := floatField(r, "temperature", h.defaults.Temperature)
	if err != nil {
		return p, err
	}
	topP, err := floatField(r, "top_p", h.defaults.TopP)
	if err != nil {
		return p, err
	}
	maxTokens := h.defaults.MaxOutputTokens
	if v := r.FormValue("max_output_tokens"); v != "" {
		if maxTokens, err = strconv.Atoi(v); err != nil {
			return p, fmt.Errorf("invalid max_output_tokens %q", v)
		}
	}
	p.Temperature = &temperature
	p.TopP = &topP
	p.MaxOutputTokens = &maxTokens
	return p, nil
}

func floatField(r *http.Request, key string, fallback float64) (float64, error) {
	v := r.FormValue(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", key, v)
	}
	return f, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

var _ Fetcher = (*backend.Client)(nil)
