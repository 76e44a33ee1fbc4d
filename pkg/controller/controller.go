// Package controller drives one transcription task from submission to a
// terminal state and exposes its state to the presentation layer.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"transcribe-client/pkg/channel"
	"transcribe-client/pkg/models"
	"transcribe-client/pkg/reducer"
	"transcribe-client/pkg/results"
	"transcribe-client/pkg/storage"

	"github.com/rs/zerolog/log"
)

var (
	ErrTaskActive     = errors.New("a task is already uploading or processing")
	ErrNoTask         = errors.New("no task has been submitted")
	ErrCancelInFlight = errors.New("cancel already in flight")
	ErrNotCompleted   = errors.New("task has not completed")
)

// Backend is the HTTP side of the transcription service.
type Backend interface {
	Submit(ctx context.Context, p models.SubmissionParameters) (string, error)
	Cancel(ctx context.Context, taskID string) error
}

// Channels opens status channels. *channel.Manager satisfies it.
type Channels interface {
	Open(ctx context.Context, taskID string, h channel.Handler) (*channel.Lease, error)
	Close()
}

type Controller struct {
	backend  Backend
	channels Channels
	locator  *results.Locator
	history  storage.History

	mu        sync.Mutex
	task      models.Task
	lease     *channel.Lease
	canceling bool
	version   uint64
}

// New returns a controller holding an idle task. history may be nil.
func New(backend Backend, channels Channels, locator *results.Locator, history storage.History) *Controller {
	return &Controller{
		backend:  backend,
		channels: channels,
		locator:  locator,
		history:  history,
		task:     models.NewTask(),
	}
}

// Submit discards the current task, uploads p and binds the status channel
// of the new task. A rejected submission leaves the task failed without id.
func (c *Controller) Submit(ctx context.Context, p models.SubmissionParameters) error {
	if err := p.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.task.Status.Active() {
		c.mu.Unlock()
		return ErrTaskActive
	}
	previous := c.task
	stale := c.lease
	c.lease = nil
	c.canceling = false
	c.task = models.NewTask()
	c.task.Status = models.StatusUploading
	c.touch()
	c.mu.Unlock()

	if stale != nil {
		stale.Release()
	}
	c.archive(previous)

	taskID, err := c.backend.Submit(ctx, p)
	if err != nil {
		c.mu.Lock()
		if c.task.Status == models.StatusUploading {
			c.task.Status = models.StatusFailed
			c.touch()
		}
		c.mu.Unlock()
		log.Warn().Err(err).Msg("submission failed")
		return fmt.Errorf("submit: %w", err)
	}

	c.mu.Lock()
	c.task.ID = taskID
	c.task.Status = models.StatusProcessing
	c.touch()
	c.mu.Unlock()
	log.Info().Str("task_id", taskID).Msg("task processing")

	lease, err := c.channels.Open(ctx, taskID, &binding{c: c, taskID: taskID})
	if err != nil {
		c.handleError(taskID, err)
		return fmt.Errorf("open status channel: %w", err)
	}

	c.mu.Lock()
	keep := c.task.ID == taskID && !c.task.Status.Terminal()
	if keep {
		c.lease = lease
	}
	c.mu.Unlock()
	if !keep {
		// finished or discarded while the channel was dialing
		lease.Release()
	}
	return nil
}

// Cancel asks the service to abort the current task. The local status is
// left alone; the outcome arrives on the status channel. Failures to cancel
// are logged and swallowed.
func (c *Controller) Cancel(ctx context.Context) error {
	c.mu.Lock()
	if c.task.ID == "" {
		c.mu.Unlock()
		return ErrNoTask
	}
	if c.canceling {
		c.mu.Unlock()
		return ErrCancelInFlight
	}
	c.canceling = true
	taskID := c.task.ID
	c.touch()
	c.mu.Unlock()

	err := c.backend.Cancel(ctx, taskID)

	c.mu.Lock()
	if c.task.ID == taskID {
		c.canceling = false
		c.touch()
	}
	c.mu.Unlock()

	if err != nil {
		log.Warn().Str("task_id", taskID).Err(err).Msg("cancel request failed")
		return nil
	}
	log.Info().Str("task_id", taskID).Msg("cancel requested")
	return nil
}

// State returns a snapshot of the current task.
func (c *Controller) State() models.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.task.Clone()
}

// Canceling reports whether a cancel request is in flight.
func (c *Controller) Canceling() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canceling
}

// Version increases on every state change.
func (c *Controller) Version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Results locates the outputs of the current task once it has completed.
func (c *Controller) Results() ([]results.Descriptor, error) {
	task := c.State()
	if task.ID == "" {
		return nil, ErrNoTask
	}
	if task.Status != models.StatusCompleted {
		return nil, ErrNotCompleted
	}
	return c.locator.Locate(task.ID)
}

// Result locates one output of the current task once it has completed.
func (c *Controller) Result(f results.Format) (results.Descriptor, error) {
	task := c.State()
	if task.ID == "" {
		return results.Descriptor{}, ErrNoTask
	}
	if task.Status != models.StatusCompleted {
		return results.Descriptor{}, ErrNotCompleted
	}
	return c.locator.Find(task.ID, f)
}

// Close releases the status channel. The task state is kept as is.
func (c *Controller) Close() {
	c.mu.Lock()
	lease := c.lease
	c.lease = nil
	c.mu.Unlock()

	if lease != nil {
		lease.Release()
	}
	c.channels.Close()
}

func (c *Controller) handleMessage(taskID string, data []byte) {
	c.mu.Lock()
	if c.task.ID != taskID {
		c.mu.Unlock()
		log.Debug().Str("task_id", taskID).Msg("dropping frame for discarded task")
		return
	}
	next, applied := reducer.Apply(c.task, data)
	if !applied {
		c.mu.Unlock()
		log.Debug().Str("task_id", taskID).Msg("status frame discarded")
		return
	}
	c.task = next
	c.touch()
	lease, done := c.settle()
	c.mu.Unlock()

	c.finish(lease, done)
}

func (c *Controller) handleError(taskID string, err error) {
	c.mu.Lock()
	if c.task.ID != taskID || c.task.Status.Terminal() {
		c.mu.Unlock()
		return
	}
	c.task = reducer.Fail(c.task, "")
	c.touch()
	lease, done := c.settle()
	c.mu.Unlock()

	log.Warn().Str("task_id", taskID).Err(err).Msg("status channel failed")
	c.finish(lease, done)
}

// settle detaches the lease once the task is terminal. Callers hold c.mu.
func (c *Controller) settle() (*channel.Lease, *models.Task) {
	if !c.task.Status.Terminal() {
		return nil, nil
	}
	lease := c.lease
	c.lease = nil
	done := c.task.Clone()
	return lease, &done
}

func (c *Controller) finish(lease *channel.Lease, done *models.Task) {
	if done == nil {
		return
	}
	if lease != nil {
		lease.Release()
	}
	c.archive(*done)
	log.Info().Str("task_id", done.ID).Str("status", string(done.Status)).Msg("task finished")
}

func (c *Controller) archive(task models.Task) {
	if c.history == nil || task.ID == "" {
		return
	}
	if err := c.history.Save(task); err != nil {
		log.Warn().Str("task_id", task.ID).Err(err).Msg("archive task failed")
	}
}

func (c *Controller) touch() {
	c.version++
}

// binding routes channel events of one task into the controller.
type binding struct {
	c      *Controller
	taskID string
}

func (b *binding) OnMessage(_ string, data []byte) {
	b.c.handleMessage(b.taskID, data)
}

func (b *binding) OnError(_ string, err error) {
	b.c.handleError(b.taskID, err)
}
