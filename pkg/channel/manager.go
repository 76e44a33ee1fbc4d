// Package channel owns the status websocket of the active task.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ErrClosedBeforeTerminal is reported when the server ends the stream
// without an error of its own.
var ErrClosedBeforeTerminal = errors.New("status channel closed")

// Handler receives the events of one channel. Calls for a channel are made
// from a single goroutine, one at a time.
type Handler interface {
	OnMessage(taskID string, data []byte)
	OnError(taskID string, err error)
}

// Dialer opens websocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// URLFunc maps a task id to its status channel address.
type URLFunc func(taskID string) string

// Manager keeps at most one live status channel.
type Manager struct {
	dialer Dialer
	url    URLFunc

	mu      sync.Mutex
	current *Lease
	live    atomic.Int64
	opened  atomic.Int64
}

func NewManager(dialer Dialer, url URLFunc) *Manager {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &Manager{dialer: dialer, url: url}
}

// Open closes any open channel, then dials the channel for taskID and starts
// forwarding its frames to h. The returned lease releases exactly this channel.
func (m *Manager) Open(ctx context.Context, taskID string, h Handler) (*Lease, error) {
	if taskID == "" {
		return nil, errors.New("open channel: empty task id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		m.current.release()
		m.current = nil
	}

	addr := m.url(taskID)
	conn, resp, err := m.dialer.DialContext(ctx, addr, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial status channel %s: %w", addr, err)
	}

	lease := &Lease{
		ID:      uuid.NewString(),
		TaskID:  taskID,
		conn:    conn,
		handler: h,
		manager: m,
		done:    make(chan struct{}),
	}
	m.live.Add(1)
	m.opened.Add(1)
	m.current = lease

	log.Debug().Str("task_id", taskID).Str("lease_id", lease.ID).Msg("status channel opened")
	go lease.readLoop()
	return lease, nil
}

// Close tears down the current channel, if any. It is safe to call repeatedly.
func (m *Manager) Close() {
	m.mu.Lock()
	current := m.current
	m.current = nil
	m.mu.Unlock()

	if current != nil {
		current.Release()
	}
}

// Live returns the number of channels currently open. It never exceeds one.
func (m *Manager) Live() int {
	return int(m.live.Load())
}

// Opened returns how many channels were opened over the manager's lifetime.
func (m *Manager) Opened() int {
	return int(m.opened.Load())
}

// Current returns the task id of the open channel.
func (m *Manager) Current() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return "", false
	}
	return m.current.TaskID, true
}

func (m *Manager) forget(l *Lease) {
	m.mu.Lock()
	if m.current == l {
		m.current = nil
	}
	m.mu.Unlock()
}

// Lease is one opened status channel.
type Lease struct {
	ID     string
	TaskID string

	conn    *websocket.Conn
	manager *Manager
	done    chan struct{}

	mu       sync.Mutex
	handler  Handler
	released bool
	once     sync.Once
}

// Release closes the connection and unbinds the handler. Frames already read
// but not yet delivered are dropped. Release is idempotent.
func (l *Lease) Release() {
	l.release()
	l.manager.forget(l)
}

// release is Release for callers already holding the manager lock.
func (l *Lease) release() {
	l.mu.Lock()
	l.released = true
	l.handler = nil
	l.mu.Unlock()

	l.closeConn()
}

// Done is closed once the read loop has exited.
func (l *Lease) Done() <-chan struct{} {
	return l.done
}

func (l *Lease) closeConn() {
	l.once.Do(func() {
		// no close frame: the server stops pushing when the transport goes away
		l.conn.Close()
		l.manager.live.Add(-1)
		log.Debug().Str("task_id", l.TaskID).Str("lease_id", l.ID).Msg("status channel closed")
	})
}

func (l *Lease) bound() Handler {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	return l.handler
}

func (l *Lease) readLoop() {
	defer close(l.done)

	for {
		kind, data, err := l.conn.ReadMessage()
		if err != nil {
			h := l.bound()
			l.closeConn()
			l.manager.forget(l)
			if h == nil {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = fmt.Errorf("%w: %v", ErrClosedBeforeTerminal, err)
			}
			log.Warn().Str("task_id", l.TaskID).Str("lease_id", l.ID).Err(err).Msg("status channel error")
			h.OnError(l.TaskID, err)
			return
		}
		if kind != websocket.TextMessage {
			continue
		}

		h := l.bound()
		if h == nil {
			return
		}
		h.OnMessage(l.TaskID, data)
	}
}
