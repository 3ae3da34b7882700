// Package session holds the per-conversation waiting window between a shared
// link and the start of its pipeline job.
//
// A conversation has at most one open session. The session closes on the
// first of: an instruction, an explicit start, or the window deadline. Closing
// hands exactly one Job to the Dispatcher.
package session

import (
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultWindow is how long a session waits for instructions.
const DefaultWindow = 120 * time.Second

var (
	// ErrSessionConflict is returned for a link while a session is already open.
	ErrSessionConflict = errors.New("session already open for conversation")
	// ErrNoSession is returned when no open session exists for the conversation.
	ErrNoSession = errors.New("no open session for conversation")
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusOpen    Status = "OPEN"
	StatusClosing Status = "CLOSING"
	StatusClosed  Status = "CLOSED"
)

// Job is the unit of work emitted when a session closes.
type Job struct {
	ID             string
	ConversationID string
	Link           string
	Instructions   []string
	CreatedAt      time.Time
}

// Dispatcher receives closed sessions as jobs. Dispatch must not block on the
// job's execution.
type Dispatcher interface {
	Dispatch(Job)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(Job)

func (f DispatcherFunc) Dispatch(j Job) { f(j) }

// Snapshot is a read-only copy of an open session.
type Snapshot struct {
	ConversationID string
	Link           string
	CreatedAt      time.Time
	Deadline       time.Time
	Instructions   []string
	Status         Status
}

type session struct {
	mu           sync.Mutex
	conv         string
	link         string
	createdAt    time.Time
	deadline     time.Time
	instructions []string
	status       Status
	timer        Timer
}

// Manager is the registry of open sessions. It is safe for concurrent use;
// operations on different conversations never contend on a shared lock.
type Manager struct {
	window   time.Duration
	clock    Clock
	dispatch Dispatcher
	logger   *slog.Logger

	sessions sync.Map // conversation id -> *session
	open     atomic.Int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithWindow sets the waiting window. Non-positive values keep the default.
func WithWindow(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.window = d
		}
	}
}

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager handing closed sessions to d.
func NewManager(d Dispatcher, opts ...Option) *Manager {
	m := &Manager{
		window:   DefaultWindow,
		clock:    realClock{},
		dispatch: d,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "session")
	return m
}

// Window returns the configured waiting window.
func (m *Manager) Window() time.Duration { return m.window }

// OnLink opens a session for conv. An already open session is left untouched
// and ErrSessionConflict is returned.
func (m *Manager) OnLink(conv, link string) (Snapshot, error) {
	now := m.clock.Now()
	s := &session{
		conv:      conv,
		link:      link,
		createdAt: now,
		deadline:  now.Add(m.window),
		status:    StatusOpen,
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, loaded := m.sessions.LoadOrStore(conv, s); loaded {
		return Snapshot{}, ErrSessionConflict
	}
	m.open.Add(1)
	s.timer = m.clock.AfterFunc(m.window, func() { m.expire(s) })

	m.logger.Info("session opened", "conversation", conv, "deadline", s.deadline)
	return s.snapshot(), nil
}

// OnInstruction appends text to the open session and closes it.
func (m *Manager) OnInstruction(conv, text string) error {
	return m.trigger(conv, "instruction", func(s *session) {
		s.instructions = append(s.instructions, text)
	})
}

// OnExplicitStart closes the open session without waiting for the deadline.
func (m *Manager) OnExplicitStart(conv string) error {
	return m.trigger(conv, "start", nil)
}

// Cancel drops the open session without emitting a job.
func (m *Manager) Cancel(conv string) error {
	s, ok := m.load(conv)
	if !ok {
		return ErrNoSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusOpen {
		return ErrNoSession
	}
	s.timer.Stop()
	s.status = StatusClosed
	m.sessions.CompareAndDelete(conv, s)
	m.open.Add(-1)

	m.logger.Info("session cancelled", "conversation", conv)
	return nil
}

// Get returns a snapshot of the open session for conv.
func (m *Manager) Get(conv string) (Snapshot, bool) {
	s, ok := m.load(conv)
	if !ok {
		return Snapshot{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusOpen {
		return Snapshot{}, false
	}
	return s.snapshot(), true
}

// Active returns the number of open sessions.
func (m *Manager) Active() int { return int(m.open.Load()) }

// Stop disarms every open session without dispatching. It returns how many
// sessions were dropped.
func (m *Manager) Stop() int {
	dropped := 0
	m.sessions.Range(func(key, value any) bool {
		s := value.(*session)
		s.mu.Lock()
		if s.status == StatusOpen {
			s.timer.Stop()
			s.status = StatusClosed
			m.sessions.CompareAndDelete(key, s)
			m.open.Add(-1)
			dropped++
		}
		s.mu.Unlock()
		return true
	})
	if dropped > 0 {
		m.logger.Warn("dropped open sessions on shutdown", "count", dropped)
	}
	return dropped
}

func (m *Manager) load(conv string) (*session, bool) {
	v, ok := m.sessions.Load(conv)
	if !ok {
		return nil, false
	}
	return v.(*session), true
}

func (m *Manager) trigger(conv, reason string, mutate func(*session)) error {
	s, ok := m.load(conv)
	if !ok {
		return ErrNoSession
	}
	s.mu.Lock()
	if s.status != StatusOpen {
		s.mu.Unlock()
		return ErrNoSession
	}
	if mutate != nil {
		mutate(s)
	}
	job := m.closeLocked(s, reason)
	s.mu.Unlock()

	m.dispatch.Dispatch(job)
	return nil
}

func (m *Manager) expire(s *session) {
	s.mu.Lock()
	if s.status != StatusOpen {
		s.mu.Unlock()
		return
	}
	job := m.closeLocked(s, "deadline")
	s.mu.Unlock()

	m.dispatch.Dispatch(job)
}

// closeLocked moves an OPEN session to CLOSED and builds its job. The caller
// holds s.mu and has checked the status.
func (m *Manager) closeLocked(s *session, reason string) Job {
	s.status = StatusClosing
	s.timer.Stop()
	m.sessions.CompareAndDelete(s.conv, s)
	m.open.Add(-1)

	job := Job{
		ID:             uuid.NewString(),
		ConversationID: s.conv,
		Link:           s.link,
		Instructions:   slices.Clone(s.instructions),
		CreatedAt:      m.clock.Now(),
	}
	s.status = StatusClosed

	m.logger.Info("session closed",
		"conversation", s.conv, "job_id", job.ID, "trigger", reason, "instructions", len(job.Instructions))
	return job
}

func (s *session) snapshot() Snapshot {
	return Snapshot{
		ConversationID: s.conv,
		Link:           s.link,
		CreatedAt:      s.createdAt,
		Deadline:       s.deadline,
		Instructions:   slices.Clone(s.instructions),
		Status:         s.status,
	}
}
