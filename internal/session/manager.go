package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-dialogue/internal/dialogue"
	"github.com/loqalabs/loqa-dialogue/internal/eventstore"
	"github.com/loqalabs/loqa-dialogue/internal/grammar"
	"github.com/loqalabs/loqa-dialogue/internal/protocol"
	"github.com/loqalabs/loqa-dialogue/internal/speech"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrClosed   = errors.New("session closed")
)

// Journal records sessions, transitions and appointments.
type Journal interface {
	OpenSession(ctx context.Context, sessionID string) error
	EndSession(ctx context.Context, sessionID string) error
	AppendTransition(ctx context.Context, tr eventstore.Transition) error
	RecordAppointment(ctx context.Context, appt eventstore.Appointment) error
}

type Options struct {
	Grammar   *grammar.Table
	Speech    speech.Options
	InboxSize int
}

// Manager owns the live sessions of this process.
type Manager struct {
	opts    Options
	pub     speech.Publisher
	store   SnapshotStore
	journal Journal
	log     *slog.Logger
	metrics *metrics
	tracer  trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*Session
	subs     []*nats.Subscription
	closed   bool
}

func NewManager(parent context.Context, opts Options, pub speech.Publisher, store SnapshotStore, journal Journal, logger *slog.Logger) (*Manager, error) {
	if pub == nil {
		return nil, errors.New("session manager requires a publisher")
	}
	if opts.Grammar == nil {
		opts.Grammar = grammar.Default()
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 64
	}
	if store == nil {
		store = NewMemoryStore()
	}
	met, err := newMetrics()
	if err != nil {
		return nil, fmt.Errorf("init session metrics: %w", err)
	}
	ctx, cancel := context.WithCancel(parent)
	return &Manager{
		opts:     opts,
		pub:      pub,
		store:    store,
		journal:  journal,
		log:      logger.With(slog.String("component", "session-manager")),
		metrics:  met,
		tracer:   otel.Tracer(instrumentationName),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}, nil
}

// Open returns the live session with the given id, creating and starting it
// when absent. An empty id gets a fresh uuid.
func (m *Manager) Open(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}
	if m.journal != nil {
		if err := m.journal.OpenSession(ctx, id); err != nil {
			return nil, fmt.Errorf("journal session: %w", err)
		}
	}
	s := newSession(m.ctx, id, m)
	m.sessions[id] = s
	m.metrics.active.Add(ctx, 1)
	s.start()
	m.log.Info("session opened", slog.String("session_id", id))
	return s, nil
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Click restarts the appointment flow of a live session.
func (m *Manager) Click(ctx context.Context, id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return s.Send(ctx, dialogue.Event{Type: dialogue.EventClick})
}

// Snapshot returns the latest update of a live session, falling back to the
// snapshot store for sessions not running here.
func (m *Manager) Snapshot(ctx context.Context, id string) (Update, error) {
	if s, err := m.Get(id); err == nil {
		return s.Current(), nil
	}
	snap, err := m.store.Load(ctx, id)
	if err != nil {
		return Update{}, err
	}
	return Update{SessionID: id, View: speech.ViewOf(speech.PhaseIdle), Snapshot: snap}, nil
}

// Watch registers fn for updates of a live session.
func (m *Manager) Watch(id string, fn func(Update)) (func(), error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return s.Watch(fn), nil
}

// CloseSession stops a live session and forgets its snapshot.
func (m *Manager) CloseSession(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	m.finish(ctx, s)
	return nil
}

// Sessions lists live session ids.
func (m *Manager) Sessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) finish(ctx context.Context, s *Session) {
	s.close()
	m.metrics.active.Add(ctx, -1)
	if err := m.store.Delete(ctx, s.id); err != nil {
		m.log.Warn("failed to delete snapshot", slog.String("session_id", s.id), slogError(err))
	}
	if m.journal != nil {
		if err := m.journal.EndSession(ctx, s.id); err != nil {
			m.log.Warn("failed to end journal session", slog.String("session_id", s.id), slogError(err))
		}
	}
	m.log.Info("session closed", slog.String("session_id", s.id))
}

// HandleSpeakDone routes a synthesis completion to its session.
func (m *Manager) HandleSpeakDone(st protocol.TTSStatus) {
	s, err := m.Get(st.SessionID)
	if err != nil {
		m.log.Debug("speech completion for unknown session", slog.String("session_id", st.SessionID))
		return
	}
	s.actor.HandleSpeakDone(st)
}

// HandleTranscript routes a recognizer result to its session.
func (m *Manager) HandleTranscript(t protocol.Transcript) {
	s, err := m.Get(t.SessionID)
	if err != nil {
		m.log.Debug("transcript for unknown session", slog.String("session_id", t.SessionID))
		return
	}
	s.actor.HandleTranscript(t)
}

// HandleControl applies a UI control message. A CLICK for an unknown
// session opens it, which starts the flow.
func (m *Manager) HandleControl(ctx context.Context, msg protocol.ControlMessage) error {
	if dialogue.EventType(msg.Type) != dialogue.EventClick {
		return fmt.Errorf("unsupported control %q", msg.Type)
	}
	if msg.SessionID == "" {
		return errors.New("control message without session_id")
	}
	if _, err := m.Get(msg.SessionID); errors.Is(err, ErrNotFound) {
		_, err := m.Open(ctx, msg.SessionID)
		return err
	}
	return m.Click(ctx, msg.SessionID)
}

// Healthy reports whether the manager accepts sessions.
func (m *Manager) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.closed
}

// Close stops every session and bus subscription. Sessions are ended in the
// journal; their snapshots stay in the store.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Drain()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, s := range sessions {
		s.close()
		m.metrics.active.Add(ctx, -1)
		if m.journal != nil {
			if err := m.journal.EndSession(ctx, s.id); err != nil {
				m.log.Warn("failed to end journal session", slog.String("session_id", s.id), slogError(err))
			}
		}
	}
	m.cancel()
}
