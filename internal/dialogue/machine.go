package dialogue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dialogue/internal/grammar"
)

// ErrNotStarted is returned by Send before Start has been called.
var ErrNotStarted = errors.New("dialogue machine not started")

// Actor performs the speech side effects requested by transitions. Both
// calls must return without waiting for the speech to finish; completion
// arrives later as SPEAK_COMPLETE / LISTEN_COMPLETE events.
type Actor interface {
	Speak(ctx context.Context, utterance string) error
	Listen(ctx context.Context) error
}

// Snapshot describes the machine after one processed event.
type Snapshot struct {
	Sequence     uint64    `json:"sequence"`
	State        string    `json:"state"`
	From         string    `json:"from,omitempty"`
	Event        EventType `json:"event,omitempty"`
	Transitioned bool      `json:"transitioned"`
	Context      Context   `json:"context"`
	Actions      []Action  `json:"actions,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Machine is one running dialogue instance. Events are processed to
// completion one at a time; callers that feed it from several goroutines
// should serialise through a single inbox to keep arrival order.
type Machine struct {
	grammar *grammar.Table
	actor   Actor
	log     *slog.Logger
	clock   func() time.Time

	mu      sync.Mutex
	state   State
	data    Context
	started bool
	seq     uint64

	obsMu     sync.RWMutex
	observers map[int]func(Snapshot)
	nextObs   int
}

func NewMachine(g *grammar.Table, actor Actor, logger *slog.Logger) *Machine {
	if g == nil {
		g = grammar.Default()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Machine{
		grammar:   g,
		actor:     actor,
		log:       logger.With(slog.String("component", "dialogue")),
		clock:     time.Now,
		state:     StateDone,
		observers: make(map[int]func(Snapshot)),
	}
}

// Start enters Appointment.Prompt. Calling Start again restarts the flow.
func (m *Machine) Start(ctx context.Context) (Snapshot, error) {
	m.mu.Lock()
	from := m.state
	res := Start()
	m.started = true
	snap := m.apply(from, Event{}, res)
	m.mu.Unlock()

	m.notify(snap)
	return snap, m.dispatch(ctx, res.Actions)
}

// Send processes one event. Events no state handles are ignored and produce
// no snapshot notification.
func (m *Machine) Send(ctx context.Context, ev Event) (Snapshot, error) {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return Snapshot{}, ErrNotStarted
	}
	from := m.state
	res := Step(m.grammar, from, m.data, ev)
	if !res.Handled {
		snap := m.snapshotLocked()
		m.mu.Unlock()
		m.log.Debug("event ignored", slog.String("state", from.String()), slog.String("event", string(ev.Type)))
		return snap, nil
	}
	snap := m.apply(from, ev, res)
	m.mu.Unlock()

	if res.Transitioned {
		m.log.Debug("transition",
			slog.String("from", from.String()),
			slog.String("to", res.State.String()),
			slog.String("event", string(ev.Type)))
	}
	m.notify(snap)
	return snap, m.dispatch(ctx, res.Actions)
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Context returns a copy of the current context.
func (m *Machine) Context() Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.Clone()
}

// Snapshot returns the current snapshot without processing anything.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Subscribe registers fn to receive a snapshot after every handled event.
// The returned func removes the subscription.
func (m *Machine) Subscribe(fn func(Snapshot)) func() {
	m.obsMu.Lock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	m.obsMu.Unlock()
	return func() {
		m.obsMu.Lock()
		delete(m.observers, id)
		m.obsMu.Unlock()
	}
}

func (m *Machine) apply(from State, ev Event, res Result) Snapshot {
	m.state = res.State
	m.data = res.Context
	m.seq++
	snap := m.snapshotLocked()
	snap.From = from.String()
	snap.Event = ev.Type
	snap.Transitioned = res.Transitioned
	snap.Actions = append([]Action(nil), res.Actions...)
	return snap
}

func (m *Machine) snapshotLocked() Snapshot {
	return Snapshot{
		Sequence:  m.seq,
		State:     m.state.String(),
		Context:   m.data.Clone(),
		Timestamp: m.clock().UTC(),
	}
}

func (m *Machine) notify(snap Snapshot) {
	m.obsMu.RLock()
	fns := make([]func(Snapshot), 0, len(m.observers))
	for _, fn := range m.observers {
		fns = append(fns, fn)
	}
	m.obsMu.RUnlock()
	for _, fn := range fns {
		fn(snap)
	}
}

func (m *Machine) dispatch(ctx context.Context, actions []Action) error {
	if m.actor == nil {
		return nil
	}
	var errs []error
	for _, a := range actions {
		var err error
		switch a.Type {
		case ActionSpeak:
			err = m.actor.Speak(ctx, a.Utterance)
		case ActionListen:
			err = m.actor.Listen(ctx)
		default:
			err = fmt.Errorf("unknown action %q", a.Type)
		}
		if err != nil {
			m.log.Warn("speech action failed", slog.String("action", string(a.Type)), slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("%s: %w", a.Type, err))
		}
	}
	return errors.Join(errs...)
}
