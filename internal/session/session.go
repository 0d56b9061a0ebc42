package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dialogue/internal/dialogue"
	"github.com/loqalabs/loqa-dialogue/internal/eventstore"
	"github.com/loqalabs/loqa-dialogue/internal/protocol"
	"github.com/loqalabs/loqa-dialogue/internal/speech"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Update is a snapshot as seen by clients: the dialogue state plus the
// control button label. Closed marks the last update of a session.
type Update struct {
	SessionID string `json:"session_id"`
	View      string `json:"view"`
	Closed    bool   `json:"closed,omitempty"`
	dialogue.Snapshot
}

// Session owns one dialogue machine and its speech actor. All machine calls
// happen on the session goroutine, which drains the inbox in arrival order.
type Session struct {
	id      string
	mgr     *Manager
	machine *dialogue.Machine
	actor   *speech.Actor
	log     *slog.Logger

	inbox  chan dialogue.Event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	pending []dialogue.Snapshot
	unsub   func()

	wmu      sync.RWMutex
	watchers map[int]func(Update)
	nextW    int
	last     Update
}

func newSession(parent context.Context, id string, m *Manager) *Session {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		id:       id,
		mgr:      m,
		log:      m.log.With(slog.String("session_id", id)),
		inbox:    make(chan dialogue.Event, m.opts.InboxSize),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		watchers: make(map[int]func(Update)),
	}
	opts := m.opts.Speech
	opts.SessionID = id
	s.actor = speech.NewActor(m.pub, s.emit, opts, m.log)
	s.machine = dialogue.NewMachine(m.opts.Grammar, s.actor, m.log.With(slog.String("session_id", id)))
	s.unsub = s.machine.Subscribe(func(snap dialogue.Snapshot) {
		s.pending = append(s.pending, snap)
	})
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Send queues an event for the session goroutine.
func (s *Session) Send(ctx context.Context, ev dialogue.Event) error {
	select {
	case <-s.ctx.Done():
		return ErrClosed
	default:
	}
	select {
	case s.inbox <- ev:
		return nil
	case <-s.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Current returns the latest update.
func (s *Session) Current() Update {
	s.wmu.RLock()
	defer s.wmu.RUnlock()
	return s.last
}

// Watch registers fn for every update. fn runs on the session goroutine and
// must not block. Watching a closed session delivers its final update at once.
func (s *Session) Watch(fn func(Update)) func() {
	s.wmu.Lock()
	if s.last.Closed {
		final := s.last
		s.wmu.Unlock()
		fn(final)
		return func() {}
	}
	id := s.nextW
	s.nextW++
	s.watchers[id] = fn
	s.wmu.Unlock()
	return func() {
		s.wmu.Lock()
		delete(s.watchers, id)
		s.wmu.Unlock()
	}
}

func (s *Session) emit(ev dialogue.Event) {
	if err := s.Send(s.ctx, ev); err != nil {
		s.log.Debug("event dropped", slog.String("event", string(ev.Type)), slogError(err))
	}
}

// start enters the flow synchronously and then hands the machine to the
// session goroutine.
func (s *Session) start() {
	s.process(dialogue.Event{}, func(ctx context.Context) error {
		_, err := s.machine.Start(ctx)
		return err
	})
	go s.run()
}

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.inbox:
			s.process(ev, func(ctx context.Context) error {
				_, err := s.machine.Send(ctx, ev)
				return err
			})
		}
	}
}

func (s *Session) process(ev dialogue.Event, step func(context.Context) error) {
	name := string(ev.Type)
	if name == "" {
		name = "START"
	}
	ctx, span := s.mgr.tracer.Start(s.ctx, "dialogue.event", trace.WithAttributes(
		attribute.String("session_id", s.id),
		attribute.String("event", name),
	))
	defer span.End()

	s.mgr.metrics.events.Add(ctx, 1, metric.WithAttributes(attribute.String("event", name)))
	if err := step(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.log.Warn("dialogue step failed", slog.String("event", name), slogError(err))
	}

	pending := s.pending
	s.pending = nil
	for _, snap := range pending {
		span.SetAttributes(attribute.String("state", snap.State))
		s.publish(ctx, snap)
	}
}

func (s *Session) publish(ctx context.Context, snap dialogue.Snapshot) {
	m := s.mgr
	update := Update{SessionID: s.id, View: s.actor.View(), Snapshot: snap}

	if snap.Transitioned {
		m.metrics.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", snap.State)))
	}
	if snap.Event == dialogue.EventNoInput {
		m.metrics.noInput.Add(ctx, 1)
	}

	if err := m.pub.Publish(protocol.DialogueStateSubject(s.id), update); err != nil {
		s.log.Warn("failed to publish dialogue state", slogError(err))
	}

	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.store.Save(storeCtx, s.id, snap); err != nil {
		s.log.Warn("failed to save snapshot", slogError(err))
	}
	if m.journal != nil {
		payload, err := json.Marshal(snap.Context)
		if err != nil {
			s.log.Warn("failed to encode transition payload", slogError(err))
		}
		err = m.journal.AppendTransition(storeCtx, eventstore.Transition{
			SessionID: s.id,
			Sequence:  snap.Sequence,
			Event:     string(snap.Event),
			From:      snap.From,
			To:        snap.State,
			Payload:   payload,
			CreatedAt: snap.Timestamp,
		})
		if err != nil {
			s.log.Warn("failed to journal transition", slogError(err))
		}
	}

	if snap.Transitioned && snap.State == dialogue.StateAppointmentDone.String() {
		s.appointmentCreated(storeCtx, snap)
	}

	s.wmu.Lock()
	s.last = update
	fns := make([]func(Update), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.wmu.Unlock()
	for _, fn := range fns {
		fn(update)
	}
}

func (s *Session) appointmentCreated(ctx context.Context, snap dialogue.Snapshot) {
	m := s.mgr
	d := snap.Context.Details
	msg := protocol.AppointmentCreated{
		SessionID: s.id,
		Person:    d.Person,
		Day:       d.Day,
		WholeDay:  d.IsWholeDay(),
		Time:      d.Time,
		Timestamp: snap.Timestamp,
	}
	m.metrics.appointments.Add(ctx, 1)
	s.log.Info("appointment created",
		slog.String("person", msg.Person),
		slog.String("day", msg.Day),
		slog.Bool("whole_day", msg.WholeDay),
		slog.String("time", msg.Time))

	if m.journal != nil {
		err := m.journal.RecordAppointment(ctx, eventstore.Appointment{
			SessionID: s.id,
			Person:    msg.Person,
			Day:       msg.Day,
			WholeDay:  msg.WholeDay,
			Time:      msg.Time,
			CreatedAt: msg.Timestamp,
		})
		if err != nil {
			s.log.Warn("failed to record appointment", slogError(err))
		}
	}
	if err := m.pub.Publish(protocol.SubjectAppointmentCreated, msg); err != nil {
		s.log.Warn("failed to publish appointment", slogError(err))
	}
}

// close stops the session goroutine and hands every watcher a final update
// with Closed set. Watchers are dropped afterwards.
func (s *Session) close() {
	s.cancel()
	s.actor.Close()
	<-s.done
	s.unsub()

	s.wmu.Lock()
	final := s.last
	final.Closed = true
	s.last = final
	fns := make([]func(Update), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.watchers = make(map[int]func(Update))
	s.wmu.Unlock()
	for _, fn := range fns {
		fn(final)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
