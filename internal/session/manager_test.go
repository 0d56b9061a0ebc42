package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dialogue/internal/config"
	"github.com/loqalabs/loqa-dialogue/internal/dialogue"
	"github.com/loqalabs/loqa-dialogue/internal/eventstore"
	"github.com/loqalabs/loqa-dialogue/internal/protocol"
	"github.com/loqalabs/loqa-dialogue/internal/speech"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// world plays the speech backends: every TTS request completes at once and
// every listen request is answered with the next scripted reply. An empty
// reply lets the turn time out.
type world struct {
	mu        sync.Mutex
	m         *Manager
	replies   map[string][]string
	spoken    map[string][]string
	published []string
	created   []protocol.AppointmentCreated
}

func newWorld() *world {
	return &world{replies: make(map[string][]string), spoken: make(map[string][]string)}
}

func (w *world) script(sessionID string, replies ...string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.replies[sessionID] = append(w.replies[sessionID], replies...)
}

func (w *world) Publish(subject string, v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.published = append(w.published, subject)
	switch msg := v.(type) {
	case protocol.TTSRequest:
		w.spoken[msg.SessionID] = append(w.spoken[msg.SessionID], msg.Text)
		go w.m.HandleSpeakDone(protocol.TTSStatus{SessionID: msg.SessionID, TraceID: msg.TraceID, Completed: true})
	case protocol.ListenRequest:
		queue := w.replies[msg.SessionID]
		if len(queue) == 0 {
			return nil
		}
		reply := queue[0]
		w.replies[msg.SessionID] = queue[1:]
		if reply != "" {
			go w.m.HandleTranscript(protocol.Transcript{SessionID: msg.SessionID, Text: reply})
		}
	case protocol.AppointmentCreated:
		w.created = append(w.created, msg)
	}
	return nil
}

func (w *world) appointments() []protocol.AppointmentCreated {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]protocol.AppointmentCreated(nil), w.created...)
}

func (w *world) said(sessionID string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.spoken[sessionID]...)
}

type recordingJournal struct {
	mu          sync.Mutex
	opened      []string
	ended       []string
	transitions []eventstore.Transition
}

func (j *recordingJournal) OpenSession(_ context.Context, id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.opened = append(j.opened, id)
	return nil
}

func (j *recordingJournal) EndSession(_ context.Context, id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ended = append(j.ended, id)
	return nil
}

func (j *recordingJournal) AppendTransition(_ context.Context, tr eventstore.Transition) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.transitions = append(j.transitions, tr)
	return nil
}

func (j *recordingJournal) RecordAppointment(context.Context, eventstore.Appointment) error {
	return nil
}

func (j *recordingJournal) entered(state string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, tr := range j.transitions {
		if tr.To == state {
			n++
		}
	}
	return n
}

func (j *recordingJournal) hasEvent(event, to string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, tr := range j.transitions {
		if tr.Event == event && tr.To == to {
			return true
		}
	}
	return false
}

func newTestManager(t *testing.T, w *world, journal Journal, timeout time.Duration) *Manager {
	t.Helper()
	m, err := NewManager(context.Background(), Options{
		Speech: speech.Options{Locale: "en-US", Voice: "en-US-DavisNeural", NoInputTimeout: timeout},
	}, w, NewMemoryStore(), journal, newLogger())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	w.m = m
	t.Cleanup(m.Close)
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func stateOf(m *Manager, id string) string {
	u, err := m.Snapshot(context.Background(), id)
	if err != nil {
		return ""
	}
	return u.State
}

func TestWholeDayAppointmentOverBus(t *testing.T) {
	ctx := context.Background()
	es, err := eventstore.Open(ctx, config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "events.db"),
		RetentionMode: "persistent",
	}, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	w := newWorld()
	w.script("kiosk", "Vlad", "Monday.", "yes", "yes")
	m := newTestManager(t, w, es, time.Second)

	if _, err := m.Open(ctx, "kiosk"); err != nil {
		t.Fatalf("open: %v", err)
	}
	waitFor(t, "Done", func() bool { return stateOf(m, "kiosk") == "Done" })

	created := w.appointments()
	if len(created) != 1 {
		t.Fatalf("expected one appointment, got %d", len(created))
	}
	if created[0].Person != "Vladislav Maraev" || created[0].Day != "Monday" || !created[0].WholeDay || created[0].Time != "" {
		t.Fatalf("unexpected appointment %+v", created[0])
	}

	stored, err := es.ListAppointments(ctx, "kiosk", 10)
	if err != nil {
		t.Fatalf("list appointments: %v", err)
	}
	if len(stored) != 1 || stored[0].Person != "Vladislav Maraev" {
		t.Fatalf("appointment not journaled: %+v", stored)
	}
	transitions, err := es.ListTransitions(ctx, "kiosk", 100)
	if err != nil {
		t.Fatalf("list transitions: %v", err)
	}
	if len(transitions) == 0 || transitions[len(transitions)-1].To != "Done" {
		t.Fatalf("unexpected journal %+v", transitions)
	}
	if transitions[0].To != "Appointment.Prompt" {
		t.Fatalf("journal should start at Prompt, got %q", transitions[0].To)
	}

	said := w.said("kiosk")
	if said[0] != "Let's create an appointment." || said[len(said)-1] != "Your appointment has been created!" {
		t.Fatalf("unexpected prompts %q", said)
	}
}

func TestTimedAppointment(t *testing.T) {
	w := newWorld()
	w.script("s", "bora", "friday", "no", "at ten", "sure")
	m := newTestManager(t, w, nil, time.Second)

	if _, err := m.Open(context.Background(), "s"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "Done", func() bool { return stateOf(m, "s") == "Done" })

	created := w.appointments()
	if len(created) != 1 {
		t.Fatalf("expected one appointment, got %d", len(created))
	}
	if created[0].WholeDay || created[0].Time != "10:00" || created[0].Day != "Friday" {
		t.Fatalf("unexpected appointment %+v", created[0])
	}
}

func TestNoInputReprompts(t *testing.T) {
	w := newWorld()
	w.script("s", "", "vlad")
	j := &recordingJournal{}
	m := newTestManager(t, w, j, 20*time.Millisecond)

	if _, err := m.Open(context.Background(), "s"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "person identified", func() bool { return j.entered("Appointment.PersonIdentified") == 1 })
	if !j.hasEvent(string(dialogue.EventNoInput), "Appointment.NoInput") {
		t.Fatal("expected a journaled no-input transition")
	}

	said := w.said("s")
	found := false
	for _, text := range said {
		if text == "I can't hear you!" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected apology, got %q", said)
	}
}

func TestClickRestartsSession(t *testing.T) {
	w := newWorld()
	j := &recordingJournal{}
	m := newTestManager(t, w, j, time.Minute)
	ctx := context.Background()

	if _, err := m.Open(ctx, "s"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "AskPerson", func() bool { return stateOf(m, "s") == "Appointment.AskPerson" })

	if err := m.Click(ctx, "s"); err != nil {
		t.Fatalf("click: %v", err)
	}
	waitFor(t, "restart", func() bool { return j.hasEvent(string(dialogue.EventClick), "Appointment.Prompt") })
	waitFor(t, "AskPerson again", func() bool { return j.entered("Appointment.AskPerson") == 2 })

	u, err := m.Snapshot(ctx, "s")
	if err != nil {
		t.Fatal(err)
	}
	if u.View != "Listening..." {
		t.Fatalf("expected listening view, got %q", u.View)
	}
}

func TestOpenIsIdempotentAndCloseForgets(t *testing.T) {
	w := newWorld()
	j := &recordingJournal{}
	m := newTestManager(t, w, j, time.Minute)
	ctx := context.Background()

	first, err := m.Open(ctx, "s")
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.Open(ctx, "s")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatal("expected the live session to be reused")
	}
	if len(j.opened) != 1 {
		t.Fatalf("expected one journal open, got %v", j.opened)
	}

	if err := m.CloseSession(ctx, "s"); err != nil {
		t.Fatalf("close session: %v", err)
	}
	if _, err := m.Get("s"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := m.Snapshot(ctx, "s"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected snapshot forgotten, got %v", err)
	}
	if err := m.Click(ctx, "s"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := m.CloseSession(ctx, "s"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if len(j.ended) != 1 {
		t.Fatalf("expected journal end, got %v", j.ended)
	}
	if err := first.Send(ctx, dialogue.Event{Type: dialogue.EventClick}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestOpenGeneratesID(t *testing.T) {
	m := newTestManager(t, newWorld(), nil, time.Minute)
	s, err := m.Open(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if s.ID() == "" {
		t.Fatal("expected generated id")
	}
	if ids := m.Sessions(); len(ids) != 1 || ids[0] != s.ID() {
		t.Fatalf("unexpected sessions %v", ids)
	}
}

func TestSnapshotFallsBackToStore(t *testing.T) {
	w := newWorld()
	store := NewMemoryStore()
	m, err := NewManager(context.Background(), Options{}, w, store, nil, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	w.m = m
	t.Cleanup(m.Close)

	if err := store.Save(context.Background(), "earlier", sampleSnapshot()); err != nil {
		t.Fatal(err)
	}
	u, err := m.Snapshot(context.Background(), "earlier")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if u.SessionID != "earlier" || u.View != "Start" || u.State != sampleSnapshot().State {
		t.Fatalf("unexpected update %+v", u)
	}
}

func TestControlMessageOpensUnknownSession(t *testing.T) {
	w := newWorld()
	m := newTestManager(t, w, nil, time.Minute)

	m.handleControlMsg(&nats.Msg{Data: []byte(`{"session_id":"panel","type":"CLICK"}`)})
	if _, err := m.Get("panel"); err != nil {
		t.Fatalf("expected session opened by control message: %v", err)
	}
	waitFor(t, "AskPerson", func() bool { return stateOf(m, "panel") == "Appointment.AskPerson" })

	if err := m.HandleControl(context.Background(), protocol.ControlMessage{SessionID: "panel", Type: "RESET"}); err == nil {
		t.Fatal("expected unsupported control to fail")
	}
	// malformed payloads are dropped
	m.handleControlMsg(&nats.Msg{Data: []byte(`{`)})
	m.handleSpeakDoneMsg(&nats.Msg{Data: []byte(`nope`)})
}

func TestWatchReceivesUpdates(t *testing.T) {
	w := newWorld()
	w.script("s", "vlad")
	m := newTestManager(t, w, nil, time.Minute)

	var mu sync.Mutex
	var seen []Update
	s, err := m.Open(context.Background(), "s")
	if err != nil {
		t.Fatal(err)
	}
	cancel := s.Watch(func(u Update) {
		mu.Lock()
		seen = append(seen, u)
		mu.Unlock()
	})
	defer cancel()

	waitFor(t, "AskDay", func() bool { return stateOf(m, "s") == "Appointment.AskDay" })
	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 {
		t.Fatal("expected updates")
	}
	for i := 1; i < len(seen); i++ {
		if seen[i].Sequence <= seen[i-1].Sequence {
			t.Fatalf("updates out of order: %d then %d", seen[i-1].Sequence, seen[i].Sequence)
		}
		if seen[i].SessionID != "s" {
			t.Fatalf("unexpected session id %q", seen[i].SessionID)
		}
	}
}

func TestCloseSessionSendsFinalUpdateToWatchers(t *testing.T) {
	m := newTestManager(t, newWorld(), nil, time.Minute)
	ctx := context.Background()
	s, err := m.Open(ctx, "s")
	if err != nil {
		t.Fatal(err)
	}
	finals := make(chan Update, 2)
	s.Watch(func(u Update) {
		if u.Closed {
			finals <- u
		}
	})

	if err := m.CloseSession(ctx, "s"); err != nil {
		t.Fatal(err)
	}
	select {
	case u := <-finals:
		if u.SessionID != "s" {
			t.Fatalf("unexpected session id %q", u.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatal("watcher did not receive the final update")
	}

	late := make(chan Update, 1)
	s.Watch(func(u Update) { late <- u })
	select {
	case u := <-late:
		if !u.Closed {
			t.Fatalf("late watcher got %+v", u)
		}
	default:
		t.Fatal("late watcher should get the final update immediately")
	}
}

func TestCloseEndsJournalSessionsAndKeepsSnapshots(t *testing.T) {
	j := &recordingJournal{}
	m := newTestManager(t, newWorld(), j, time.Minute)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if _, err := m.Open(ctx, id); err != nil {
			t.Fatal(err)
		}
	}

	m.Close()

	j.mu.Lock()
	ended := append([]string(nil), j.ended...)
	j.mu.Unlock()
	sort.Strings(ended)
	if len(ended) != 2 || ended[0] != "a" || ended[1] != "b" {
		t.Fatalf("expected both sessions ended in the journal, got %v", ended)
	}
	if _, err := m.Snapshot(ctx, "a"); err != nil {
		t.Fatalf("expected snapshot kept after shutdown: %v", err)
	}
}

func TestClosedManagerRejectsOpen(t *testing.T) {
	m := newTestManager(t, newWorld(), nil, time.Minute)
	m.Close()
	if _, err := m.Open(context.Background(), "s"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if m.Healthy() {
		t.Fatal("closed manager must not report healthy")
	}
}
