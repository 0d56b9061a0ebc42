package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/loqalabs/loqa-dialogue/internal/dialogue"
	"github.com/loqalabs/loqa-dialogue/internal/protocol"
)

// ErrClosed is returned by Speak and Listen once the actor is closed.
var ErrClosed = errors.New("speech actor closed")

// Turn phases.
const (
	PhaseIdle      = "idle"
	PhaseSpeaking  = "speaking"
	PhaseListening = "listening"
)

const (
	eventSpeak  = "speak"
	eventListen = "listen"
	eventDone   = "done"
)

// Publisher sends JSON messages to the bus.
type Publisher interface {
	Publish(subject string, v any) error
}

// Options configure one session's speech turns.
type Options struct {
	SessionID       string
	Locale          string
	Voice           string
	Target          string
	NoInputTimeout  time.Duration
	CompleteTimeout time.Duration
}

// Actor turns dialogue actions into TTS and listen requests, and turns TTS
// completions, final transcripts and no-input timeouts back into dialogue
// events delivered through emit.
type Actor struct {
	pub  Publisher
	emit func(dialogue.Event)
	opts Options
	log  *slog.Logger

	mu        sync.Mutex
	phase     *fsm.FSM
	listenSeq uint64
	timer     *time.Timer
	speechID  string
	closed    bool
}

func NewActor(pub Publisher, emit func(dialogue.Event), opts Options, logger *slog.Logger) *Actor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.NoInputTimeout <= 0 {
		opts.NoInputTimeout = 5 * time.Second
	}
	return &Actor{
		pub:  pub,
		emit: emit,
		opts: opts,
		log:  logger.With(slog.String("component", "speech"), slog.String("session_id", opts.SessionID)),
		phase: fsm.NewFSM(
			PhaseIdle,
			fsm.Events{
				{Name: eventSpeak, Src: []string{PhaseIdle, PhaseSpeaking, PhaseListening}, Dst: PhaseSpeaking},
				{Name: eventListen, Src: []string{PhaseIdle, PhaseSpeaking}, Dst: PhaseListening},
				{Name: eventDone, Src: []string{PhaseSpeaking, PhaseListening}, Dst: PhaseIdle},
			},
			fsm.Callbacks{},
		),
	}
}

// Speak requests synthesis of utterance. Completion arrives through
// HandleSpeakDone. A new request supersedes any pending listen turn.
func (a *Actor) Speak(ctx context.Context, utterance string) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	a.stopTimerLocked()
	a.listenSeq++
	a.speechID = uuid.NewString()
	req := protocol.TTSRequest{
		SessionID: a.opts.SessionID,
		Text:      utterance,
		Voice:     a.opts.Voice,
		Locale:    a.opts.Locale,
		Target:    a.opts.Target,
		TraceID:   a.speechID,
	}
	a.fire(ctx, eventSpeak)
	a.mu.Unlock()

	a.log.Debug("speak", slog.String("utterance", utterance), slog.String("trace_id", req.TraceID))
	if err := a.pub.Publish(protocol.SubjectTTSRequest, req); err != nil {
		return fmt.Errorf("request speech: %w", err)
	}
	return nil
}

// Listen opens a recognition turn and arms the no-input timer.
func (a *Actor) Listen(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	a.stopTimerLocked()
	a.listenSeq++
	seq := a.listenSeq
	a.fire(ctx, eventListen)
	a.timer = time.AfterFunc(a.opts.NoInputTimeout, func() { a.noInput(seq) })
	a.mu.Unlock()

	req := protocol.ListenRequest{
		SessionID:         a.opts.SessionID,
		Locale:            a.opts.Locale,
		NoInputTimeoutMS:  int(a.opts.NoInputTimeout / time.Millisecond),
		CompleteTimeoutMS: int(a.opts.CompleteTimeout / time.Millisecond),
		Timestamp:         time.Now().UTC(),
	}
	if err := a.pub.Publish(protocol.SubjectListenRequest, req); err != nil {
		return fmt.Errorf("request listen: %w", err)
	}
	return nil
}

// HandleTranscript consumes a recognizer result. Partial transcripts and
// transcripts arriving outside a listen turn are ignored. It reports whether
// the transcript ended the turn.
func (a *Actor) HandleTranscript(t protocol.Transcript) bool {
	if t.Partial {
		return false
	}
	a.mu.Lock()
	if a.closed || a.phase.Current() != PhaseListening {
		a.mu.Unlock()
		a.log.Debug("transcript outside listen turn dropped", slog.String("text", t.Text))
		return false
	}
	a.stopTimerLocked()
	a.listenSeq++
	a.fire(context.Background(), eventDone)
	a.mu.Unlock()

	utterance := Normalize(t.Text)
	if utterance == "" {
		a.emit(dialogue.Event{Type: dialogue.EventNoInput})
	} else {
		confidence := t.Confidence
		if confidence == 0 {
			confidence = 1
		}
		a.emit(dialogue.Event{
			Type:       dialogue.EventRecognised,
			Hypotheses: []dialogue.Hypothesis{{Utterance: utterance, Confidence: confidence}},
		})
	}
	a.emit(dialogue.Event{Type: dialogue.EventListenComplete})
	return true
}

// HandleSpeakDone consumes a synthesis completion. Completions for requests
// superseded by a later Speak are ignored.
func (a *Actor) HandleSpeakDone(st protocol.TTSStatus) bool {
	a.mu.Lock()
	if a.closed || a.phase.Current() != PhaseSpeaking {
		a.mu.Unlock()
		return false
	}
	if st.TraceID != "" && st.TraceID != a.speechID {
		a.mu.Unlock()
		a.log.Debug("stale speech completion dropped", slog.String("trace_id", st.TraceID))
		return false
	}
	a.fire(context.Background(), eventDone)
	a.mu.Unlock()

	if st.Error != "" {
		a.log.Warn("speech synthesis failed", slog.String("error", st.Error))
	}
	a.emit(dialogue.Event{Type: dialogue.EventSpeakComplete})
	return true
}

// Phase returns the current turn phase.
func (a *Actor) Phase() string {
	return a.phase.Current()
}

// View returns a short label for the control button.
func (a *Actor) View() string {
	return ViewOf(a.Phase())
}

// ViewOf returns the control button label for a turn phase.
func ViewOf(phase string) string {
	switch phase {
	case PhaseSpeaking:
		return "Speaking..."
	case PhaseListening:
		return "Listening..."
	default:
		return "Start"
	}
}

// Close stops the no-input timer. Further Speak and Listen calls fail.
func (a *Actor) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.stopTimerLocked()
	a.listenSeq++
}

func (a *Actor) noInput(seq uint64) {
	a.mu.Lock()
	if a.closed || seq != a.listenSeq || a.phase.Current() != PhaseListening {
		a.mu.Unlock()
		return
	}
	a.timer = nil
	a.listenSeq++
	a.fire(context.Background(), eventDone)
	a.mu.Unlock()

	a.log.Debug("no input", slog.Duration("timeout", a.opts.NoInputTimeout))
	a.emit(dialogue.Event{Type: dialogue.EventNoInput})
	a.emit(dialogue.Event{Type: dialogue.EventListenComplete})
}

func (a *Actor) stopTimerLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *Actor) fire(ctx context.Context, event string) {
	err := a.phase.Event(ctx, event)
	if err == nil {
		return
	}
	var same fsm.NoTransitionError
	if errors.As(err, &same) {
		return
	}
	a.log.Debug("phase change rejected",
		slog.String("event", event),
		slog.String("phase", a.phase.Current()),
		slog.String("error", err.Error()))
}

// Normalize trims a recognizer transcript down to the utterance matched
// against the grammar.
func Normalize(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimRight(text, ".,!?")
	return strings.TrimSpace(text)
}
