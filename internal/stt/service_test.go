package stt

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dialogue/internal/config"
	"github.com/loqalabs/loqa-dialogue/internal/protocol"
	"github.com/nats-io/nats.go"
)

type publishedMsg struct {
	subject string
	payload any
}

type fakeBus struct {
	out      chan publishedMsg
	mu       sync.Mutex
	subjects []string
}

func newFakeBus() *fakeBus {
	return &fakeBus{out: make(chan publishedMsg, 16)}
}

func (b *fakeBus) Publish(subject string, v any) error {
	b.out <- publishedMsg{subject: subject, payload: v}
	return nil
}

func (b *fakeBus) Subscribe(subject string, _ nats.MsgHandler) (*nats.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subjects = append(b.subjects, subject)
	return nil, nil
}

func (b *fakeBus) next(t *testing.T) publishedMsg {
	t.Helper()
	select {
	case m := <-b.out:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for publish")
		return publishedMsg{}
	}
}

type blockingRecognizer struct {
	release chan struct{}
	text    string
}

func (r *blockingRecognizer) Transcribe(ctx context.Context, _ Audio) (TranscriptResult, error) {
	select {
	case <-r.release:
	case <-ctx.Done():
		return TranscriptResult{}, ctx.Err()
	}
	return TranscriptResult{Text: r.text, Confidence: 0.5}, nil
}

// firstCallBlocks holds its first transcription until release is closed and
// echoes the audio as text.
type firstCallBlocks struct {
	release chan struct{}
	mu      sync.Mutex
	calls   int
}

func (r *firstCallBlocks) Transcribe(ctx context.Context, in Audio) (TranscriptResult, error) {
	r.mu.Lock()
	r.calls++
	first := r.calls == 1
	r.mu.Unlock()
	if first {
		select {
		case <-r.release:
		case <-ctx.Done():
			return TranscriptResult{}, ctx.Err()
		}
	}
	return TranscriptResult{Text: string(in.PCM), Confidence: 1}, nil
}

func newTestService(t *testing.T, rec Recognizer) (*Service, *fakeBus) {
	t.Helper()
	b := newFakeBus()
	cfg := config.STTConfig{Enabled: true, Mode: "mock", SampleRate: 16000, Channels: 1}
	s := NewService(context.Background(), cfg, b, rec, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(s.Close)
	return s, b
}

func msgOf(t *testing.T, v any) *nats.Msg {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return &nats.Msg{Data: data}
}

func TestServiceSubscribes(t *testing.T) {
	s, b := newTestService(t, NewMockRecognizer())
	if !s.Healthy() {
		t.Fatal("expected healthy service")
	}
	if len(b.subjects) != 2 || b.subjects[0] != "audio.frame.>" || b.subjects[1] != protocol.SubjectListenRequest {
		t.Fatalf("unexpected subscriptions %v", b.subjects)
	}
}

func TestFinalFramePublishesTranscript(t *testing.T) {
	s, b := newTestService(t, NewMockRecognizer())

	s.handleListen(msgOf(t, protocol.ListenRequest{SessionID: "s1", Locale: "en-US"}))
	s.handleFrame(msgOf(t, protocol.AudioFrame{SessionID: "s1", PCM: []byte("next ")}))
	s.handleFrame(msgOf(t, protocol.AudioFrame{SessionID: "s1", PCM: []byte("monday"), Final: true}))

	m := b.next(t)
	tr, ok := m.payload.(protocol.Transcript)
	if m.subject != protocol.SubjectTranscriptFinal || !ok {
		t.Fatalf("unexpected publish %+v", m)
	}
	if tr.Text != "next monday" || tr.Partial || tr.SessionID != "s1" {
		t.Fatalf("unexpected transcript %+v", tr)
	}
}

func TestListenRequestDiscardsEarlierAudio(t *testing.T) {
	s, b := newTestService(t, NewMockRecognizer())

	s.handleFrame(msgOf(t, protocol.AudioFrame{SessionID: "s1", PCM: []byte("echo of the prompt ")}))
	s.handleListen(msgOf(t, protocol.ListenRequest{SessionID: "s1"}))
	s.handleFrame(msgOf(t, protocol.AudioFrame{SessionID: "s1", PCM: []byte("yes"), Final: true}))

	tr := b.next(t).payload.(protocol.Transcript)
	if tr.Text != "yes" {
		t.Fatalf("expected buffered audio discarded, got %q", tr.Text)
	}
}

func TestResultFromPreviousTurnDropped(t *testing.T) {
	rec := &blockingRecognizer{release: make(chan struct{}), text: "monday"}
	s, b := newTestService(t, rec)

	s.handleListen(msgOf(t, protocol.ListenRequest{SessionID: "s1"}))
	s.handleFrame(msgOf(t, protocol.AudioFrame{SessionID: "s1", PCM: []byte{1, 0}, Final: true}))
	// a new turn opens while the first result is still being computed
	s.handleListen(msgOf(t, protocol.ListenRequest{SessionID: "s1"}))
	close(rec.release)

	select {
	case m := <-b.out:
		t.Fatalf("stale transcript published: %+v", m)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFinalOfNewTurnTranscribedAfterStaleJob(t *testing.T) {
	rec := &firstCallBlocks{release: make(chan struct{})}
	s, b := newTestService(t, rec)

	s.handleListen(msgOf(t, protocol.ListenRequest{SessionID: "s1"}))
	s.handleFrame(msgOf(t, protocol.AudioFrame{SessionID: "s1", PCM: []byte("monday"), Final: true}))
	s.handleListen(msgOf(t, protocol.ListenRequest{SessionID: "s1"}))
	s.handleFrame(msgOf(t, protocol.AudioFrame{SessionID: "s1", PCM: []byte("yes"), Final: true}))
	close(rec.release)

	m := b.next(t)
	tr, ok := m.payload.(protocol.Transcript)
	if m.subject != protocol.SubjectTranscriptFinal || !ok {
		t.Fatalf("unexpected publish %+v", m)
	}
	if tr.Text != "yes" {
		t.Fatalf("expected transcript of the current turn, got %q", tr.Text)
	}
	select {
	case extra := <-b.out:
		t.Fatalf("unexpected extra publish %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMockRecognizerPlaceholderForPCM(t *testing.T) {
	rec := NewMockRecognizer()
	res, err := rec.Transcribe(context.Background(), Audio{PCM: []byte{0, 0, 12, 200}, Final: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "[final transcript length=4]" {
		t.Fatalf("unexpected placeholder %q", res.Text)
	}
	res, err = rec.Transcribe(context.Background(), Audio{PCM: []byte("  at ten  ")})
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "at ten" || res.Confidence != 1 {
		t.Fatalf("unexpected text result %+v", res)
	}
}

func TestExecRecognizerRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecRecognizer(config.STTConfig{Command: "  "}, config.SpeechConfig{}); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestSpeechEnv(t *testing.T) {
	env := speechEnv(config.SpeechConfig{Region: "westeurope", Key: "k"})
	if len(env) != 2 || env[0] != "SPEECH_REGION=westeurope" || env[1] != "SPEECH_KEY=k" {
		t.Fatalf("unexpected env %v", env)
	}
}
