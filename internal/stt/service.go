package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dialogue/internal/config"
	"github.com/loqalabs/loqa-dialogue/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Bus is the part of the bus client the service needs.
type Bus interface {
	Publish(subject string, v any) error
	Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error)
}

type Service struct {
	cfg        config.STTConfig
	bus        Bus
	recognizer Recognizer
	logger     *slog.Logger
	sessions   map[string]*sessionState
	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	subs       []*nats.Subscription
	wg         sync.WaitGroup
	ready      bool
}

type sessionState struct {
	Buffer       []byte
	Locale       string
	Turn         uint64
	LastPartial  time.Time
	Inflight     bool
	PendingFinal bool
}

func NewService(parent context.Context, cfg config.STTConfig, busClient Bus, recognizer Recognizer, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:        cfg,
		bus:        busClient,
		recognizer: recognizer,
		logger:     logger.With(slog.String("component", "stt")),
		sessions:   make(map[string]*sessionState),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	frames, err := s.bus.Subscribe(protocol.SubjectAudioFramePrefix+".>", s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.subs = append(s.subs, frames)
	listen, err := s.bus.Subscribe(protocol.SubjectListenRequest, s.handleListen)
	if err != nil {
		s.drain()
		return fmt.Errorf("subscribe listen requests: %w", err)
	}
	s.subs = append(s.subs, listen)
	s.ready = true
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.drain()
	s.wg.Wait()
}

func (s *Service) drain() {
	for _, sub := range s.subs {
		if sub != nil {
			_ = sub.Drain()
		}
	}
	s.subs = nil
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready
}

// handleListen starts a new turn: audio buffered before the prompt finished
// is discarded and results of earlier turns are dropped.
func (s *Service) handleListen(msg *nats.Msg) {
	var req protocol.ListenRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode listen request", slogError(err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.sessions[req.SessionID]
	if state == nil {
		state = &sessionState{}
		s.sessions[req.SessionID] = state
	}
	state.Buffer = nil
	state.PendingFinal = false
	state.LastPartial = time.Time{}
	state.Locale = req.Locale
	state.Turn++
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.logger.Warn("failed to decode audio frame", slogError(err))
		return
	}

	s.mu.Lock()
	state := s.sessions[frame.SessionID]
	if state == nil {
		state = &sessionState{}
		s.sessions[frame.SessionID] = state
	}
	state.Buffer = append(state.Buffer, frame.PCM...)
	s.mu.Unlock()

	if s.cfg.PublishInterim && !frame.Final {
		if s.shouldSchedulePartial(frame.SessionID) {
			s.scheduleTranscription(frame.SessionID, false)
		}
	}
	if frame.Final {
		s.scheduleTranscription(frame.SessionID, true)
	}
}

func (s *Service) shouldSchedulePartial(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.sessions[sessionID]
	if state == nil || state.Inflight {
		return false
	}
	if state.LastPartial.IsZero() {
		state.LastPartial = time.Now()
		return true
	}
	interval := time.Duration(s.cfg.PartialEveryMS) * time.Millisecond
	if interval <= 0 {
		return false
	}
	if time.Since(state.LastPartial) >= interval {
		state.LastPartial = time.Now()
		return true
	}
	return false
}

func (s *Service) scheduleTranscription(sessionID string, final bool) {
	s.mu.Lock()
	state := s.sessions[sessionID]
	if state == nil {
		s.mu.Unlock()
		return
	}
	if state.Inflight {
		if final {
			state.PendingFinal = true
		}
		s.mu.Unlock()
		return
	}
	in := Audio{
		PCM:        append([]byte(nil), state.Buffer...),
		SampleRate: s.cfg.SampleRate,
		Channels:   s.cfg.Channels,
		Locale:     state.Locale,
		Final:      final,
	}
	turn := state.Turn
	state.Inflight = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, 45*time.Second)
		defer cancel()

		result, err := s.recognizer.Transcribe(ctx, in)

		s.mu.Lock()
		state := s.sessions[sessionID]
		current := state != nil && state.Turn == turn
		var pendingFinal bool
		if state != nil {
			state.Inflight = false
			pendingFinal = state.PendingFinal
			state.PendingFinal = false
			if current {
				if final {
					state.Buffer = nil
					state.LastPartial = time.Time{}
				} else {
					state.LastPartial = time.Now()
				}
			}
		}
		s.mu.Unlock()

		switch {
		case err != nil:
			s.logger.Warn("stt transcription failed", slogError(err))
		case !current:
			s.logger.Debug("transcript from previous turn dropped", slog.String("session_id", sessionID))
		default:
			s.publishTranscript(sessionID, result.Text, result.Confidence, final)
		}

		// a final frame that arrived while this job ran belongs to the
		// current turn, which may be newer than this job's
		if pendingFinal && (!final || !current) {
			s.scheduleTranscription(sessionID, true)
		}
	}()
}

func (s *Service) publishTranscript(sessionID, text string, confidence float64, final bool) {
	if text == "" {
		return
	}
	subject := protocol.SubjectTranscriptPartial
	if final {
		subject = protocol.SubjectTranscriptFinal
	}
	msg := protocol.Transcript{
		SessionID:  sessionID,
		Text:       text,
		Partial:    !final,
		Timestamp:  time.Now().UTC(),
		Confidence: confidence,
	}
	if err := s.bus.Publish(subject, msg); err != nil {
		s.logger.Warn("failed to publish transcript", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
