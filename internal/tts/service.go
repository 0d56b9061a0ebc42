package tts

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
	cfg    config.TTSConfig
	bus    Bus
	synth  Synthesizer
	sub    *nats.Subscription
	ready  bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewService(parent context.Context, cfg config.TTSConfig, busClient Bus, synth Synthesizer, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		synth:  synth,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(slog.String("component", "tts-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Subscribe(protocol.SubjectTTSRequest, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe tts requests: %w", err)
	}
	s.sub = sub
	s.ready = true
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || s.ready }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.TTSRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode tts request", slogError(err))
		return
	}
	voice := req.Voice
	if voice == "" {
		voice = s.cfg.Voice
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(s.ctx, 45*time.Second)
		defer cancel()

		chunks, errs := s.synth.Synthesize(ctx, SynthRequest{
			SessionID: req.SessionID,
			Text:      req.Text,
			Voice:     voice,
			Locale:    req.Locale,
		})
		var failure error
		sequence := 0
		for chunks != nil || errs != nil {
			select {
			case chunk, ok := <-chunks:
				if !ok {
					chunks = nil
					continue
				}
				chunk.Sequence = sequence
				sequence++
				s.publishChunk(req, chunk)
			case err, ok := <-errs:
				if ok && err != nil {
					s.logger.Warn("tts synthesis error", slog.String("session_id", req.SessionID), slogError(err))
					failure = err
				}
				if !ok {
					errs = nil
				}
			case <-ctx.Done():
				s.logger.Warn("tts synthesis cancelled", slogError(ctx.Err()))
				failure = ctx.Err()
				chunks, errs = nil, nil
			}
		}
		s.publishDone(req, failure)
	}()
}

func (s *Service) publishChunk(req protocol.TTSRequest, chunk SynthChunk) {
	packet := protocol.AudioChunk{
		SessionID:  req.SessionID,
		Target:     req.Target,
		SampleRate: chunk.SampleRate,
		Channels:   chunk.Channels,
		Sequence:   chunk.Sequence,
		PCM:        chunk.PCM,
		Final:      chunk.Final,
	}
	if err := s.bus.Publish(protocol.SubjectTTSAudio, packet); err != nil {
		s.logger.Warn("failed to publish tts chunk", slogError(err))
	}
}

// publishDone ends every request exactly once, failed or not, so the
// speaking turn always completes.
func (s *Service) publishDone(req protocol.TTSRequest, failure error) {
	status := protocol.TTSStatus{
		SessionID: req.SessionID,
		Target:    req.Target,
		TraceID:   req.TraceID,
		Completed: failure == nil,
		Timestamp: time.Now().UTC(),
	}
	if failure != nil {
		status.Error = failure.Error()
	}
	if err := s.bus.Publish(protocol.SubjectTTSDone, status); err != nil {
		s.logger.Warn("failed to publish tts status", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
