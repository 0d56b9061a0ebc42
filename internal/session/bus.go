package session

import (
	"encoding/json"
	"fmt"

	"github.com/loqalabs/loqa-dialogue/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Subscriber registers bus handlers.
type Subscriber interface {
	Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error)
}

// Subscribe binds the manager to speech completions, final transcripts and
// control messages.
func (m *Manager) Subscribe(bus Subscriber) error {
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectTTSDone:         m.handleSpeakDoneMsg,
		protocol.SubjectTranscriptFinal: m.handleTranscriptMsg,
		protocol.SubjectDialogueControl: m.handleControlMsg,
	}
	var subs []*nats.Subscription
	for subject, handler := range handlers {
		sub, err := bus.Subscribe(subject, handler)
		if err != nil {
			for _, s := range subs {
				_ = s.Drain()
			}
			return fmt.Errorf("session manager: %w", err)
		}
		subs = append(subs, sub)
	}
	m.mu.Lock()
	m.subs = append(m.subs, subs...)
	m.mu.Unlock()
	return nil
}

func (m *Manager) handleSpeakDoneMsg(msg *nats.Msg) {
	var st protocol.TTSStatus
	if err := json.Unmarshal(msg.Data, &st); err != nil {
		m.log.Warn("failed to decode tts status", slogError(err))
		return
	}
	m.HandleSpeakDone(st)
}

func (m *Manager) handleTranscriptMsg(msg *nats.Msg) {
	var t protocol.Transcript
	if err := json.Unmarshal(msg.Data, &t); err != nil {
		m.log.Warn("failed to decode transcript", slogError(err))
		return
	}
	m.HandleTranscript(t)
}

func (m *Manager) handleControlMsg(msg *nats.Msg) {
	var ctrl protocol.ControlMessage
	if err := json.Unmarshal(msg.Data, &ctrl); err != nil {
		m.log.Warn("failed to decode control message", slogError(err))
		return
	}
	if err := m.HandleControl(m.ctx, ctrl); err != nil {
		m.log.Warn("control message rejected", slogError(err))
	}
}
