package tts

import (
	"context"
	"strings"
	"time"
)

type mockSynth struct {
	sampleRate int
	channels   int
	perWord    time.Duration
}

// NewMockSynth returns a synthesizer that produces silence, pacing its
// single chunk by the number of words spoken.
func NewMockSynth(sampleRate, channels int, perWord time.Duration) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels, perWord: perWord}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		words := len(strings.Fields(req.Text))
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case <-time.After(time.Duration(words) * m.perWord):
		}
		chunks <- SynthChunk{
			SessionID:  req.SessionID,
			Sequence:   0,
			SampleRate: m.sampleRate,
			Channels:   m.channels,
			PCM:        []byte{},
			Final:      true,
		}
	}()
	return chunks, errs
}
