package stt

import (
	"context"
)

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Audio is one buffered utterance handed to a recognizer.
type Audio struct {
	PCM        []byte
	SampleRate int
	Channels   int
	Locale     string
	Final      bool
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Transcribe(ctx context.Context, audio Audio) (TranscriptResult, error)
}
