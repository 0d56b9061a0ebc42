package stt

import (
	"context"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

type mockRecognizer struct{}

// NewMockRecognizer returns a recognizer for text clients: frames carrying
// printable UTF-8 are treated as the transcript itself.
func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, audio Audio) (TranscriptResult, error) {
	if text, ok := printable(audio.PCM); ok {
		return TranscriptResult{Text: text, Confidence: 1}, nil
	}
	mode := "partial"
	if audio.Final {
		mode = "final"
	}
	return TranscriptResult{
		Text:       fmt.Sprintf("[%s transcript length=%d]", mode, len(audio.PCM)),
		Confidence: 0,
	}, nil
}

func printable(data []byte) (string, bool) {
	if len(data) == 0 || !utf8.Valid(data) {
		return "", false
	}
	text := string(data)
	for _, r := range text {
		if !unicode.IsPrint(r) && !unicode.IsSpace(r) {
			return "", false
		}
	}
	text = strings.TrimSpace(text)
	return text, text != ""
}
