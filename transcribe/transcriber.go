// Package transcribe provides speech-to-text backends. Each call turns one
// audio file into plain text and is expected to be slow.
package transcribe

import (
	"context"
	"fmt"

	"longaudio/config"
)

// Transcriber converts one audio file to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
}

// New selects a backend by cfg.Transcriber ("command" or "openai").
func New(cfg *config.Config) (Transcriber, error) {
	switch cfg.Transcriber {
	case "", "command":
		return NewCommandTranscriber(cfg.TranscribeCmd, cfg.TranscribeTimeout)
	case "openai":
		if cfg.OpenAIKey == "" {
			return nil, fmt.Errorf("OPENAI_KEY is required for the openai transcriber")
		}
		return NewOpenAITranscriber(cfg.OpenAIURL, cfg.OpenAIKey, cfg.OpenAIModel, cfg.TranscribeLanguage, cfg.TranscribeTimeout), nil
	default:
		return nil, fmt.Errorf("unknown transcriber %q", cfg.Transcriber)
	}
}
