package server

import (
	"context"
)

// Transcriber converts recorded audio into text with a confidence estimate.
// Speech recognition itself lives outside this process.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, language string) (text string, confidence float64, err error)
}

// Translator renders assistant replies in the session language. Errors
// degrade to the original text, never to a failed request.
type Translator interface {
	Translate(ctx context.Context, text, from, to string) (string, error)
}

// translateReply returns the reply in the target language when a translator
// is configured, falling back to the English original on any error.
func translateReply(ctx context.Context, tr Translator, reply, language string) string {
	if tr == nil || language == "" || language == "en" {
		return reply
	}
	out, err := tr.Translate(ctx, reply, "en", language)
	if err != nil || out == "" {
		return reply
	}
	return out
}
