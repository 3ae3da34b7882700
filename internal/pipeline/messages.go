package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/vidnote/internal/media"
	"github.com/kalambet/vidnote/internal/provider"
	"github.com/kalambet/vidnote/internal/storage"
)

const (
	msgParseFailed      = "Could not read this link. It may be invalid or expired."
	msgProviderFailed   = "Processing failed: the AI service is unavailable right now. Please try again later."
	msgProviderRejected = "Processing failed: the AI service rejected the request. The operator has been alerted."
	msgPersistFailed    = "The note was generated but could not be saved. It has been kept for recovery."
	msgInternal         = "Processing failed due to an internal error."
)

var progressMessages = map[Stage]string{
	StageTranscribe: "[1/3] Transcribing and drafting...",
	StageCritique:   "[2/3] Fact-checking and researching...",
	StageSynthesize: "[3/3] Writing the final note...",
}

func ackMessage(info media.Info, code string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Video: %s\n", info.Title)
	if info.Author != "" {
		fmt.Fprintf(&b, "Author: %s\n", info.Author)
	}
	fmt.Fprintf(&b, "Code: %s\n", code)
	b.WriteString("Processing...")
	return b.String()
}

func similarNoteMessage(prior storage.Note) string {
	return fmt.Sprintf("A note for this video already exists (code %s, %s). A new note is being made alongside it.",
		prior.Code, prior.CreatedAt.Format("2006-01-02"))
}

// failureMessage maps an error to the single text users see for its category.
// Error details never reach the chat.
func failureMessage(err error) string {
	switch {
	case errors.Is(err, ErrParse):
		return msgParseFailed
	case errors.Is(err, provider.ErrProviderFatal):
		return msgProviderRejected
	case errors.Is(err, provider.ErrProviderExhausted):
		return msgProviderFailed
	case errors.Is(err, ErrPersistence):
		return msgPersistFailed
	default:
		return msgInternal
	}
}
