package provider

import (
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/vidnote/internal/storage"
)

// Target names one endpoint of a primary/secondary pair.
type Target string

const (
	Primary   Target = storage.ProviderPrimary
	Secondary Target = storage.ProviderSecondary
)

var (
	// ErrProviderExhausted means every permitted attempt failed transiently,
	// or the secondary failed.
	ErrProviderExhausted = errors.New("provider exhausted")
	// ErrProviderFatal means the primary rejected the request outright
	// (bad request, bad credentials). Failing over would not help.
	ErrProviderFatal = errors.New("provider fatal")
)

// Endpoint is one OpenAI-compatible chat completions service.
type Endpoint struct {
	BaseURL string
	APIKey  string
	Model   string
}

// Config is one logical call type's endpoint pair. Secondary is optional.
type Config struct {
	Role      string
	Primary   Endpoint
	Secondary *Endpoint
}

// Payload is the role-specific input of one invocation.
type Payload struct {
	System      string
	User        string
	MediaURI    string // audio reference, transcription only
	Search      bool   // ask the provider to use its research capability
	Temperature float64
	MaxTokens   int
}

// Result is a successful invocation.
type Result struct {
	Provider Target
	Attempts int
	Output   string
	Latency  time.Duration
}

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// errMalformed marks a 2xx response without usable content.
var errMalformed = errors.New("malformed response")

type chatRequest struct {
	Model        string        `json:"model"`
	Messages     []chatMessage `json:"messages"`
	Temperature  float64       `json:"temperature,omitempty"`
	MaxTokens    int           `json:"max_tokens,omitempty"`
	EnableSearch bool          `json:"enable_search,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type       string      `json:"type"`
	Text       string      `json:"text,omitempty"`
	InputAudio *inputAudio `json:"input_audio,omitempty"`
}

type inputAudio struct {
	Data   string `json:"data"`
	Format string `json:"format"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}
