// Package provider calls OpenAI-compatible chat endpoints for one pipeline
// stage, retrying the primary and failing over to an optional secondary.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultTimeout     = 240 * time.Second
	initialBackoff     = 500 * time.Millisecond
	maxErrorBodyLength = 512
)

// Client is safe for concurrent use; it keeps no state between invocations.
type Client struct {
	cfg        Config
	httpClient *http.Client
	backoff    time.Duration
	logger     *slog.Logger
	tracer     trace.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBackoff sets the wait before the first primary retry. Later retries
// double it.
func WithBackoff(d time.Duration) Option {
	return func(c *Client) { c.backoff = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client for one endpoint pair.
func NewClient(cfg Config, opts ...Option) *Client {
	cfg.Primary.BaseURL = strings.TrimRight(cfg.Primary.BaseURL, "/")
	if cfg.Secondary != nil {
		sec := *cfg.Secondary
		sec.BaseURL = strings.TrimRight(sec.BaseURL, "/")
		cfg.Secondary = &sec
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		backoff:    initialBackoff,
		logger:     slog.Default(),
		tracer:     otel.Tracer("github.com/kalambet/vidnote/internal/provider"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("role", cfg.Role)
	return c
}

// Invoke runs one logical call. Each HTTP attempt is bounded by timeout
// (defaultTimeout when <= 0). Transient failures never escape: the caller sees
// a Result, ErrProviderExhausted or ErrProviderFatal.
func (c *Client) Invoke(ctx context.Context, p Payload, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	start := time.Now()
	fo := newFailover(c.cfg.Secondary != nil)

	for {
		target, ok := fo.next()
		if !ok {
			break
		}

		if fo.retryingPrimary() {
			wait := time.Duration(float64(c.backoff) * math.Pow(2, float64(fo.primaryAttempts-2)))
			select {
			case <-ctx.Done():
				return Result{}, fmt.Errorf("%w: %v", ErrProviderExhausted, ctx.Err())
			case <-time.After(wait):
			}
		}

		ep := c.cfg.Primary
		if target == Secondary {
			ep = *c.cfg.Secondary
		}

		out, err := c.attempt(ctx, target, fo.attempts, ep, p, timeout)
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrProviderExhausted, ctx.Err())
		}

		o := classify(err)
		fo.record(o, err)
		if o == outcomeSuccess {
			return Result{
				Provider: target,
				Attempts: fo.attempts,
				Output:   out,
				Latency:  time.Since(start),
			}, nil
		}
		c.logger.Warn("provider attempt failed",
			"target", target, "attempt", fo.attempts, "retryable", o == outcomeRetryable, "error", err)
	}

	return Result{}, fo.err()
}

func (c *Client) attempt(ctx context.Context, target Target, n int, ep Endpoint, p Payload, timeout time.Duration) (string, error) {
	ctx, span := c.tracer.Start(ctx, "provider.attempt", trace.WithAttributes(
		attribute.String("provider.role", c.cfg.Role),
		attribute.String("provider.target", string(target)),
		attribute.Int("provider.attempt", n),
		attribute.String("provider.model", ep.Model),
	))
	defer span.End()

	out, err := c.call(ctx, ep, p, timeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

func (c *Client) call(ctx context.Context, ep Endpoint, p Payload, timeout time.Duration) (string, error) {
	body, err := json.Marshal(buildRequest(ep.Model, p))
	if err != nil {
		return "", fmt.Errorf("%w: marshaling request: %v", errMalformed, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, ep.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: creating request: %v", errMalformed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+ep.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLength))
		return "", &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		if reqCtx.Err() != nil {
			return "", fmt.Errorf("reading response: %w", reqCtx.Err())
		}
		return "", fmt.Errorf("%w: decoding: %v", errMalformed, err)
	}
	if len(cr.Choices) == 0 || strings.TrimSpace(cr.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("%w: no content", errMalformed)
	}
	return cr.Choices[0].Message.Content, nil
}

func buildRequest(model string, p Payload) chatRequest {
	var msgs []chatMessage
	if p.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: p.System})
	}
	if p.MediaURI != "" {
		msgs = append(msgs, chatMessage{Role: "user", Content: []contentPart{
			{Type: "input_audio", InputAudio: &inputAudio{Data: p.MediaURI, Format: audioFormat(p.MediaURI)}},
			{Type: "text", Text: p.User},
		}})
	} else {
		msgs = append(msgs, chatMessage{Role: "user", Content: p.User})
	}
	return chatRequest{
		Model:        model,
		Messages:     msgs,
		Temperature:  p.Temperature,
		MaxTokens:    p.MaxTokens,
		EnableSearch: p.Search,
	}
}

func audioFormat(uri string) string {
	u := strings.ToLower(uri)
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	for _, ext := range []string{"wav", "m4a", "aac", "ogg", "flac"} {
		if strings.HasSuffix(u, "."+ext) {
			return ext
		}
	}
	return "mp3"
}
