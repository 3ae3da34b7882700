// Package media talks to the link-parsing service that resolves a shared
// video link into a downloadable audio reference and its metadata.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultParseTimeout = 60 * time.Second

// ErrNoMedia is returned when the parser answers but yields no media reference.
var ErrNoMedia = errors.New("parser returned no media reference")

// Info is what the parser knows about a link.
type Info struct {
	MediaURI string  `json:"media_uri"`
	Seconds  float64 `json:"duration"`
	Title    string  `json:"title"`
	Author   string  `json:"author"`
}

// Duration returns the media length.
func (i Info) Duration() time.Duration {
	return time.Duration(i.Seconds * float64(time.Second))
}

// Client communicates with the parse service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

// New creates a Client targeting the given parse service base URL.
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		timeout:    defaultParseTimeout,
	}
}

type parseRequest struct {
	Link string `json:"link"`
}

// Parse resolves link. Any failure is permanent from the caller's point of
// view; the client does not retry.
func (c *Client) Parse(ctx context.Context, link string) (Info, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(parseRequest{Link: link})
	if err != nil {
		return Info{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/parse", bytes.NewReader(body))
	if err != nil {
		return Info{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Info{}, fmt.Errorf("requesting parse: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Info{}, fmt.Errorf("parse %s: status %d: %s", link, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var info Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return Info{}, fmt.Errorf("decoding response: %w", err)
	}
	if strings.TrimSpace(info.MediaURI) == "" {
		return Info{}, ErrNoMedia
	}
	return info, nil
}

// IsRunning returns true if the parse service responds to GET /health with 200.
func (c *Client) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
