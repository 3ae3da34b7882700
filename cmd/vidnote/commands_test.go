package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"note not found","type":"not_found_error"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

// use points the commands at ts for the duration of the test.
func (ts *testServer) use(t *testing.T) {
	t.Helper()
	old := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() { newAPIClient = old })
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	oldNoColor := color.NoColor
	color.NoColor = true
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		color.NoColor = oldNoColor
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestSearchCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /notes/search": `[{"note_id":"n1","code":"k7p2qx","title":"Green tea","snippet":"brew [green] tea at 80C","source_link":"https://v.douyin.com/abc/","created_at":"2026-05-01T10:00:00Z"}]`,
	})
	ts.use(t)

	out, err := execute(t, "search", "green", "tea", "--limit", "3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Path != "/notes/search?q=green+tea&limit=3" {
		t.Errorf("path = %q", r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
	for _, want := range []string{"1. Green tea", "k7p2qx", "brew [green] tea", "https://v.douyin.com/abc/"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestSearchCommand_NoResults(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /notes/search": `[]`,
	})
	ts.use(t)

	out, err := execute(t, "search", "kombucha")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "No results found.") {
		t.Errorf("output = %q", out)
	}
}

func TestSearchCommand_MissingArgs(t *testing.T) {
	_, err := execute(t, "search")
	if err == nil {
		t.Fatal("expected error for missing query")
	}
}

func TestNotesList(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /notes": `[{"note_id":"n2","code":"m3z9ab","title":"Cold brew","tags":["coffee","brewing"],"source_link":"https://v.douyin.com/x/","created_at":"2026-05-01T10:00:00Z"}]`,
	})
	ts.use(t)

	out, err := execute(t, "notes", "list", "--tag", "cold coffee")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ts.requests[0].Path; got != "/notes?limit=20&offset=0&tag=cold+coffee" {
		t.Errorf("path = %q", got)
	}
	if !strings.Contains(out, "m3z9ab") || !strings.Contains(out, "[coffee, brewing]") {
		t.Errorf("output = %q", out)
	}
}

func TestNotesShow_ByCode(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /notes/code/k7p2qx": `{"note_id":"n1","code":"k7p2qx","title":"Sourdough","author":"baker",
			"source_link":"https://v.douyin.com/abc/","tags":["starter"],"created_at":"2026-05-01T10:00:00Z",
			"body_markdown":"# Sourdough\n\nFeed the starter.",
			"stages":[{"stage":1,"provider":"PRIMARY","attempts":1,"latency_ms":1200},{"stage":2,"provider":"SECONDARY","attempts":3,"latency_ms":5000}]}`,
	})
	ts.use(t)

	out, err := execute(t, "notes", "show", "--code", "k7p2qx")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"Sourdough  k7p2qx", "Author:  baker", "Stage 2: secondary, 3 attempt(s), 5s", "Feed the starter."} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestNotesShow_NotFound(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.use(t)

	_, err := execute(t, "notes", "show", "missing")
	if err == nil {
		t.Fatal("expected error for missing note")
	}
	if !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "note not found") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestSendCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /messages": `{"action":"opened"}`,
	})
	ts.use(t)

	if _, err := execute(t, "send", "--conversation", "c42", "https://v.douyin.com/abc/"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var body map[string]string
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["conversation_id"] != "c42" || body["text"] != "https://v.douyin.com/abc/" {
		t.Errorf("body = %v", body)
	}
	if body["id"] == "" {
		t.Error("message id must be set")
	}
}

func TestClient_ServerNotReachable(t *testing.T) {
	client := &apiClient{
		baseURL:    "http://127.0.0.1:1",
		token:      "t",
		httpClient: http.DefaultClient,
	}
	_, err := client.get(context.Background(), "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestPIDFile(t *testing.T) {
	path := pidFilePath(filepath.Join(t.TempDir(), "data"))

	if err := writePIDFile(path); err != nil {
		t.Fatalf("write: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", pid, os.Getpid())
	}

	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("expected error after removal")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("短视频笔记", 2); got != "短视..." {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
}

func TestNoColor(t *testing.T) {
	old := color.NoColor
	defer func() { color.NoColor = old }()

	color.NoColor = true
	if got := green.Sprint("test message"); got != "test message" {
		t.Errorf("with NoColor got %q", got)
	}

	color.NoColor = false
	if got := green.Sprint("test message"); !strings.Contains(got, "\033[") {
		t.Errorf("without NoColor should contain ANSI codes, got %q", got)
	}
}
