package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/vidnote/internal/config"
	"github.com/kalambet/vidnote/internal/pipeline"
	"github.com/kalambet/vidnote/internal/provider"
	"github.com/kalambet/vidnote/internal/session"
	"github.com/kalambet/vidnote/internal/storage"
)

const (
	testToken = "test-token"
	shortLink = "https://v.douyin.com/iRNBho6u/"
)

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

// world is one httptest server standing in for the parse service, the chat
// gateway and every provider endpoint. Provider routes are
// /{role}/{primary|secondary}/chat/completions.
type world struct {
	srv *httptest.Server

	mu      sync.Mutex
	replies map[string]func(w http.ResponseWriter)
	hits    map[string]int
	bodies  map[string][]string
	texts   []string
	files   []string
	parsed  []string
}

func newWorld(t *testing.T) *world {
	t.Helper()
	w := &world{
		replies: map[string]func(http.ResponseWriter){},
		hits:    map[string]int{},
		bodies:  map[string][]string{},
	}
	w.srv = httptest.NewServer(http.HandlerFunc(w.serve))
	t.Cleanup(w.srv.Close)
	return w
}

func (wd *world) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	wd.mu.Lock()
	defer wd.mu.Unlock()

	switch r.URL.Path {
	case "/parse":
		var req struct {
			Link string `json:"link"`
		}
		json.Unmarshal(body, &req)
		wd.parsed = append(wd.parsed, req.Link)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"media_uri":"https://cdn.example.com/v/abc.m4a","duration":95,"title":"Sourdough basics","author":"baker"}`)
		return
	case "/send/text":
		var req struct {
			Text string `json:"text"`
		}
		json.Unmarshal(body, &req)
		wd.texts = append(wd.texts, req.Text)
		return
	case "/send/file":
		var req struct {
			Filename string `json:"filename"`
		}
		json.Unmarshal(body, &req)
		wd.files = append(wd.files, req.Filename)
		return
	}

	route := strings.TrimSuffix(r.URL.Path, "/chat/completions")
	wd.hits[route]++
	wd.bodies[route] = append(wd.bodies[route], string(body))
	if reply, ok := wd.replies[route]; ok {
		reply(w)
		return
	}
	http.NotFound(w, r)
}

func (wd *world) reply(route, content string) {
	wd.replies[route] = func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": content}}},
		})
	}
}

func (wd *world) fail(route string, code int) {
	wd.replies[route] = func(w http.ResponseWriter) {
		http.Error(w, "upstream says no", code)
	}
}

func (wd *world) succeedAll() {
	for _, role := range []string{"transcribe", "critique", "synthesize"} {
		for _, target := range []string{"primary", "secondary"} {
			wd.reply("/"+role+"/"+target, role+" "+target+" output")
		}
	}
	wd.reply("/synthesize/primary", "# Sourdough\n\nLong **fermentation** builds flavor and structure.")
	wd.reply("/synthesize/secondary", "# Sourdough\n\nLong **fermentation** builds flavor and structure.")
}

func (wd *world) hitCount(route string) int {
	wd.mu.Lock()
	defer wd.mu.Unlock()
	return wd.hits[route]
}

func (wd *world) config() config.Config {
	endpoints := func(role string) config.ProviderConfig {
		return config.ProviderConfig{
			Role:              role,
			PrimaryEndpoint:   wd.srv.URL + "/" + role + "/primary",
			PrimaryKey:        "pk",
			PrimaryModel:      "model-a",
			SecondaryEndpoint: wd.srv.URL + "/" + role + "/secondary",
			SecondaryKey:      "sk",
			SecondaryModel:    "model-b",
		}
	}
	return config.Config{
		Server:   config.ServerConfig{APIToken: testToken},
		Storage:  config.StorageConfig{DataDir: ":memory:"},
		Session:  config.SessionConfig{Window: 120 * time.Second},
		Pipeline: config.PipelineConfig{Workers: 2, StageTimeout: 5 * time.Second, Backoff: time.Millisecond},
		Providers: config.ProvidersConfig{
			Transcribe: endpoints("transcribe"),
			Critique:   endpoints("critique"),
			Synthesize: endpoints("synthesize"),
		},
		Parser: config.ParserConfig{URL: wd.srv.URL},
		Chat:   config.ChatConfig{URL: wd.srv.URL},
		Intake: config.IntakeConfig{DedupTTL: time.Minute},
	}
}

type harness struct {
	app      *App
	clock    *session.ManualClock
	outcomes chan pipeline.Outcome
}

func newHarness(t *testing.T, wd *world) *harness {
	t.Helper()
	h := &harness{
		clock:    session.NewManualClock(t0),
		outcomes: make(chan pipeline.Outcome, 4),
	}
	a, err := Build(wd.config(),
		WithClock(h.clock),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithOnFinish(func(o pipeline.Outcome) { h.outcomes <- o }),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.Close(ctx)
	})
	h.app = a
	return h
}

var msgSeq int

func (h *harness) send(t *testing.T, text string) string {
	t.Helper()
	msgSeq++
	body, _ := json.Marshal(map[string]string{
		"id":              fmt.Sprintf("msg-%d", msgSeq),
		"conversation_id": "conv-1",
		"text":            text,
	})
	req := httptest.NewRequest(http.MethodPost, "/messages", strings.NewReader(string(body)))
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	h.app.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp["action"]
}

func (h *harness) outcome(t *testing.T) pipeline.Outcome {
	t.Helper()
	select {
	case o := <-h.outcomes:
		return o
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for job outcome")
		return pipeline.Outcome{}
	}
}

func (h *harness) assertNoOutcome(t *testing.T) {
	t.Helper()
	select {
	case o := <-h.outcomes:
		t.Fatalf("unexpected outcome %+v", o)
	default:
	}
}

func TestScenario_WindowExpiresWithoutInstructions(t *testing.T) {
	wd := newWorld(t)
	wd.succeedAll()
	h := newHarness(t, wd)

	assert.Equal(t, "opened", h.send(t, "look at this "+shortLink))
	assert.Equal(t, 1, h.app.Sessions.Active())

	h.clock.Advance(119 * time.Second)
	h.assertNoOutcome(t)
	assert.Equal(t, 1, h.app.Sessions.Active())

	h.clock.Advance(time.Second)
	out := h.outcome(t)
	require.Equal(t, pipeline.StageDone, out.Stage, "err: %v", out.Err)
	require.NotNil(t, out.Note)
	assert.Empty(t, out.Note.Instructions)
	assert.Equal(t, shortLink, out.Note.SourceLink)
	for _, r := range out.Note.StageResults {
		assert.Equal(t, storage.ProviderPrimary, r.Provider, "stage %d", r.Stage)
	}

	hits, err := h.app.Query.Search(context.Background(), "fermentation", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, out.Note.ID, hits[0].NoteID)

	wd.mu.Lock()
	defer wd.mu.Unlock()
	assert.Equal(t, []string{shortLink}, wd.parsed)
	assert.Len(t, wd.files, 1)
	assert.Zero(t, wd.hits["/transcribe/secondary"])
}

func TestScenario_InstructionClosesWindowEarly(t *testing.T) {
	wd := newWorld(t)
	wd.succeedAll()
	h := newHarness(t, wd)

	h.send(t, shortLink)
	h.clock.Advance(10 * time.Second)
	assert.Equal(t, "instruction", h.send(t, "summarize as a table"))
	assert.Equal(t, 0, h.clock.Pending(), "window timer must be cancelled")

	out := h.outcome(t)
	require.Equal(t, pipeline.StageDone, out.Stage, "err: %v", out.Err)
	assert.Equal(t, "summarize as a table", out.Note.Instructions)

	wd.mu.Lock()
	critique := wd.bodies["/critique/primary"]
	wd.mu.Unlock()
	require.Len(t, critique, 1)
	assert.Contains(t, critique[0], "summarize as a table")

	h.clock.Advance(200 * time.Second)
	h.assertNoOutcome(t)
}

func TestScenario_StageOneFailsOverToSecondary(t *testing.T) {
	wd := newWorld(t)
	wd.succeedAll()
	wd.fail("/transcribe/primary", http.StatusTooManyRequests)
	h := newHarness(t, wd)

	h.send(t, shortLink)
	h.send(t, "start")

	out := h.outcome(t)
	require.Equal(t, pipeline.StageDone, out.Stage, "err: %v", out.Err)
	first := out.Note.StageResults[0]
	assert.Equal(t, storage.ProviderSecondary, first.Provider)
	assert.Equal(t, 3, first.Attempts)
	assert.Equal(t, storage.ProviderPrimary, out.Note.StageResults[1].Provider)

	assert.Equal(t, 2, wd.hitCount("/transcribe/primary"))
	assert.Equal(t, 1, wd.hitCount("/transcribe/secondary"))
	assert.Equal(t, 1, wd.hitCount("/critique/primary"))

	st, err := h.app.Query.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.SecondaryStages)
}

func TestScenario_StageThreeExhaustedStoresNothing(t *testing.T) {
	wd := newWorld(t)
	wd.succeedAll()
	wd.fail("/synthesize/primary", http.StatusBadGateway)
	wd.fail("/synthesize/secondary", http.StatusServiceUnavailable)
	h := newHarness(t, wd)

	h.send(t, shortLink)
	h.send(t, "ok")

	out := h.outcome(t)
	assert.Equal(t, pipeline.StageFailed, out.Stage)
	assert.Equal(t, pipeline.StageSynthesize, out.FailedAt)
	assert.True(t, errors.Is(out.Err, provider.ErrProviderExhausted), "err: %v", out.Err)
	assert.Nil(t, out.Note)

	ctx := context.Background()
	st, err := h.app.Query.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.TotalNotes)
	assert.Equal(t, 1, st.FailedJobs)

	jobs, err := h.app.Store.ListJobRecords(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, string(pipeline.StageFailed), jobs[0].Stage)

	wd.mu.Lock()
	defer wd.mu.Unlock()
	assert.Empty(t, wd.files)
	require.NotEmpty(t, wd.texts)
	last := wd.texts[len(wd.texts)-1]
	assert.NotContains(t, last, "upstream says no", "error details never reach the chat")
}

func TestScenario_SecondLinkWhileOpenIsRejected(t *testing.T) {
	wd := newWorld(t)
	wd.succeedAll()
	h := newHarness(t, wd)

	assert.Equal(t, "opened", h.send(t, shortLink))
	assert.Equal(t, "conflict", h.send(t, "https://v.douyin.com/otherLnk/"))
	assert.Equal(t, "cancelled", h.send(t, "cancel"))
	assert.Equal(t, 0, h.app.Sessions.Active())
	assert.Equal(t, "no_session", h.send(t, "start"))
	h.assertNoOutcome(t)
}

func TestBuild_RejectsIncompleteProviders(t *testing.T) {
	wd := newWorld(t)
	cfg := wd.config()
	cfg.Providers.Critique.PrimaryKey = ""

	_, err := Build(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "providers.critique")
}

func TestStartRecovery_ReplaysAndStopsBeforeClose(t *testing.T) {
	wd := newWorld(t)
	a, err := Build(wd.config(), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)

	spooled := storage.Note{
		ID:             "spooled-1",
		Code:           "sp001",
		ConversationID: "conv-1",
		SourceLink:     shortLink,
		Title:          "Recovered tea notes",
		BodyMarkdown:   "# Tea\n\nrecovered body",
		CreatedAt:      t0,
		StageResults: []storage.StageResult{
			{Stage: 1, Provider: storage.ProviderPrimary, Attempts: 1, Output: "t"},
			{Stage: 2, Provider: storage.ProviderPrimary, Attempts: 1, Output: "c"},
			{Stage: 3, Provider: storage.ProviderPrimary, Attempts: 1, Output: "# Tea\n\nrecovered body"},
		},
	}
	require.NoError(t, a.Spool.Save(spooled))

	a.StartRecovery()
	require.Eventually(t, func() bool {
		_, err := a.Store.GetNote(context.Background(), "spooled-1")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Close(ctx))

	select {
	case <-a.replayDone:
	default:
		t.Fatal("replayer still running after Close")
	}
}
