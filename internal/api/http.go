package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/vidnote/internal/intake"
	"github.com/kalambet/vidnote/internal/query"
	"github.com/kalambet/vidnote/internal/storage"
)

const maxMessageBodySize = 64 << 10 // 64KB

// MessageHandler accepts inbound chat messages.
type MessageHandler interface {
	Handle(ctx context.Context, msg intake.Message) (intake.Action, error)
}

// SessionCounter reports how many conversations are inside their window.
type SessionCounter interface {
	Active() int
}

// Deps holds what the HTTP surface serves.
type Deps struct {
	Intake   MessageHandler
	Query    *query.Service
	Sessions SessionCounter
	Token    string
	// MCP is mounted at /mcp behind bearer auth when non-nil.
	MCP http.Handler
}

// NewHandler builds the server's router.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/messages", handleMessage(deps))
		r.Get("/notes", handleListNotes(deps))
		r.Get("/notes/search", handleSearchNotes(deps))
		r.Get("/notes/code/{code}", handleGetNoteByCode(deps))
		r.Get("/notes/{id}", handleGetNote(deps))
		r.Get("/stats", handleStats(deps))
		if deps.MCP != nil {
			r.Handle("/mcp", deps.MCP)
		}
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions := 0
		if deps.Sessions != nil {
			sessions = deps.Sessions.Active()
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": sessions})
	}
}

func handleMessage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxMessageBodySize)
		defer r.Body.Close()

		var msg intake.Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if msg.ReceivedAt.IsZero() {
			msg.ReceivedAt = time.Now().UTC()
		}

		action, err := deps.Intake.Handle(r.Context(), msg)
		if errors.Is(err, intake.ErrInvalidMessage) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			slog.Error("handling message failed", "message_id", msg.ID, "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "failed to handle message")
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{"action": string(action)})
	}
}

func handleSearchNotes(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		limit := parseIntParam(r, "limit", query.DefaultLimit, query.MaxLimit)

		results, err := deps.Query.Search(r.Context(), q, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "search failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, results)
	}
}

func handleListNotes(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		var (
			notes []query.Summary
			err   error
		)
		if tag := r.URL.Query().Get("tag"); tag != "" {
			notes, err = deps.Query.ListByTag(r.Context(), tag, limit)
		} else {
			notes, err = deps.Query.List(r.Context(), limit, offset)
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list notes: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, notes)
	}
}

func handleGetNote(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Query.Get(r.Context(), chi.URLParam(r, "id"))
		writeNote(w, n, err)
	}
}

func handleGetNoteByCode(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Query.GetByCode(r.Context(), chi.URLParam(r, "code"))
		writeNote(w, n, err)
	}
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Query.Stats(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read stats: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, newStatsView(st))
	}
}

func writeNote(w http.ResponseWriter, n storage.Note, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found_error", "note not found")
	case errors.Is(err, query.ErrEmptyArgument):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case err != nil:
		httpError(w, http.StatusInternalServerError, "api_error", "failed to get note: %v", err)
	default:
		writeJSON(w, http.StatusOK, newNoteView(n))
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
