// Package query is the read-only surface over the knowledge store used by
// the MCP tools and the HTTP read API.
package query

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/kalambet/vidnote/internal/storage"
)

const (
	DefaultLimit = 5
	MaxLimit     = 20
	maxListLimit = 100
)

// ErrEmptyArgument is returned when a required lookup key is blank.
var ErrEmptyArgument = errors.New("argument must not be empty")

// Result is one ranked search hit.
type Result struct {
	NoteID     string    `json:"note_id"`
	Code       string    `json:"code"`
	Title      string    `json:"title"`
	Snippet    string    `json:"snippet"`
	SourceLink string    `json:"source_link"`
	CreatedAt  time.Time `json:"created_at"`
}

// Summary describes a note without its body.
type Summary struct {
	NoteID     string    `json:"note_id"`
	Code       string    `json:"code"`
	Title      string    `json:"title"`
	Author     string    `json:"author,omitempty"`
	Tags       []string  `json:"tags"`
	SourceLink string    `json:"source_link"`
	CreatedAt  time.Time `json:"created_at"`
}

// Reader is the subset of the store the service reads.
type Reader interface {
	SearchNotes(ctx context.Context, query string, limit int) ([]storage.SearchHit, error)
	GetNote(ctx context.Context, id string) (storage.Note, error)
	GetNoteByCode(ctx context.Context, code string) (storage.Note, error)
	ListNotes(ctx context.Context, limit, offset int) ([]storage.Note, error)
	ListNotesByTag(ctx context.Context, tag string, limit int) ([]storage.Note, error)
	Stats(ctx context.Context) (storage.Stats, error)
}

// Service has no state of its own; every call maps to one store call.
type Service struct {
	store Reader
}

// New creates a Service over store.
func New(store Reader) *Service {
	return &Service{store: store}
}

// Search returns notes ranked by relevance to q. Blank queries and queries
// matching nothing return an empty slice.
func (s *Service) Search(ctx context.Context, q string, limit int) ([]Result, error) {
	hits, err := s.store.SearchNotes(ctx, q, clamp(limit, DefaultLimit, MaxLimit))
	if err != nil {
		return nil, err
	}
	results := make([]Result, len(hits))
	for i, h := range hits {
		results[i] = Result{
			NoteID:     h.Note.ID,
			Code:       h.Note.Code,
			Title:      h.Note.Title,
			Snippet:    h.Snippet,
			SourceLink: h.Note.SourceLink,
			CreatedAt:  h.Note.CreatedAt,
		}
	}
	return results, nil
}

// Get returns the note with id.
func (s *Service) Get(ctx context.Context, id string) (storage.Note, error) {
	if strings.TrimSpace(id) == "" {
		return storage.Note{}, ErrEmptyArgument
	}
	return s.store.GetNote(ctx, id)
}

// GetByCode returns the note with the short code users see in chat.
func (s *Service) GetByCode(ctx context.Context, code string) (storage.Note, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return storage.Note{}, ErrEmptyArgument
	}
	return s.store.GetNoteByCode(ctx, code)
}

// List returns notes newest first.
func (s *Service) List(ctx context.Context, limit, offset int) ([]Summary, error) {
	if offset < 0 {
		offset = 0
	}
	notes, err := s.store.ListNotes(ctx, clamp(limit, DefaultLimit*4, maxListLimit), offset)
	if err != nil {
		return nil, err
	}
	return summaries(notes), nil
}

// ListByTag returns notes carrying tag, newest first.
func (s *Service) ListByTag(ctx context.Context, tag string, limit int) ([]Summary, error) {
	if strings.TrimSpace(tag) == "" {
		return nil, ErrEmptyArgument
	}
	notes, err := s.store.ListNotesByTag(ctx, tag, clamp(limit, DefaultLimit*4, maxListLimit))
	if err != nil {
		return nil, err
	}
	return summaries(notes), nil
}

// Stats returns store counters.
func (s *Service) Stats(ctx context.Context) (storage.Stats, error) {
	return s.store.Stats(ctx)
}

func summaries(notes []storage.Note) []Summary {
	out := make([]Summary, len(notes))
	for i, n := range notes {
		tags := n.Tags
		if tags == nil {
			tags = []string{}
		}
		out[i] = Summary{
			NoteID:     n.ID,
			Code:       n.Code,
			Title:      n.Title,
			Author:     n.Author,
			Tags:       tags,
			SourceLink: n.SourceLink,
			CreatedAt:  n.CreatedAt,
		}
	}
	return out
}

func clamp(v, def, max int) int {
	if v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}
