package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrIncompleteNote is returned by PutNote for a note without exactly one
// stage result per stage, in stage order.
var ErrIncompleteNote = errors.New("note must carry stage results 1, 2, 3 in order")

// ErrCodeTaken is returned by PutNote when another note already holds the
// note's short code. The caller draws a new code and retries.
var ErrCodeTaken = errors.New("note code already taken")

// Provider tags which endpoint of a pair produced a stage result.
const (
	ProviderPrimary   = "PRIMARY"
	ProviderSecondary = "SECONDARY"
)

// StageResult is the immutable output of one completed pipeline stage.
type StageResult struct {
	Stage    int // 1 transcribe, 2 critique, 3 synthesize
	Provider string
	Attempts int
	Output   string
	Latency  time.Duration
}

// Note is a finished, append-only knowledge entry.
type Note struct {
	ID             string
	Code           string // 5-char short code users quote back in chat
	ConversationID string
	SourceLink     string
	Title          string
	Author         string
	BodyMarkdown   string
	Tags           []string
	Instructions   string
	CreatedAt      time.Time
	StageResults   []StageResult
}

// SearchHit is one relevance-ranked search result.
type SearchHit struct {
	Note    Note
	Snippet string
}

// Stats summarizes the knowledge store.
type Stats struct {
	TotalNotes      int
	LatestNote      time.Time
	SecondaryStages int
	FailedJobs      int
}

// JobRecord tracks one pipeline job's progress for triage.
type JobRecord struct {
	ID             string
	ConversationID string
	Link           string
	Instructions   string
	Stage          string
	LastError      string
	NoteID         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
