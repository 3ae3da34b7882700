package api

import (
	"time"

	"github.com/kalambet/vidnote/internal/storage"
)

type stageView struct {
	Stage     int    `json:"stage"`
	Provider  string `json:"provider"`
	Attempts  int    `json:"attempts"`
	LatencyMs int64  `json:"latency_ms"`
}

// noteView is the external JSON shape of a note. Raw stage outputs stay
// internal; only their provenance is exposed.
type noteView struct {
	ID           string      `json:"note_id"`
	Code         string      `json:"code"`
	Title        string      `json:"title"`
	Author       string      `json:"author,omitempty"`
	SourceLink   string      `json:"source_link"`
	Tags         []string    `json:"tags"`
	Instructions string      `json:"instructions,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	BodyMarkdown string      `json:"body_markdown"`
	Stages       []stageView `json:"stages"`
}

func newNoteView(n storage.Note) noteView {
	v := noteView{
		ID:           n.ID,
		Code:         n.Code,
		Title:        n.Title,
		Author:       n.Author,
		SourceLink:   n.SourceLink,
		Tags:         n.Tags,
		Instructions: n.Instructions,
		CreatedAt:    n.CreatedAt,
		BodyMarkdown: n.BodyMarkdown,
		Stages:       make([]stageView, len(n.StageResults)),
	}
	if v.Tags == nil {
		v.Tags = []string{}
	}
	for i, r := range n.StageResults {
		v.Stages[i] = stageView{
			Stage:     r.Stage,
			Provider:  r.Provider,
			Attempts:  r.Attempts,
			LatencyMs: r.Latency.Milliseconds(),
		}
	}
	return v
}

type statsView struct {
	TotalNotes      int        `json:"total_notes"`
	LatestNote      *time.Time `json:"latest_note,omitempty"`
	SecondaryStages int        `json:"secondary_stages"`
	FailedJobs      int        `json:"failed_jobs"`
}

func newStatsView(st storage.Stats) statsView {
	v := statsView{
		TotalNotes:      st.TotalNotes,
		SecondaryStages: st.SecondaryStages,
		FailedJobs:      st.FailedJobs,
	}
	if !st.LatestNote.IsZero() {
		latest := st.LatestNote
		v.LatestNote = &latest
	}
	return v
}
