package api

import (
	"context"
	"testing"
	"time"

	"github.com/kalambet/vidnote/internal/query"
	"github.com/kalambet/vidnote/internal/storage"
)

func newTestQuery(t *testing.T) (*query.Service, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	base := time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC)
	notes := []struct {
		id, code, title, body string
		tags                  []string
		secondary             bool
	}{
		{"note-a", "k7p2qx", "Sourdough starter", "Feed the **starter** twice a day.", []string{"starter", "baking"}, false},
		{"note-b", "m3z9ab", "Cold brew", "Steep coarse coffee for 16 hours.", []string{"coffee"}, true},
	}
	for i, n := range notes {
		note := storage.Note{
			ID:             n.id,
			Code:           n.code,
			ConversationID: "conv-1",
			SourceLink:     "https://v.douyin.com/" + n.code + "/",
			Title:          n.title,
			Author:         "chef",
			BodyMarkdown:   n.body,
			Tags:           n.tags,
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		}
		for stage := 1; stage <= 3; stage++ {
			provider := storage.ProviderPrimary
			if n.secondary && stage == 2 {
				provider = storage.ProviderSecondary
			}
			note.StageResults = append(note.StageResults, storage.StageResult{
				Stage:    stage,
				Provider: provider,
				Attempts: 1,
				Output:   "raw output " + n.id,
				Latency:  1500 * time.Millisecond,
			})
		}
		if err := store.PutNote(context.Background(), note); err != nil {
			t.Fatalf("seeding note %s: %v", n.id, err)
		}
	}
	return query.New(store), store
}
