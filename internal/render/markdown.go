// Package render turns a note into a document the chat gateway can deliver.
package render

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/kalambet/vidnote/internal/storage"
)

// ErrEmptyNote is returned for a note without a body.
var ErrEmptyNote = errors.New("note has no body")

const maxFilenameRunes = 40

var unsafeFilename = regexp.MustCompile(`[^\p{L}\p{N}_-]+`)

// Document is a rendered note.
type Document struct {
	Filename string
	Content  []byte
}

// Markdown renders notes as a Markdown file with a metadata header.
type Markdown struct{}

// Render builds the document for n.
func (Markdown) Render(n storage.Note) (Document, error) {
	if strings.TrimSpace(n.BodyMarkdown) == "" {
		return Document{}, ErrEmptyNote
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", n.Title)
	if n.Author != "" {
		fmt.Fprintf(&b, "> Author: %s\n", n.Author)
	}
	fmt.Fprintf(&b, "> Source: %s\n", n.SourceLink)
	fmt.Fprintf(&b, "> Code: %s\n", n.Code)
	fmt.Fprintf(&b, "> Created: %s\n", n.CreatedAt.UTC().Format("2006-01-02 15:04"))
	if len(n.Tags) > 0 {
		fmt.Fprintf(&b, "> Tags: %s\n", strings.Join(n.Tags, ", "))
	}
	if n.Instructions != "" {
		fmt.Fprintf(&b, "> Requested: %s\n", n.Instructions)
	}
	b.WriteString("\n---\n\n")
	b.WriteString(strings.TrimSpace(n.BodyMarkdown))
	b.WriteString("\n")

	return Document{Filename: Filename(n), Content: []byte(b.String())}, nil
}

// Filename derives a filesystem-safe name from the note's title and code.
func Filename(n storage.Note) string {
	base := strings.Trim(unsafeFilename.ReplaceAllString(n.Title, "_"), "_")
	if r := []rune(base); len(r) > maxFilenameRunes {
		base = string(r[:maxFilenameRunes])
	}
	if base == "" {
		base = "note"
	}
	return base + "-" + n.Code + ".md"
}
