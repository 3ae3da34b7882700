package pipeline

import (
	"context"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/kalambet/vidnote/internal/storage"
)

const (
	maxCodeTries  = 8
	maxTags       = 15
	minTagRunes   = 2
	untitledTitle = "Untitled"
)

var (
	boldTerm = regexp.MustCompile(`\*\*([^*\n]+?)\*\*`)
	heading  = regexp.MustCompile(`(?m)^#\s+(.+)$`)
)

// newCode picks a short code not yet used by a stored note. If the store
// cannot answer, the last candidate is used and the unique index arbitrates.
func newCode(ctx context.Context, exists func(context.Context, string) (bool, error)) string {
	code := storage.RandomCode()
	for range maxCodeTries {
		taken, err := exists(ctx, code)
		if err != nil || !taken {
			return code
		}
		code = storage.RandomCode()
	}
	return code
}

// extractTags collects bold terms from the body, in order of first use.
func extractTags(body string) []string {
	seen := map[string]bool{}
	var tags []string
	for _, m := range boldTerm.FindAllStringSubmatch(body, -1) {
		tag := strings.Trim(strings.TrimSpace(m[1]), ":：")
		if utf8.RuneCountInString(tag) < minTagRunes || strings.Contains(tag, ",") {
			continue
		}
		key := strings.ToLower(tag)
		if seen[key] {
			continue
		}
		seen[key] = true
		tags = append(tags, tag)
		if len(tags) == maxTags {
			break
		}
	}
	return tags
}

// noteTitle prefers the parsed video title and falls back to the body's
// first top-level heading.
func noteTitle(parsed, body string) string {
	if t := strings.TrimSpace(parsed); t != "" {
		return t
	}
	if m := heading.FindStringSubmatch(body); m != nil {
		return strings.TrimSpace(m[1])
	}
	return untitledTitle
}
