package intake

import (
	"regexp"
	"strings"
)

// Kind is what an inbound message asks for.
type Kind int

const (
	KindInstruction Kind = iota
	KindLink
	KindStart
	KindCancel
)

func (k Kind) String() string {
	switch k {
	case KindLink:
		return "link"
	case KindStart:
		return "start"
	case KindCancel:
		return "cancel"
	default:
		return "instruction"
	}
}

var linkPatterns = []*regexp.Regexp{
	regexp.MustCompile(`https?://v\.douyin\.com/[A-Za-z0-9_-]+/?`),
	regexp.MustCompile(`https?://www\.douyin\.com/video/\d+`),
	regexp.MustCompile(`https?://www\.iesdouyin\.com/share/video/\d+`),
	regexp.MustCompile(`https?://[^\s<>"'，。]+`),
}

var (
	startKeywords  = map[string]bool{"开始": true, "start": true, "ok": true, "好": true}
	cancelKeywords = map[string]bool{"取消": true, "cancel": true}
)

// Classify decides what text asks for. For links it also returns the link,
// normalized; short links always carry a trailing slash.
func Classify(text string) (Kind, string) {
	for i, re := range linkPatterns {
		if m := re.FindString(text); m != "" {
			if i == 0 && !strings.HasSuffix(m, "/") {
				m += "/"
			}
			return KindLink, m
		}
	}

	word := strings.ToLower(strings.TrimSpace(text))
	switch {
	case startKeywords[word]:
		return KindStart, ""
	case cancelKeywords[word]:
		return KindCancel, ""
	default:
		return KindInstruction, ""
	}
}
