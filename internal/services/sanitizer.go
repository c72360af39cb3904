package services

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/huangang/modsentry/internal/config"
	"github.com/huangang/modsentry/internal/models"
)

const (
	truncationMarker = " …[truncated]"
	maxHistoryBody   = 300
)

var piiPatterns = []struct {
	re          *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`), "[EMAIL]"},
	{regexp.MustCompile(`\b(?:\d[ \-]?){13,16}\b`), "[CARD]"},
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[SSN]"},
	{regexp.MustCompile(`(?:\+?\d{1,2}[\s.\-]?)?\(?\d{3}\)?[\s.\-]\d{3}[\s.\-]\d{4}\b`), "[PHONE]"},
	{regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`), "[IP]"},
	// Query strings often carry session tokens and tracking ids.
	{regexp.MustCompile(`(https?://[^\s?#]+)\?[^\s#]+`), "$1?[REDACTED]"},
}

// ContentSanitizer strips PII and bounds text size before anything leaves the process.
type ContentSanitizer struct {
	maxContentChars int
	maxHistoryItems int
}

func NewContentSanitizer(cfg config.SanitizerConfig) *ContentSanitizer {
	return &ContentSanitizer{
		maxContentChars: cfg.MaxContentChars,
		maxHistoryItems: cfg.MaxHistoryItems,
	}
}

// Clean redacts PII, collapses whitespace and truncates to max runes.
func (s *ContentSanitizer) Clean(text string, max int) string {
	for _, p := range piiPatterns {
		text = p.re.ReplaceAllString(text, p.replacement)
	}
	text = strings.Join(strings.Fields(text), " ")
	return truncateRunes(text, max)
}

func truncateRunes(text string, max int) string {
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return text
	}
	runes := []rune(text)
	keep := max - utf8.RuneCountInString(truncationMarker)
	if keep < 0 {
		keep = 0
	}
	return string(runes[:keep]) + truncationMarker
}

// BuildContext renders profile, history and content as the sanitized
// context block the prompt is built from.
func (s *ContentSanitizer) BuildContext(req *models.AnalysisRequest) string {
	var b strings.Builder

	if p := req.Profile; p != nil {
		b.WriteString("## Account\n")
		fmt.Fprintf(&b, "- account age: %d days\n", p.AccountAgeDays)
		fmt.Fprintf(&b, "- link karma: %d, comment karma: %d\n", p.LinkKarma, p.CommentKarma)
		fmt.Fprintf(&b, "- email verified: %t, moderator: %t\n", p.IsEmailVerified, p.IsModerator)
	}

	if h := req.History; h != nil {
		b.WriteString("\n## Recent history\n")
		fmt.Fprintf(&b, "- totals: %d posts, %d comments\n", h.TotalPosts, h.TotalComments)
		if len(h.TopSubreddits) > 0 {
			fmt.Fprintf(&b, "- most active in: %s\n", strings.Join(h.TopSubreddits, ", "))
		}
		items := h.Items
		if s.maxHistoryItems > 0 && len(items) > s.maxHistoryItems {
			items = items[:s.maxHistoryItems]
		}
		for _, item := range items {
			line := item.Body
			if item.Title != "" {
				line = item.Title + " | " + item.Body
			}
			fmt.Fprintf(&b, "- [%s r/%s score %d] %s\n", item.Kind, item.Subreddit, item.Score, s.Clean(line, maxHistoryBody))
		}
	}

	if c := req.Content; c != nil {
		b.WriteString("\n## Current content\n")
		fmt.Fprintf(&b, "- type: %s in r/%s\n", c.Kind, c.Subreddit)
		if c.Title != "" {
			fmt.Fprintf(&b, "- title: %s\n", s.Clean(c.Title, 300))
		}
		if c.URL != "" {
			fmt.Fprintf(&b, "- link: %s\n", s.Clean(c.URL, 300))
		}
		fmt.Fprintf(&b, "- body: %s\n", s.Clean(c.Body, s.maxContentChars))
	}

	return strings.TrimSpace(b.String())
}
