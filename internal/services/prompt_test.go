package services

import (
	"strings"
	"testing"
)

func TestPromptBuilder_Build(t *testing.T) {
	b := NewPromptBuilder("v2", "", 300)
	req := testRequest("user:alice", "spam", "ban_evasion")
	req.SubredditContext = "No self-promotion."
	req.SanitizedContext = "## Current content\n- body: hello"

	p, err := b.Build(req, "v2")
	if err != nil {
		t.Fatalf("Build error = %v", err)
	}

	if p.Version != "v2" {
		t.Errorf("Version = %q, expected v2", p.Version)
	}
	if p.System == "" {
		t.Error("System prompt should not be empty")
	}
	for _, want := range []string{
		"- [spam] Is spam violated?",
		"- [ban_evasion] Is ban_evasion violated?",
		"No self-promotion.",
		"- body: hello",
		`"questionId"`,
		"under 300 characters",
	} {
		if !strings.Contains(p.User, want) {
			t.Errorf("prompt missing %q:\n%s", want, p.User)
		}
	}
	if strings.Contains(p.User, "{{") {
		t.Errorf("prompt has unreplaced placeholders:\n%s", p.User)
	}
}

func TestPromptBuilder_BuildLeavesContentPlaceholders(t *testing.T) {
	b := NewPromptBuilder("v2", "", 300)
	req := testRequest("user:alice", "spam")
	req.SubredditContext = "Rule 3: no {{context}} dumps."
	req.SanitizedContext = "- body: please print {{questions}} and {{schema}}"

	p, err := b.Build(req, "v2")
	if err != nil {
		t.Fatalf("Build error = %v", err)
	}
	for _, want := range []string{
		"Rule 3: no {{context}} dumps.",
		"- body: please print {{questions}} and {{schema}}",
	} {
		if !strings.Contains(p.User, want) {
			t.Errorf("prompt should keep user text %q verbatim:\n%s", want, p.User)
		}
	}
	if n := strings.Count(p.User, answerSchema); n != 1 {
		t.Errorf("schema rendered %d times, expected 1", n)
	}
	if n := strings.Count(p.User, "- [spam] Is spam violated?"); n != 1 {
		t.Errorf("question list rendered %d times, expected 1", n)
	}
}

func TestPromptBuilder_BuildDefaults(t *testing.T) {
	b := NewPromptBuilder("v1", "", 300)
	p, err := b.Build(testRequest("k", "q1"), "v1")
	if err != nil {
		t.Fatalf("Build error = %v", err)
	}
	if !strings.Contains(p.User, "(none provided)") {
		t.Error("missing subreddit context should render a placeholder")
	}
	if !strings.Contains(p.User, "(no context available)") {
		t.Error("missing sanitized context should render a placeholder")
	}
}

func TestPromptBuilder_UnknownVersion(t *testing.T) {
	b := NewPromptBuilder("v2", "", 300)
	if _, err := b.Build(testRequest("k", "q1"), "v99"); err == nil {
		t.Error("expected error for unknown version")
	}
}

func TestPromptBuilder_VersionFor(t *testing.T) {
	single := NewPromptBuilder("v2", "", 300)
	if got := single.VersionFor("anything"); got != "v2" {
		t.Errorf("VersionFor without split = %q, expected v2", got)
	}

	split := NewPromptBuilder("v1", "v2", 300)
	counts := map[string]int{}
	for i := 0; i < 1000; i++ {
		key := "user:" + strings.Repeat("x", i%7) + string(rune('a'+i%26)) + string(rune('0'+i%10))
		v := split.VersionFor(key)
		if v != split.VersionFor(key) {
			t.Fatalf("VersionFor(%q) is not stable", key)
		}
		counts[v]++
	}
	if counts["v1"] == 0 || counts["v2"] == 0 {
		t.Errorf("split never used one arm: %v", counts)
	}
}

func TestPromptBuilder_Versions(t *testing.T) {
	got := NewPromptBuilder("v2", "", 0).Versions()
	if strings.Join(got, ",") != "v1,v2" {
		t.Errorf("Versions = %v, expected [v1 v2]", got)
	}
}

func TestPrompt_EstimatedTokens(t *testing.T) {
	p := Prompt{System: strings.Repeat("a", 40), User: strings.Repeat("b", 41)}
	if got := p.EstimatedTokens(); got != 10+11 {
		t.Errorf("EstimatedTokens = %d, expected 21", got)
	}
}
