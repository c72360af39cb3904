package services

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/huangang/modsentry/internal/models"
)

const systemPrompt = `You are a content moderation analyst for a Reddit community. ` +
	`You answer yes/no questions about a user and their content. ` +
	`Respond with a single JSON object and nothing else.`

const answerSchema = `{"answers":[{"questionId":"<id>","answer":"YES|NO","confidence":<integer 0-100>,"reasoning":"<one or two sentences>"}]}`

// Templates use {{placeholder}} substitution. Every version must reference
// {{questions}}, {{context}} and {{schema}}.
var promptTemplates = map[string]string{
	"v1": `Answer each question about the Reddit user below.

Subreddit: {{subreddit}}

{{context}}

Questions:
{{questions}}

Return JSON in exactly this shape:
{{schema}}`,

	"v2": `Review the Reddit activity below and answer every question with YES or NO.
Base each answer only on the evidence shown. Use a lower confidence when the evidence is thin.
Keep reasoning under {{max_reasoning}} characters.

### Community rules context
{{subreddit}}

### Evidence
{{context}}

### Questions
{{questions}}

### Output
Answer every question id exactly once. Return only JSON in this shape:
{{schema}}`,
}

// Prompt is provider-agnostic; adapters map System/User onto their native roles.
type Prompt struct {
	Version string
	System  string
	User    string
}

// EstimatedTokens uses the ~4 characters per token rule of thumb.
func (p Prompt) EstimatedTokens() int {
	return estimateTokens(p.System) + estimateTokens(p.User)
}

func estimateTokens(s string) int {
	return (utf8.RuneCountInString(s) + 3) / 4
}

type PromptBuilder struct {
	version       string
	versionB      string
	maxReasoning  int
	templateByVer map[string]string
}

func NewPromptBuilder(version, versionB string, maxReasoning int) *PromptBuilder {
	return &PromptBuilder{
		version:       version,
		versionB:      versionB,
		maxReasoning:  maxReasoning,
		templateByVer: promptTemplates,
	}
}

// Versions lists the known template versions.
func (b *PromptBuilder) Versions() []string {
	versions := make([]string, 0, len(b.templateByVer))
	for v := range b.templateByVer {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	return versions
}

// VersionFor picks the prompt version for a request key. With a B version
// configured, the key's hash splits traffic evenly and stably.
func (b *PromptBuilder) VersionFor(requestKey string) string {
	if b.versionB == "" || b.versionB == b.version {
		return b.version
	}
	h := fnv.New32a()
	h.Write([]byte("prompt:" + requestKey))
	if h.Sum32()%2 == 1 {
		return b.versionB
	}
	return b.version
}

// Build renders the question batch and the already sanitized context.
func (b *PromptBuilder) Build(req *models.AnalysisRequest, version string) (Prompt, error) {
	tmpl, ok := b.templateByVer[version]
	if !ok {
		return Prompt{}, fmt.Errorf("unknown prompt version %q", version)
	}

	var questions strings.Builder
	for _, q := range req.Questions {
		fmt.Fprintf(&questions, "- [%s] %s\n", q.ID, strings.TrimSpace(q.Text))
	}

	subreddit := strings.TrimSpace(req.SubredditContext)
	if subreddit == "" {
		subreddit = "(none provided)"
	}
	evidence := req.SanitizedContext
	if evidence == "" {
		evidence = "(no context available)"
	}

	// One pass, so placeholder text inside user content is never expanded.
	user := strings.NewReplacer(
		"{{subreddit}}", subreddit,
		"{{context}}", evidence,
		"{{questions}}", strings.TrimRight(questions.String(), "\n"),
		"{{schema}}", answerSchema,
		"{{max_reasoning}}", strconv.Itoa(b.maxReasoning),
	).Replace(tmpl)

	return Prompt{Version: version, System: systemPrompt, User: user}, nil
}
