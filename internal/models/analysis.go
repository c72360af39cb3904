package models

import "time"

// AnswerValue is the only vocabulary a provider may answer a question with.
type AnswerValue string

const (
	AnswerYes AnswerValue = "YES"
	AnswerNo  AnswerValue = "NO"
)

// AIQuestion is a caller-supplied question; ID is unique within a batch.
type AIQuestion struct {
	ID   string `json:"id" binding:"required"`
	Text string `json:"text" binding:"required"`
}

// AIAnswer is one validated answer.
type AIAnswer struct {
	QuestionID string      `json:"questionId"`
	Answer     AnswerValue `json:"answer"`
	Confidence int         `json:"confidence"`
	Reasoning  string      `json:"reasoning"`
}

// UserProfile is supplied by the profiling subsystem.
type UserProfile struct {
	Username        string `json:"username"`
	AccountAgeDays  int    `json:"accountAgeDays"`
	LinkKarma       int    `json:"linkKarma"`
	CommentKarma    int    `json:"commentKarma"`
	IsEmailVerified bool   `json:"isEmailVerified"`
	IsModerator     bool   `json:"isModerator"`
}

type PostHistoryItem struct {
	Kind      string    `json:"kind"` // post, comment
	Subreddit string    `json:"subreddit"`
	Title     string    `json:"title,omitempty"`
	Body      string    `json:"body"`
	Score     int       `json:"score"`
	CreatedAt time.Time `json:"createdAt"`
}

type PostHistorySummary struct {
	TotalPosts    int               `json:"totalPosts"`
	TotalComments int               `json:"totalComments"`
	TopSubreddits []string          `json:"topSubreddits"`
	Items         []PostHistoryItem `json:"items"`
}

// CurrentContent is the post or comment that triggered the analysis.
type CurrentContent struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"` // post, comment
	Subreddit string `json:"subreddit"`
	Title     string `json:"title,omitempty"`
	Body      string `json:"body"`
	URL       string `json:"url,omitempty"`
}

// AnalysisRequest is created per moderation event.
type AnalysisRequest struct {
	CorrelationID    string              `json:"correlationId"`
	RequestKey       string              `json:"requestKey" binding:"required"`
	Questions        []AIQuestion        `json:"questions" binding:"required,min=1,dive"`
	Profile          *UserProfile        `json:"profile,omitempty"`
	History          *PostHistorySummary `json:"history,omitempty"`
	Content          *CurrentContent     `json:"content,omitempty"`
	SubredditContext string              `json:"subredditContext,omitempty"`
	// TrustScore (0-100) is computed elsewhere and only picks the cache TTL.
	TrustScore *int `json:"trustScore,omitempty"`
	// Lenient accepts a partially valid answer set.
	Lenient bool `json:"lenient,omitempty"`

	// SanitizedContext is filled in by the orchestrator before prompting.
	SanitizedContext string `json:"-"`
}

// QuestionIDs returns the ids in request order.
func (r *AnalysisRequest) QuestionIDs() []string {
	ids := make([]string, len(r.Questions))
	for i, q := range r.Questions {
		ids[i] = q.ID
	}
	return ids
}

// AnalysisResult is written once and never mutated after it is cached.
type AnalysisResult struct {
	CorrelationID      string              `json:"correlationId"`
	Provider           string              `json:"provider"`
	Model              string              `json:"model"`
	PromptVersion      string              `json:"promptVersion"`
	Answers            map[string]AIAnswer `json:"answers"`
	MissingQuestionIDs []string            `json:"missingQuestionIds,omitempty"`
	TokensUsed         int                 `json:"tokensUsed"`
	CostUSD            float64             `json:"costUSD"`
	LatencyMs          int64               `json:"latencyMs"`
	CachedTTLSeconds   int64               `json:"cachedTTLSeconds"`
	RiskLevel          string              `json:"riskLevel"`
	Timestamp          time.Time           `json:"timestamp"`
}
