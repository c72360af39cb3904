package services

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/huangang/modsentry/internal/config"
	"github.com/huangang/modsentry/internal/models"
	"github.com/huangang/modsentry/internal/store"
)

func testCacheConfig() config.CacheConfig {
	return config.CacheConfig{
		HighRiskTTL:   7 * 24 * time.Hour,
		BenignTTL:     48 * time.Hour,
		ModerateTTL:   24 * time.Hour,
		BorderlineTTL: 12 * time.Hour,
	}
}

func intPtr(v int) *int { return &v }

func TestAssessRisk(t *testing.T) {
	tests := []struct {
		name     string
		answers  []models.AIAnswer
		expected RiskLevel
	}{
		{"all confident no", []models.AIAnswer{{Answer: models.AnswerNo, Confidence: 90}}, RiskLow},
		{"confident yes", []models.AIAnswer{{Answer: models.AnswerNo, Confidence: 90}, {Answer: models.AnswerYes, Confidence: 85}}, RiskHigh},
		{"weak yes", []models.AIAnswer{{Answer: models.AnswerYes, Confidence: 55}}, RiskBorderline},
		{"unsure no", []models.AIAnswer{{Answer: models.AnswerNo, Confidence: 30}}, RiskBorderline},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			answers := make(map[string]models.AIAnswer)
			for i, a := range tt.answers {
				answers[string(rune('a'+i))] = a
			}
			if got := AssessRisk(answers, nil).Level; got != tt.expected {
				t.Errorf("AssessRisk = %s, expected %s", got, tt.expected)
			}
		})
	}
}

func TestAnalysisCache_TTL(t *testing.T) {
	c := NewAnalysisCache(store.NewMemoryStore(), testCacheConfig())

	tests := []struct {
		name     string
		a        RiskAssessment
		expected time.Duration
	}{
		{"high risk", RiskAssessment{Level: RiskHigh, TrustScore: intPtr(95)}, 7 * 24 * time.Hour},
		{"borderline", RiskAssessment{Level: RiskBorderline, TrustScore: intPtr(95)}, 12 * time.Hour},
		{"low risk trusted", RiskAssessment{Level: RiskLow, TrustScore: intPtr(80)}, 48 * time.Hour},
		{"low risk moderate trust", RiskAssessment{Level: RiskLow, TrustScore: intPtr(50)}, 24 * time.Hour},
		{"low risk low trust", RiskAssessment{Level: RiskLow, TrustScore: intPtr(10)}, 12 * time.Hour},
		{"low risk no trust score", RiskAssessment{Level: RiskLow}, 24 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.TTL(tt.a); got != tt.expected {
				t.Errorf("TTL = %v, expected %v", got, tt.expected)
			}
		})
	}

	// A high-risk outcome is never cached for less time than any low-risk one.
	high := c.TTL(RiskAssessment{Level: RiskHigh})
	for _, score := range []int{0, 40, 70, 100} {
		if low := c.TTL(RiskAssessment{Level: RiskLow, TrustScore: intPtr(score)}); high < low {
			t.Errorf("high-risk TTL %v shorter than low-risk TTL %v (trust %d)", high, low, score)
		}
	}
}

func TestCacheKey(t *testing.T) {
	a := testRequest("user:alice", "q1", "q2")
	b := testRequest("user:alice", "q2", "q1")
	if CacheKey(a) != CacheKey(b) {
		t.Error("question order must not change the cache key")
	}
	if !strings.HasPrefix(CacheKey(a), cacheKeyPrefix) {
		t.Errorf("CacheKey = %q, expected prefix %q", CacheKey(a), cacheKeyPrefix)
	}

	edited := testRequest("user:alice", "q1", "q2")
	edited.Content.Body = "edited body"
	if CacheKey(a) == CacheKey(edited) {
		t.Error("edited content must produce a different key")
	}

	other := testRequest("user:bob", "q1", "q2")
	if CacheKey(a) == CacheKey(other) {
		t.Error("different request keys must produce different cache keys")
	}

	fewer := testRequest("user:alice", "q1")
	if CacheKey(a) == CacheKey(fewer) {
		t.Error("different question sets must produce different cache keys")
	}
}

func TestAnalysisCache_SetGetExpire(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	st := store.NewMemoryStore()
	st.SetClock(func() time.Time { return now })
	c := NewAnalysisCache(st, testCacheConfig())
	c.now = func() time.Time { return now }

	key := CacheKey(testRequest("k", "q1"))
	result := &models.AnalysisResult{
		CorrelationID: "corr-1",
		Provider:      "openai",
		Model:         "gpt-4o-mini",
		PromptVersion: "v2",
		Answers: map[string]models.AIAnswer{
			"q1": {QuestionID: "q1", Answer: models.AnswerNo, Confidence: 90, Reasoning: "no links posted"},
		},
		TokensUsed:       420,
		CostUSD:          0.000735,
		LatencyMs:        812,
		CachedTTLSeconds: 3600,
		RiskLevel:        string(RiskLow),
		Timestamp:        time.Date(2026, 1, 1, 0, 0, 0, 123456789, time.UTC),
	}

	if _, ok, _ := c.Get(ctx, key); ok {
		t.Fatal("empty cache should miss")
	}
	if err := c.Set(ctx, key, result, time.Hour); err != nil {
		t.Fatalf("Set error = %v", err)
	}
	got, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v, expected hit", ok, err)
	}
	if !reflect.DeepEqual(got, result) {
		t.Errorf("Get = %+v, expected %+v", got, result)
	}

	now = now.Add(time.Hour)
	if _, ok, _ := c.Get(ctx, key); ok {
		t.Error("entry past its TTL should miss")
	}
}

func TestAnalysisCache_ExpiredEntryNotEvictedByBackend(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	st := store.NewMemoryStore()
	c := NewAnalysisCache(st, testCacheConfig())
	c.now = func() time.Time { return now }

	key := cacheKeyPrefix + "abc"
	c.Set(ctx, key, &models.AnalysisResult{Provider: "p"}, time.Minute)

	// The backend clock has not moved, but the entry's own expiry has passed.
	now = now.Add(2 * time.Minute)
	if _, ok, _ := c.Get(ctx, key); ok {
		t.Error("entry past expiresAt must be a miss")
	}
	if st.Len() != 0 {
		t.Error("expired entry should be deleted on read")
	}
}

func TestAnalysisCache_CorruptEntry(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	c := NewAnalysisCache(st, testCacheConfig())

	st.Set(ctx, cacheKeyPrefix+"bad", "not json", 0)
	if _, ok, err := c.Get(ctx, cacheKeyPrefix+"bad"); ok || err != nil {
		t.Errorf("corrupt entry Get = %v, %v, expected clean miss", ok, err)
	}
}

func TestAnalysisCache_Invalidate(t *testing.T) {
	ctx := context.Background()
	c := NewAnalysisCache(store.NewMemoryStore(), testCacheConfig())
	key := CacheKey(testRequest("k", "q1"))
	c.Set(ctx, key, &models.AnalysisResult{Provider: "p"}, time.Hour)

	if err := c.Invalidate(ctx, strings.TrimPrefix(key, cacheKeyPrefix)); err != nil {
		t.Fatalf("Invalidate error = %v", err)
	}
	if _, ok, _ := c.Get(ctx, key); ok {
		t.Error("entry should be gone after Invalidate with a bare key")
	}
}
