package services

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/huangang/modsentry/internal/config"
	"github.com/huangang/modsentry/internal/models"
	"github.com/huangang/modsentry/internal/store"
	"github.com/huangang/modsentry/pkg/logger"
	"golang.org/x/crypto/blake2b"
)

const cacheKeyPrefix = "analysis:cache:"

type RiskLevel string

const (
	RiskHigh       RiskLevel = "high"
	RiskBorderline RiskLevel = "borderline"
	RiskLow        RiskLevel = "low"
)

const (
	highRiskConfidence = 70
	lowConfidence      = 50
	highTrustScore     = 70
	lowTrustScore      = 40
)

// RiskAssessment is the input of the TTL policy.
type RiskAssessment struct {
	Level RiskLevel
	// TrustScore is nil when the caller supplied none.
	TrustScore *int
}

// AssessRisk classifies a validated answer set. Questions are phrased so
// that YES means a suspected violation.
func AssessRisk(answers map[string]models.AIAnswer, trustScore *int) RiskAssessment {
	level := RiskLow
	for _, a := range answers {
		if a.Answer == models.AnswerYes && a.Confidence >= highRiskConfidence {
			level = RiskHigh
			break
		}
		if a.Answer == models.AnswerYes || a.Confidence < lowConfidence {
			level = RiskBorderline
		}
	}
	return RiskAssessment{Level: level, TrustScore: trustScore}
}

type cacheEntry struct {
	Result    *models.AnalysisResult `json:"result"`
	ExpiresAt time.Time              `json:"expiresAt"`
}

// AnalysisCache stores results with a TTL chosen from the outcome's risk.
type AnalysisCache struct {
	store store.Store
	cfg   config.CacheConfig
	now   func() time.Time
}

func NewAnalysisCache(st store.Store, cfg config.CacheConfig) *AnalysisCache {
	return &AnalysisCache{store: st, cfg: cfg, now: time.Now}
}

// TTL is a pure function of the assessment. A high-risk outcome never gets
// a shorter TTL than a low-risk one.
func (c *AnalysisCache) TTL(a RiskAssessment) time.Duration {
	switch a.Level {
	case RiskHigh:
		return c.cfg.HighRiskTTL
	case RiskBorderline:
		return c.cfg.BorderlineTTL
	}
	switch {
	case a.TrustScore == nil:
		return c.cfg.ModerateTTL
	case *a.TrustScore >= highTrustScore:
		return c.cfg.BenignTTL
	case *a.TrustScore >= lowTrustScore:
		return c.cfg.ModerateTTL
	default:
		return c.cfg.BorderlineTTL
	}
}

// ContentFingerprint hashes the content under analysis so an edited post
// does not hit a stale entry.
func ContentFingerprint(req *models.AnalysisRequest) string {
	h, _ := blake2b.New256(nil)
	if c := req.Content; c != nil {
		for _, part := range []string{c.ID, c.Kind, c.Subreddit, c.Title, c.Body, c.URL} {
			h.Write([]byte(part))
			h.Write([]byte{0})
		}
	}
	h.Write([]byte(req.SubredditContext))
	return hex.EncodeToString(h.Sum(nil))
}

// CacheKey derives the entry key from the request key, the sorted question
// ids and the content fingerprint.
func CacheKey(req *models.AnalysisRequest) string {
	ids := req.QuestionIDs()
	sort.Strings(ids)
	material := strings.Join([]string{req.RequestKey, strings.Join(ids, ","), ContentFingerprint(req)}, "\x00")
	sum := blake2b.Sum256([]byte(material))
	return cacheKeyPrefix + hex.EncodeToString(sum[:])
}

// Get returns the cached result. An entry past expiresAt is a miss even if
// the backend has not evicted it yet.
func (c *AnalysisCache) Get(ctx context.Context, key string) (*models.AnalysisResult, bool, error) {
	raw, err := c.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		cacheLookupsTotal.WithLabelValues("miss").Inc()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var entry cacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil || entry.Result == nil {
		logger.Warnf("[Cache] dropping undecodable entry %s", shortKey(key))
		_ = c.store.Del(ctx, key)
		cacheLookupsTotal.WithLabelValues("miss").Inc()
		return nil, false, nil
	}
	if !c.now().Before(entry.ExpiresAt) {
		_ = c.store.Del(ctx, key)
		cacheLookupsTotal.WithLabelValues("expired").Inc()
		return nil, false, nil
	}

	cacheLookupsTotal.WithLabelValues("hit").Inc()
	return entry.Result, true, nil
}

func (c *AnalysisCache) Set(ctx context.Context, key string, result *models.AnalysisResult, ttl time.Duration) error {
	b, err := json.Marshal(cacheEntry{Result: result, ExpiresAt: c.now().Add(ttl)})
	if err != nil {
		return err
	}
	return c.store.Set(ctx, key, string(b), ttl)
}

// Invalidate removes an entry. Keys without the prefix are accepted.
func (c *AnalysisCache) Invalidate(ctx context.Context, key string) error {
	if !strings.HasPrefix(key, cacheKeyPrefix) {
		key = cacheKeyPrefix + key
	}
	return c.store.Del(ctx, key)
}

func shortKey(key string) string {
	key = strings.TrimPrefix(key, cacheKeyPrefix)
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
