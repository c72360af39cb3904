package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/huangang/modsentry/internal/config"
	"github.com/huangang/modsentry/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// fakeClient replays scripted completions. Once the script runs out the
// last step repeats.
type fakeClient struct {
	mu      sync.Mutex
	steps   []fakeStep
	calls   int
	prompts []Prompt
	health  error
}

type fakeStep struct {
	text  string
	err   error
	delay time.Duration
}

func (f *fakeClient) Complete(ctx context.Context, p Prompt) (*Completion, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, p)
	step := fakeStep{text: validAnswers("q1")}
	if len(f.steps) > 0 {
		idx := f.calls
		if idx >= len(f.steps) {
			idx = len(f.steps) - 1
		}
		step = f.steps[idx]
	}
	f.calls++
	f.mu.Unlock()

	if step.delay > 0 {
		select {
		case <-time.After(step.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if step.err != nil {
		return nil, step.err
	}
	return &Completion{Text: step.text, PromptTokens: 100, CompletionTokens: 20}, nil
}

func (f *fakeClient) HealthCheck(context.Context) error { return f.health }

func (f *fakeClient) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestProvider(name string, priority int, client ProviderClient) *Provider {
	return &Provider{
		Config: models.LLMConfig{
			Name:               name,
			Provider:           "openai",
			Model:              name + "-model",
			Priority:           priority,
			IsActive:           true,
			CostPerInputToken:  0.000001,
			CostPerOutputToken: 0.000002,
		},
		Client: client,
	}
}

// validAnswers renders a well-formed answer set answering NO to every id.
func validAnswers(ids ...string) string {
	s := `{"answers":[`
	for i, id := range ids {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprintf(`{"questionId":%q,"answer":"NO","confidence":90,"reasoning":"nothing stands out"}`, id)
	}
	return s + `]}`
}

func transientErr(provider string) error {
	return &ProviderError{Provider: provider, Kind: FailureTransient, StatusCode: 503, Err: fmt.Errorf("service unavailable")}
}

func authErr(provider string) error {
	return &ProviderError{Provider: provider, Kind: FailureAuth, StatusCode: 401, Err: fmt.Errorf("bad key")}
}

func testRequest(key string, ids ...string) *models.AnalysisRequest {
	req := &models.AnalysisRequest{
		RequestKey: key,
		Content: &models.CurrentContent{
			ID:        "t3_abc",
			Kind:      "post",
			Subreddit: "golang",
			Title:     "Question about channels",
			Body:      "How do I close a channel safely?",
		},
	}
	for _, id := range ids {
		req.Questions = append(req.Questions, models.AIQuestion{ID: id, Text: "Is " + id + " violated?"})
	}
	return req
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Analysis.ProcessingDeadline = 5 * time.Second
	cfg.Analysis.ProviderTimeout = time.Second
	cfg.Analysis.RetryBaseDelay = time.Millisecond
	cfg.Coalescer.InitialBackoff = 5 * time.Millisecond
	cfg.Coalescer.MaxBackoff = 20 * time.Millisecond
	cfg.Coalescer.MaxWait = 3 * time.Second
	return cfg
}

type recordingNotifier struct {
	mu       sync.Mutex
	budget   []BudgetAlert
	circuits []string
}

func (n *recordingNotifier) NotifyBudgetAlert(_ context.Context, alert BudgetAlert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.budget = append(n.budget, alert)
}

func (n *recordingNotifier) NotifyCircuitOpen(_ context.Context, provider string, _ CircuitRecord) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.circuits = append(n.circuits, provider)
}

func (n *recordingNotifier) thresholds() []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]int, len(n.budget))
	for i, a := range n.budget {
		out[i] = a.Threshold
	}
	return out
}

// newTestDB opens a private in-memory SQLite database with the schema migrated.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&models.LLMConfig{},
		&models.ProviderCall{},
		&models.BudgetArchive{},
		&models.SystemConfig{},
		&models.IMBot{},
		&models.SystemLog{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}
