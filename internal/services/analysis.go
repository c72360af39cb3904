package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/huangang/modsentry/internal/config"
	"github.com/huangang/modsentry/internal/models"
	"github.com/huangang/modsentry/pkg/logger"
	"github.com/rs/zerolog"
)

const (
	lockAcquireRounds = 2
	releaseTimeout    = 5 * time.Second
)

// AnalysisComponents are the collaborators the orchestrator sequences.
type AnalysisComponents struct {
	Sanitizer *ContentSanitizer
	Prompts   *PromptBuilder
	Validator *ResponseValidator
	Breaker   *CircuitBreaker
	Coalescer *RequestCoalescer
	Budget    *BudgetTracker
	Selector  *ProviderSelector
	Cache     *AnalysisCache
	Usage     *UsageLedger
}

// AnalysisService is the single entry point for analysis. It never returns
// a raw error: every failure becomes an Unavailable outcome.
type AnalysisService struct {
	AnalysisComponents
	cfg     config.AnalysisConfig
	retry   RetryPolicy
	lockTTL time.Duration
}

func NewAnalysisService(cfg config.AnalysisConfig, lockTTL time.Duration, c AnalysisComponents) *AnalysisService {
	return &AnalysisService{
		AnalysisComponents: c,
		cfg:                cfg,
		retry:              NewRetryPolicy(cfg),
		lockTTL:            lockTTL,
	}
}

// Analyze answers the request's questions or explains why it cannot.
func (s *AnalysisService) Analyze(ctx context.Context, req *models.AnalysisRequest) (out Outcome) {
	start := time.Now()
	if req.CorrelationID == "" {
		req.CorrelationID = logger.NewCorrelationID()
	}
	log := logger.WithCorrelation(req.CorrelationID)

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("[Analysis] recovered panic")
			out = unavailableOutcome(req.CorrelationID, ReasonInternal, "internal error")
		}
		recordOutcome(out, time.Since(start).Seconds())
	}()

	if err := validateRequest(req); err != nil {
		return unavailableOutcome(req.CorrelationID, ReasonInvalidRequest, err.Error())
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ProcessingDeadline)
	defer cancel()

	has, err := s.Selector.HasProviders(ctx)
	if err != nil {
		log.Error().Err(err).Msg("[Analysis] failed to load providers")
		return unavailableOutcome(req.CorrelationID, ReasonInternal, "provider configuration unavailable")
	}
	if !has {
		return unavailableOutcome(req.CorrelationID, ReasonNoProviders, ErrNoProviders.Error())
	}

	key := CacheKey(req)
	if result, ok := s.lookup(ctx, key, log); ok {
		log.Debug().Msgf("[Analysis] cache hit for %s", req.RequestKey)
		return Outcome{Result: result, Cached: true}
	}

	for round := 0; round < lockAcquireRounds; round++ {
		owns, err := s.Coalescer.AcquireLock(ctx, key, req.CorrelationID, s.lockTTL)
		if err != nil {
			log.Error().Err(err).Msg("[Analysis] lock acquisition failed")
			return unavailableOutcome(req.CorrelationID, ReasonInternal, "coordination store unavailable")
		}
		if owns {
			return s.runAsOwner(ctx, key, req, log)
		}

		log.Debug().Msgf("[Analysis] %s already in flight, waiting", req.RequestKey)
		result, unavailable, err := s.Coalescer.Wait(ctx, key, func(ctx context.Context) (*models.AnalysisResult, bool) {
			return s.lookup(ctx, key, log)
		})
		if result != nil {
			if len(result.MissingQuestionIDs) > 0 && !req.Lenient {
				return unavailableOutcome(req.CorrelationID, ReasonValidation, "in-flight analysis returned an incomplete answer set")
			}
			return Outcome{Result: result, Coalesced: true}
		}
		if unavailable != nil {
			u := *unavailable
			u.CorrelationID = req.CorrelationID
			return Outcome{Unavailable: &u, Coalesced: true}
		}
		if !errors.Is(err, ErrLockReleased) {
			break
		}
	}
	return unavailableOutcome(req.CorrelationID, ReasonTimeout, "no result from in-flight analysis")
}

// ProcessTask runs a queued analysis. Failures that a later attempt could
// fix are returned so the queue retries them.
func (s *AnalysisService) ProcessTask(ctx context.Context, task *AnalysisTask) error {
	out := s.Analyze(ctx, &task.Request)
	if out.OK() {
		logger.Infof("[Analysis] async task %s done (cached=%v)", task.Request.CorrelationID, out.Cached)
		return nil
	}
	switch out.Unavailable.Reason {
	case ReasonTimeout, ReasonProvidersUnavailable, ReasonInternal:
		return out.Unavailable
	}
	logger.Warnf("[Analysis] async task %s dropped: %s", task.Request.CorrelationID, out.Unavailable.Reason)
	return nil
}

// BudgetStatus exposes the budget snapshot to collaborators.
func (s *AnalysisService) BudgetStatus(ctx context.Context) (*BudgetState, error) {
	return s.Budget.Status(ctx)
}

// InvalidateCache drops a cached result.
func (s *AnalysisService) InvalidateCache(ctx context.Context, key string) error {
	return s.Cache.Invalidate(ctx, key)
}

func (s *AnalysisService) lookup(ctx context.Context, key string, log zerolog.Logger) (*models.AnalysisResult, bool) {
	result, ok, err := s.Cache.Get(ctx, key)
	if err != nil {
		log.Warn().Err(err).Msg("[Analysis] cache read failed")
		return nil, false
	}
	return result, ok
}

// runAsOwner computes on a context detached from the caller, so a caller
// that gives up does not cancel work other callers are waiting on.
func (s *AnalysisService) runAsOwner(ctx context.Context, key string, req *models.AnalysisRequest, log zerolog.Logger) Outcome {
	ownerCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ProcessingDeadline)
	done := make(chan Outcome, 1)

	go func() {
		defer cancel()
		done <- s.compute(ownerCtx, key, req, log)
	}()

	select {
	case out := <-done:
		return out
	case <-ctx.Done():
		log.Warn().Msg("[Analysis] caller deadline elapsed, computation continues in background")
		return unavailableOutcome(req.CorrelationID, ReasonTimeout, "processing deadline elapsed")
	}
}

func (s *AnalysisService) compute(ctx context.Context, key string, req *models.AnalysisRequest, log zerolog.Logger) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("[Analysis] recovered panic in owner")
			out = unavailableOutcome(req.CorrelationID, ReasonInternal, "internal error")
		}
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		switch {
		case out.Unavailable != nil:
			if err := s.Coalescer.PublishFailure(bg, key, out.Unavailable); err != nil {
				log.Warn().Err(err).Msg("[Analysis] failed to publish failure marker")
			}
		case out.Result != nil && len(out.Result.MissingQuestionIDs) > 0:
			if err := s.Coalescer.PublishPartial(bg, key, out.Result); err != nil {
				log.Warn().Err(err).Msg("[Analysis] failed to publish partial result")
			}
		}
		if err := s.Coalescer.ReleaseLock(bg, key, req.CorrelationID); err != nil {
			log.Warn().Err(err).Msg("[Analysis] failed to release lock")
		}
	}()

	// Another owner may have finished between our cache miss and the lock.
	if result, ok := s.lookup(ctx, key, log); ok {
		return Outcome{Result: result, Cached: true}
	}

	req.SanitizedContext = s.Sanitizer.BuildContext(req)
	version := s.Prompts.VersionFor(req.RequestKey)
	prompt, err := s.Prompts.Build(req, version)
	if err != nil {
		log.Error().Err(err).Msg("[Analysis] prompt build failed")
		return unavailableOutcome(req.CorrelationID, ReasonInternal, "prompt build failed")
	}

	return s.callWithFailover(ctx, key, req, prompt, log)
}

type attemptResult struct {
	validated  *ValidatedAnswers
	completion *Completion
	costUSD    float64
}

func (s *AnalysisService) callWithFailover(ctx context.Context, key string, req *models.AnalysisRequest, prompt Prompt, log zerolog.Logger) Outcome {
	start := time.Now()
	excluded := make(map[string]bool)
	attempts := 0
	totalCost := 0.0
	var lastErr error

	for attempts < s.retry.MaxAttempts {
		provider, err := s.Selector.Select(ctx, req.RequestKey, excluded)
		if err != nil {
			if !errors.Is(err, ErrProvidersExhausted) && !errors.Is(err, ErrNoProviders) {
				lastErr = err
			}
			break
		}

		for retries := 0; ; retries++ {
			estimate := s.estimateCost(provider, prompt, len(req.Questions))
			reservation, err := s.Budget.Reserve(ctx, estimate)
			if err != nil {
				log.Error().Err(err).Msg("[Analysis] budget check failed")
				return unavailableOutcome(req.CorrelationID, ReasonInternal, "budget state unavailable")
			}
			if reservation == nil {
				budgetRejectionsTotal.Inc()
				log.Warn().Msgf("[Analysis] estimate $%.6f for %s does not fit the budget", estimate, provider.Name())
				return unavailableOutcome(req.CorrelationID, ReasonBudget, ErrBudgetExceeded.Error())
			}

			attempts++
			res, err := s.attempt(ctx, provider, prompt, req, attempts, log)
			// attempt has recorded the actual cost by now.
			s.Budget.Release(ctx, reservation)
			totalCost += res.costUSD
			if err == nil {
				return s.finish(ctx, key, req, provider, prompt, res, totalCost, start, log)
			}

			lastErr = err
			if errors.Is(err, ErrCircuitOpen) {
				// No call was made.
				attempts--
				break
			}
			if ctx.Err() != nil {
				return unavailableOutcome(req.CorrelationID, ReasonTimeout, "processing deadline elapsed")
			}
			if attempts >= s.retry.MaxAttempts || !s.retry.ShouldRetrySameProvider(err, retries) {
				break
			}
			if err := s.retry.Wait(ctx, retries); err != nil {
				return unavailableOutcome(req.CorrelationID, ReasonTimeout, "processing deadline elapsed")
			}
		}
		excluded[provider.Name()] = true
	}

	reason := ReasonProvidersUnavailable
	msg := ErrProvidersExhausted.Error()
	var ve *ValidationError
	if errors.As(lastErr, &ve) {
		reason = ReasonValidation
	}
	if lastErr != nil {
		msg = lastErr.Error()
	}
	log.Warn().Msgf("[Analysis] giving up after %d attempts: %s", attempts, msg)
	return unavailableOutcome(req.CorrelationID, reason, msg)
}

// attempt makes one provider call under the circuit breaker, then records
// its cost and usage whether or not the response validated.
func (s *AnalysisService) attempt(ctx context.Context, provider *Provider, prompt Prompt, req *models.AnalysisRequest, attemptNo int, log zerolog.Logger) (attemptResult, error) {
	var res attemptResult
	name := provider.Name()
	start := time.Now()

	err := s.Breaker.Execute(ctx, name, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
		defer cancel()

		completion, err := provider.Client.Complete(callCtx, prompt)
		if err != nil {
			return classifyProviderError(name, err)
		}
		res.completion = completion

		validated, err := s.Validator.Validate(completion.Text, req.QuestionIDs(), req.Lenient)
		if err != nil {
			return err
		}
		res.validated = validated
		return nil
	})
	if errors.Is(err, ErrCircuitOpen) {
		log.Info().Msgf("[Analysis] circuit open for %s, skipping", name)
		return res, err
	}

	latency := time.Since(start)
	var inTokens, outTokens int
	if c := res.completion; c != nil {
		inTokens, outTokens = c.PromptTokens, c.CompletionTokens
		res.costUSD = provider.Config.EstimateCostUSD(inTokens, outTokens)
		if res.costUSD > 0 {
			if rerr := s.Budget.RecordCost(ctx, CostRecord{Provider: name, CostUSD: res.costUSD, CorrelationID: req.CorrelationID}); rerr != nil {
				log.Error().Err(rerr).Msg("[Analysis] failed to record cost")
			}
		}
	}

	status := "success"
	call := &models.ProviderCall{
		CorrelationID:    req.CorrelationID,
		RequestKey:       req.RequestKey,
		LLMConfigID:      provider.Config.ID,
		Provider:         name,
		Model:            provider.Config.Model,
		PromptVersion:    prompt.Version,
		Attempt:          attemptNo,
		PromptTokens:     inTokens,
		CompletionTokens: outTokens,
		CostUSD:          res.costUSD,
		LatencyMs:        latency.Milliseconds(),
		Success:          err == nil,
		CreatedAt:        time.Now(),
	}
	if err != nil {
		kind := failureKindOf(err)
		status = string(kind)
		call.FailureKind = string(kind)
		call.ErrorMessage = truncateRunes(err.Error(), 500)
		log.Warn().Msgf("[Analysis] attempt %d on %s failed (%s): %v", attemptNo, name, kind, err)
	} else {
		log.Info().Msgf("[Analysis] attempt %d on %s succeeded in %dms", attemptNo, name, latency.Milliseconds())
	}
	recordProviderCall(name, status, latency.Seconds(), inTokens, outTokens, res.costUSD)
	s.Usage.Record(call)

	return res, err
}

func (s *AnalysisService) finish(ctx context.Context, key string, req *models.AnalysisRequest, provider *Provider, prompt Prompt, res attemptResult, totalCost float64, start time.Time, log zerolog.Logger) Outcome {
	model := res.completion.Model
	if model == "" {
		model = provider.Config.Model
	}

	risk := AssessRisk(res.validated.Answers, req.TrustScore)
	ttl := s.Cache.TTL(risk)

	result := &models.AnalysisResult{
		CorrelationID:      req.CorrelationID,
		Provider:           provider.Name(),
		Model:              model,
		PromptVersion:      prompt.Version,
		Answers:            res.validated.Answers,
		MissingQuestionIDs: res.validated.Missing,
		TokensUsed:         res.completion.PromptTokens + res.completion.CompletionTokens,
		CostUSD:            totalCost,
		LatencyMs:          time.Since(start).Milliseconds(),
		CachedTTLSeconds:   int64(ttl.Seconds()),
		RiskLevel:          string(risk.Level),
		Timestamp:          time.Now().UTC(),
	}

	// A partial answer set is never cached, so a strict caller cannot be
	// served it later. Waiters get it through the coalescer's marker.
	if len(result.MissingQuestionIDs) == 0 {
		if err := s.Cache.Set(ctx, key, result, ttl); err != nil {
			log.Warn().Err(err).Msg("[Analysis] cache write failed")
		}
	} else {
		result.CachedTTLSeconds = 0
	}

	log.Info().Msgf("[Analysis] %s answered by %s: risk=%s ttl=%s cost=$%.6f", req.RequestKey, provider.Name(), risk.Level, ttl, totalCost)
	return resultOutcome(result)
}

// estimateCost prices the prompt at ~4 chars per token plus an output
// allowance per question.
func (s *AnalysisService) estimateCost(provider *Provider, prompt Prompt, questions int) float64 {
	return provider.Config.EstimateCostUSD(prompt.EstimatedTokens(), questions*s.cfg.OutputTokensPerQ)
}

func validateRequest(req *models.AnalysisRequest) error {
	if strings.TrimSpace(req.RequestKey) == "" {
		return fmt.Errorf("%w: requestKey is required", ErrInvalidRequest)
	}
	if len(req.Questions) == 0 {
		return fmt.Errorf("%w: at least one question is required", ErrInvalidRequest)
	}
	seen := make(map[string]bool, len(req.Questions))
	for _, q := range req.Questions {
		if strings.TrimSpace(q.ID) == "" || strings.TrimSpace(q.Text) == "" {
			return fmt.Errorf("%w: every question needs an id and text", ErrInvalidRequest)
		}
		if seen[q.ID] {
			return fmt.Errorf("%w: duplicate question id %q", ErrInvalidRequest, q.ID)
		}
		seen[q.ID] = true
	}
	return nil
}
