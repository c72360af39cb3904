package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/huangang/modsentry/internal/models"
)

// ValidationError lists everything wrong with one provider response.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid provider response: " + strings.Join(e.Problems, "; ")
}

// ValidatedAnswers is the only shape provider output may take past the validator.
type ValidatedAnswers struct {
	Answers map[string]models.AIAnswer
	// Missing is only populated in lenient mode.
	Missing []string
}

type rawAnswerSet struct {
	Answers []rawAnswer `json:"answers"`
}

type rawAnswer struct {
	QuestionID string          `json:"questionId"`
	Answer     string          `json:"answer"`
	Confidence json.RawMessage `json:"confidence"`
	Reasoning  string          `json:"reasoning"`
}

type ResponseValidator struct {
	maxReasoning int
}

func NewResponseValidator(maxReasoningChars int) *ResponseValidator {
	return &ResponseValidator{maxReasoning: maxReasoningChars}
}

// Validate parses raw provider text and checks it against the requested ids.
// Strict mode fails on any problem. Lenient mode keeps the answers that
// validated and reports the rest as missing, failing only if none did.
func (v *ResponseValidator) Validate(raw string, questionIDs []string, lenient bool) (*ValidatedAnswers, error) {
	payload, err := extractJSONObject(raw)
	if err != nil {
		return nil, &ValidationError{Problems: []string{err.Error()}}
	}

	var set rawAnswerSet
	dec := json.NewDecoder(bytes.NewReader(payload))
	if err := dec.Decode(&set); err != nil {
		return nil, &ValidationError{Problems: []string{"malformed JSON: " + err.Error()}}
	}

	requested := make(map[string]bool, len(questionIDs))
	for _, id := range questionIDs {
		requested[id] = true
	}

	var problems []string
	seen := make(map[string]int)
	valid := make(map[string]models.AIAnswer)
	invalid := make(map[string]bool)

	for _, ra := range set.Answers {
		id := strings.TrimSpace(ra.QuestionID)
		if !requested[id] {
			// Answers to questions nobody asked are dropped.
			continue
		}
		seen[id]++
		if seen[id] > 1 {
			problems = append(problems, fmt.Sprintf("question %s answered more than once", id))
			invalid[id] = true
			delete(valid, id)
			continue
		}

		answer, errs := v.checkAnswer(id, ra)
		if len(errs) > 0 {
			problems = append(problems, errs...)
			invalid[id] = true
			continue
		}
		valid[id] = answer
	}

	var missing []string
	for _, id := range questionIDs {
		if _, ok := valid[id]; ok {
			continue
		}
		missing = append(missing, id)
		if seen[id] == 0 {
			problems = append(problems, fmt.Sprintf("question %s has no answer", id))
		}
	}

	if len(problems) == 0 {
		return &ValidatedAnswers{Answers: valid}, nil
	}
	if lenient && len(valid) > 0 {
		return &ValidatedAnswers{Answers: valid, Missing: missing}, nil
	}
	return nil, &ValidationError{Problems: problems}
}

func (v *ResponseValidator) checkAnswer(id string, ra rawAnswer) (models.AIAnswer, []string) {
	var errs []string

	answer := models.AnswerValue(strings.ToUpper(strings.TrimSpace(ra.Answer)))
	if answer != models.AnswerYes && answer != models.AnswerNo {
		errs = append(errs, fmt.Sprintf("question %s: answer %q is not YES or NO", id, ra.Answer))
	}

	confidence, err := parseConfidence(ra.Confidence)
	if err != nil {
		errs = append(errs, fmt.Sprintf("question %s: %v", id, err))
	}

	reasoning := strings.TrimSpace(ra.Reasoning)
	if v.maxReasoning > 0 && utf8.RuneCountInString(reasoning) > v.maxReasoning {
		errs = append(errs, fmt.Sprintf("question %s: reasoning exceeds %d characters", id, v.maxReasoning))
	}

	return models.AIAnswer{
		QuestionID: id,
		Answer:     answer,
		Confidence: confidence,
		Reasoning:  reasoning,
	}, errs
}

// parseConfidence accepts only a bare JSON number with an integral value in [0,100].
func parseConfidence(raw json.RawMessage) (int, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return 0, fmt.Errorf("confidence is missing")
	}
	if strings.HasPrefix(s, `"`) {
		return 0, fmt.Errorf("confidence %s is not a number", s)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("confidence %s is not a number", s)
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("confidence %s is not an integer", s)
	}
	if f < 0 || f > 100 {
		return 0, fmt.Errorf("confidence %s is outside [0,100]", s)
	}
	return int(f), nil
}

// extractJSONObject strips markdown fences and surrounding prose around a
// single JSON object.
func extractJSONObject(raw string) ([]byte, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("empty response")
	}
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```JSON")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON object in response")
	}
	return []byte(s[start : end+1]), nil
}
