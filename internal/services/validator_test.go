package services

import (
	"errors"
	"strings"
	"testing"

	"github.com/huangang/modsentry/internal/models"
)

func TestResponseValidator_Strict(t *testing.T) {
	v := NewResponseValidator(200)
	ids := []string{"q1", "q2"}

	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{
			name: "valid",
			raw:  validAnswers("q1", "q2"),
		},
		{
			name: "markdown fence",
			raw:  "```json\n" + validAnswers("q1", "q2") + "\n```",
		},
		{
			name: "surrounding prose",
			raw:  "Here you go:\n" + validAnswers("q1", "q2") + "\nLet me know.",
		},
		{
			name: "lowercase answer normalized",
			raw:  `{"answers":[{"questionId":"q1","answer":"yes","confidence":80,"reasoning":"r"},{"questionId":"q2","answer":"No","confidence":10,"reasoning":"r"}]}`,
		},
		{
			name: "extra question ignored",
			raw:  `{"answers":[{"questionId":"q1","answer":"NO","confidence":80,"reasoning":"r"},{"questionId":"q2","answer":"NO","confidence":10,"reasoning":"r"},{"questionId":"q9","answer":"NO","confidence":10,"reasoning":"r"}]}`,
		},
		{
			name:    "empty",
			raw:     "   ",
			wantErr: "empty response",
		},
		{
			name:    "no json",
			raw:     "I cannot help with that.",
			wantErr: "no JSON object",
		},
		{
			name:    "malformed",
			raw:     `{"answers":[{"questionId":"q1",}]}`,
			wantErr: "malformed JSON",
		},
		{
			name:    "missing question",
			raw:     validAnswers("q1"),
			wantErr: "question q2 has no answer",
		},
		{
			name:    "maybe answer",
			raw:     `{"answers":[{"questionId":"q1","answer":"MAYBE","confidence":80,"reasoning":"r"},{"questionId":"q2","answer":"NO","confidence":10,"reasoning":"r"}]}`,
			wantErr: `answer "MAYBE" is not YES or NO`,
		},
		{
			name:    "confidence out of range",
			raw:     `{"answers":[{"questionId":"q1","answer":"NO","confidence":101,"reasoning":"r"},{"questionId":"q2","answer":"NO","confidence":10,"reasoning":"r"}]}`,
			wantErr: "outside [0,100]",
		},
		{
			name:    "confidence as string",
			raw:     `{"answers":[{"questionId":"q1","answer":"NO","confidence":"80","reasoning":"r"},{"questionId":"q2","answer":"NO","confidence":10,"reasoning":"r"}]}`,
			wantErr: "is not a number",
		},
		{
			name:    "fractional confidence",
			raw:     `{"answers":[{"questionId":"q1","answer":"NO","confidence":80.5,"reasoning":"r"},{"questionId":"q2","answer":"NO","confidence":10,"reasoning":"r"}]}`,
			wantErr: "is not an integer",
		},
		{
			name:    "missing confidence",
			raw:     `{"answers":[{"questionId":"q1","answer":"NO","reasoning":"r"},{"questionId":"q2","answer":"NO","confidence":10,"reasoning":"r"}]}`,
			wantErr: "confidence is missing",
		},
		{
			name:    "duplicate answer",
			raw:     `{"answers":[{"questionId":"q1","answer":"NO","confidence":80,"reasoning":"r"},{"questionId":"q1","answer":"YES","confidence":80,"reasoning":"r"},{"questionId":"q2","answer":"NO","confidence":10,"reasoning":"r"}]}`,
			wantErr: "answered more than once",
		},
		{
			name:    "reasoning too long",
			raw:     `{"answers":[{"questionId":"q1","answer":"NO","confidence":80,"reasoning":"` + strings.Repeat("r", 201) + `"},{"questionId":"q2","answer":"NO","confidence":10,"reasoning":"r"}]}`,
			wantErr: "reasoning exceeds 200 characters",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.Validate(tt.raw, ids, false)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate error = %v, expected nil", err)
				}
				if len(got.Answers) != 2 {
					t.Errorf("len(Answers) = %d, expected 2", len(got.Answers))
				}
				for _, a := range got.Answers {
					if a.Answer != models.AnswerYes && a.Answer != models.AnswerNo {
						t.Errorf("answer %q escaped validation", a.Answer)
					}
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Validate error = %v, expected *ValidationError", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, expected to contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestResponseValidator_Lenient(t *testing.T) {
	v := NewResponseValidator(0)
	ids := []string{"q1", "q2", "q3"}

	raw := `{"answers":[
		{"questionId":"q1","answer":"YES","confidence":75,"reasoning":"spam links"},
		{"questionId":"q2","answer":"PERHAPS","confidence":75,"reasoning":"?"}
	]}`

	got, err := v.Validate(raw, ids, true)
	if err != nil {
		t.Fatalf("lenient Validate error = %v", err)
	}
	if len(got.Answers) != 1 || got.Answers["q1"].Answer != models.AnswerYes {
		t.Errorf("Answers = %+v, expected only q1=YES", got.Answers)
	}
	if strings.Join(got.Missing, ",") != "q2,q3" {
		t.Errorf("Missing = %v, expected [q2 q3]", got.Missing)
	}

	if _, err := v.Validate(raw, ids, false); err == nil {
		t.Error("strict mode should reject a partial answer set")
	}

	none := `{"answers":[{"questionId":"q1","answer":"PERHAPS","confidence":75,"reasoning":"?"}]}`
	if _, err := v.Validate(none, ids, true); err == nil {
		t.Error("lenient mode should still fail when no answer validates")
	}
}
