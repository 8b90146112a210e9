package evaluator

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/fyrsmithlabs/overseer/internal/store"
)

// ErrNoObject is returned when the output holds no JSON object.
var ErrNoObject = errors.New("no JSON object in evaluator output")

// ErrMissingScore is returned when the object lacks progressScore.
var ErrMissingScore = errors.New("evaluator output has no progressScore")

// response is the one schema evaluator turns are asked to produce.
type response struct {
	ProgressScore       *float64         `json:"progressScore"`
	Assessment          string           `json:"assessment"`
	CriteriaStatus      []criterionReply `json:"criteriaStatus"`
	ShouldContinue      *bool            `json:"shouldContinue"`
	SuggestedNextAction string           `json:"suggestedNextAction"`
}

type criterionReply struct {
	Met   bool   `json:"met"`
	Notes string `json:"notes"`
}

// ExtractObject returns the outermost {...} span of text, the one shape
// every structured agent reply is read from.
func ExtractObject(text string) (string, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return "", ErrNoObject
	}
	return text[start : end+1], nil
}

func decodeResponse(text string) (*response, error) {
	obj, err := ExtractObject(text)
	if err != nil {
		return nil, err
	}
	var r response
	if err := json.Unmarshal([]byte(obj), &r); err != nil {
		return nil, fmt.Errorf("decoding evaluator verdict: %w", err)
	}
	if r.ProgressScore == nil {
		return nil, ErrMissingScore
	}
	return &r, nil
}

// Clamp rounds a score into [0,100].
func Clamp(score float64) int {
	if math.IsNaN(score) {
		return 0
	}
	s := int(math.Round(score))
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

// criteriaFrom pairs replies with criteria by position. Criteria the reply
// does not cover stay unmet.
func criteriaFrom(criteria []string, replies []criterionReply) []store.CriterionStatus {
	out := make([]store.CriterionStatus, len(criteria))
	for i, c := range criteria {
		out[i] = store.CriterionStatus{Criterion: c}
		if i < len(replies) {
			out[i].Met = replies[i].Met
			out[i].Notes = replies[i].Notes
		}
	}
	return out
}

// Decode parses a goal verdict. A missing shouldContinue is read as true.
func Decode(text string, criteria []string, now time.Time) (store.Evaluation, error) {
	r, err := decodeResponse(text)
	if err != nil {
		return store.Evaluation{}, err
	}
	cont := true
	if r.ShouldContinue != nil {
		cont = *r.ShouldContinue
	}
	return store.Evaluation{
		Score:               Clamp(*r.ProgressScore),
		Assessment:          r.Assessment,
		Criteria:            criteriaFrom(criteria, r.CriteriaStatus),
		ShouldContinue:      cont,
		SuggestedNextAction: r.SuggestedNextAction,
		EvaluatedAt:         now,
	}, nil
}

// DecodeScore parses a plan's final verdict, which carries no continue or
// next-action fields.
func DecodeScore(text string, criteria []string, now time.Time) (store.Evaluation, error) {
	r, err := decodeResponse(text)
	if err != nil {
		return store.Evaluation{}, err
	}
	return store.Evaluation{
		Score:       Clamp(*r.ProgressScore),
		Assessment:  r.Assessment,
		Criteria:    criteriaFrom(criteria, r.CriteriaStatus),
		EvaluatedAt: now,
	}, nil
}

// Fallback is the verdict used when a turn fails or its output cannot be
// decoded: score 0, every criterion unmet, and keep going.
func Fallback(criteria []string, cause error, now time.Time) store.Evaluation {
	return store.Evaluation{
		Score:          0,
		Assessment:     fmt.Sprintf("evaluation unavailable: %v", cause),
		Criteria:       criteriaFrom(criteria, nil),
		ShouldContinue: true,
		Fallback:       true,
		EvaluatedAt:    now,
	}
}
