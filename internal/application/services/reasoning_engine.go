package services

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/entities"
	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/providers"
	"github.com/zatekoja/clinicalanalysis/backend/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/clinicalanalysis/backend/pkg/errors"
)

const (
	defaultReasoningConfidence = 0.5
	malformedConfidenceFactor  = 0.5
	timeoutConfidenceCap       = 0.2
)

// ReasoningRequest is the input to one reasoning generation
type ReasoningRequest struct {
	Bundle    *entities.PatientBundle
	QueryType entities.QueryType
	Question  string
	Specialty string
	Risk      entities.RiskScoreSet
	Adapters  []SpecialtyAdapter
	Evidence  []entities.EvidenceItem
}

// ReasoningOutput is the parsed generation result
type ReasoningOutput struct {
	Steps           []string
	Answer          string
	Recommendations []string
	Confidence      float64
	Malformed       bool
	TimedOut        bool
	Degraded        bool
	Err             error
}

// ReasoningEngine drives the generation service with a structured prompt
type ReasoningEngine struct {
	generator providers.GenerationProvider
}

// NewReasoningEngine creates a reasoning engine. generator may be nil, in which
// case every call degrades.
func NewReasoningEngine(generator providers.GenerationProvider) *ReasoningEngine {
	return &ReasoningEngine{generator: generator}
}

// GenerateReasoning invokes the generation service once and parses the reply.
// It never fails: timeouts and malformed output lower the confidence instead.
func (e *ReasoningEngine) GenerateReasoning(ctx context.Context, req ReasoningRequest) ReasoningOutput {
	ctx, span := observability.StartSpan(ctx, "reasoning.generate")
	defer span.End()

	if e.generator == nil {
		return ReasoningOutput{Degraded: true, Err: apperrors.NewExternalError("generation service not configured", nil)}
	}

	text, err := e.generator.Complete(ctx, buildReasoningPrompt(req))
	if err != nil {
		observability.RecordError(span, err)
		if isTimeout(ctx, err) {
			out := parseReasoning(text)
			out.Answer = ""
			out.Recommendations = nil
			if len(out.Steps) > 0 {
				out.Confidence = timeoutConfidenceCap
			} else {
				out.Confidence = 0
			}
			out.TimedOut = true
			out.Err = apperrors.NewReasoningTimeoutError("generation service did not answer in time", err)
			return out
		}
		return ReasoningOutput{Degraded: true, Err: apperrors.NewExternalError("generation service failed", err)}
	}

	out := parseReasoning(text)
	if len(out.Steps) == 0 && out.Answer == "" {
		out.Degraded = true
		out.Confidence = 0
	}
	return out
}

func isTimeout(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, apperrors.ErrReasoningTimeout) ||
		errors.Is(ctx.Err(), context.DeadlineExceeded)
}

type reasoningPayload struct {
	Steps           []string `json:"steps"`
	Answer          string   `json:"answer"`
	Recommendations []string `json:"recommendations"`
	Confidence      *float64 `json:"confidence"`
}

// parseReasoning decodes the JSON reply, falling back to a line parser on malformed output.
func parseReasoning(text string) ReasoningOutput {
	cleaned := stripCodeFence(text)
	if cleaned == "" {
		return ReasoningOutput{Malformed: true}
	}

	var payload reasoningPayload
	if err := json.Unmarshal([]byte(cleaned), &payload); err == nil {
		conf := defaultReasoningConfidence
		if payload.Confidence != nil {
			conf = clamp01(*payload.Confidence)
		}
		return ReasoningOutput{
			Steps:           nonEmpty(payload.Steps),
			Answer:          strings.TrimSpace(payload.Answer),
			Recommendations: nonEmpty(payload.Recommendations),
			Confidence:      conf,
		}
	}

	out := parseReasoningLines(cleaned)
	out.Malformed = true
	out.Confidence = defaultReasoningConfidence * malformedConfidenceFactor
	return out
}

var (
	stepLinePattern   = regexp.MustCompile(`^(?i)(?:step\s*\d+\s*[:.)-]|\d+\s*[.)])\s*(.+)$`)
	answerLinePattern = regexp.MustCompile(`^(?i)(?:final\s+)?answer\s*:\s*(.+)$`)
	recLinePattern    = regexp.MustCompile(`^(?i)recommendation\s*\d*\s*:\s*(.+)$`)
	bulletPattern     = regexp.MustCompile(`^[-*•]\s+(.+)$`)
)

func parseReasoningLines(text string) ReasoningOutput {
	var out ReasoningOutput
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		switch {
		case answerLinePattern.MatchString(line):
			out.Answer = strings.TrimSpace(answerLinePattern.FindStringSubmatch(line)[1])
		case recLinePattern.MatchString(line):
			out.Recommendations = append(out.Recommendations, strings.TrimSpace(recLinePattern.FindStringSubmatch(line)[1]))
		case stepLinePattern.MatchString(line):
			out.Steps = append(out.Steps, strings.TrimSpace(stepLinePattern.FindStringSubmatch(line)[1]))
		case bulletPattern.MatchString(line) && out.Answer == "":
			out.Steps = append(out.Steps, strings.TrimSpace(bulletPattern.FindStringSubmatch(line)[1]))
		}
	}
	return out
}

func stripCodeFence(text string) string {
	cleaned := strings.TrimSpace(text)
	if strings.HasPrefix(cleaned, "```") {
		cleaned = strings.TrimPrefix(cleaned, "```json")
		cleaned = strings.TrimPrefix(cleaned, "```")
		cleaned = strings.TrimSuffix(strings.TrimSpace(cleaned), "```")
	}
	return strings.TrimSpace(cleaned)
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
