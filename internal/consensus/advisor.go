package consensus

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/origin-engine/internal/model"
	"github.com/sells-group/origin-engine/pkg/anthropic"
)

// Advisor is an independent opinion on a determination.
type Advisor interface {
	ID() string
	Name() string
	// Configured reports whether the advisor can be asked at all.
	Configured() bool
	// Ask returns the advisor's raw answer to prompt.
	Ask(ctx context.Context, prompt string) (string, error)
}

const advisorSystem = "You are an expert customs compliance analyst."

// AnthropicAdvisor asks a Claude model.
type AnthropicAdvisor struct {
	client      anthropic.Client
	model       string
	temperature float64
}

// NewAnthropicAdvisor creates an advisor. A nil client yields an advisor that
// is always skipped.
func NewAnthropicAdvisor(client anthropic.Client, model string) *AnthropicAdvisor {
	return &AnthropicAdvisor{client: client, model: model, temperature: 0.2}
}

func (a *AnthropicAdvisor) ID() string   { return "anthropic" }
func (a *AnthropicAdvisor) Name() string { return "Anthropic " + a.model }

func (a *AnthropicAdvisor) Configured() bool {
	return a.client != nil && a.model != ""
}

func (a *AnthropicAdvisor) Ask(ctx context.Context, prompt string) (string, error) {
	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       a.model,
		MaxTokens:   512,
		System:      advisorSystem,
		Messages:    []anthropic.Message{{Role: "user", Content: prompt}},
		Temperature: &a.temperature,
	})
	if err != nil {
		return "", eris.Wrap(err, "consensus: anthropic advisor")
	}
	resp.Usage.LogCost(a.model, a.ID())
	return resp.Text(), nil
}

type answer struct {
	decision   string
	confidence float64
	rationale  string
}

// parseAnswer reads an advisor reply. Structured JSON is preferred; free text
// is scanned for a decision word and gets the minimum confidence.
func parseAnswer(text string) answer {
	text = strings.TrimSpace(text)
	if text == "" {
		return answer{decision: model.DecisionInconclusive, confidence: minConfidence, rationale: "Empty response"}
	}

	var obj map[string]any
	if raw := jsonObject(text); raw != "" && json.Unmarshal([]byte(raw), &obj) == nil {
		return answer{
			decision:   decisionOf(firstString(obj, "decision", "result", "choice", "content")),
			confidence: confidenceOf(first(obj, "confidence", "score")),
			rationale:  rationaleOf(obj, raw),
		}
	}
	return answer{decision: decisionOf(text), confidence: minConfidence, rationale: truncate(text, 500)}
}

// jsonObject extracts the outermost {...} span, tolerating code fences.
func jsonObject(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

func decisionOf(s string) string {
	s = strings.ToLower(s)
	switch {
	case strings.Contains(s, "non-conform"):
		return model.DecisionNonConform
	case strings.Contains(s, "conform"):
		return model.DecisionConform
	default:
		return model.DecisionInconclusive
	}
}

func confidenceOf(v any) float64 {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return minConfidence
		}
		f = parsed
	default:
		return minConfidence
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return minConfidence
	}
	return clampScore(f)
}

func rationaleOf(obj map[string]any, raw string) string {
	if s := firstString(obj, "rationale", "reason", "explanation"); s != "" {
		return s
	}
	return truncate(raw, 500)
}

func first(obj map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := obj[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func firstString(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := obj[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
