package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gbassaragh/APEX-sub002/internal/ai"
	"github.com/gbassaragh/APEX-sub002/internal/domain"
)

// maxPromptRunes bounds the document text sent to the model.
const maxPromptRunes = 24000

const validationInstructions = `You review construction and utility project documents for cost estimating.
Reply with JSON only: {"completeness_score": 0-100, "suitable_for_estimation": true|false, "issues": ["..."]}.`

// LLMValidator asks a language model whether a document supports an
// estimate of the requested AACE class.
type LLMValidator struct {
	Generator ai.TextGenerator
	Model     string
}

func (v LLMValidator) Validate(ctx context.Context, parsed *ParsedDocument, class domain.AACEClass) (*ValidationOutcome, error) {
	if v.Generator == nil || !v.Generator.Available() {
		return nil, ai.ErrUnavailable
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Target estimate class: %s\n", strings.ReplaceAll(string(class), "_", " "))
	fmt.Fprintf(&prompt, "Document sections: %d\n\n", len(parsed.Sections))
	prompt.WriteString(truncateRunes(parsed.Text, maxPromptRunes))

	result, err := v.Generator.Generate(ctx, ai.GenerateRequest{
		Model:           v.Model,
		Instructions:    validationInstructions,
		Input:           prompt.String(),
		Temperature:     0,
		MaxOutputTokens: 800,
	})
	if err != nil {
		return nil, fmt.Errorf("generate validation: %w", err)
	}

	raw, err := ai.ExtractJSON(result.Text)
	if err != nil {
		return nil, err
	}
	var decoded struct {
		CompletenessScore     int      `json:"completeness_score"`
		SuitableForEstimation bool     `json:"suitable_for_estimation"`
		Issues                []string `json:"issues"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode validation json: %w", err)
	}

	outcome := &ValidationOutcome{
		CompletenessScore:     min(max(decoded.CompletenessScore, 0), 100),
		SuitableForEstimation: decoded.SuitableForEstimation,
	}
	for _, issue := range decoded.Issues {
		if issue = strings.Join(strings.Fields(issue), " "); issue != "" {
			outcome.Issues = append(outcome.Issues, issue)
		}
	}
	return outcome, nil
}

const narrativeInstructions = `You write the executive summary of a cost estimate in plain prose.
Use at most five sentences. Do not invent figures that are not in the input.`

// LLMNarrator writes the estimate narrative with a language model and falls
// back to Fallback when the model is unavailable or fails.
type LLMNarrator struct {
	Generator ai.TextGenerator
	Model     string
	Fallback  Narrator
}

func (n LLMNarrator) Narrate(ctx context.Context, estimate *domain.Estimate, items []domain.LineItem) (string, error) {
	fallback := n.Fallback
	if fallback == nil {
		fallback = TemplateNarrator{}
	}
	if n.Generator == nil || !n.Generator.Available() {
		return fallback.Narrate(ctx, estimate, items)
	}

	summary, err := TemplateNarrator{}.Narrate(ctx, estimate, items)
	if err != nil {
		return "", err
	}
	var prompt strings.Builder
	prompt.WriteString(summary)
	prompt.WriteString("\n\nTop-level line items:\n")
	for _, item := range items {
		if item.TempParentKey != "" {
			continue
		}
		fmt.Fprintf(&prompt, "- %s %s: %s\n", item.WBSCode, item.Description, item.TotalCost.StringFixed(2))
	}

	result, err := n.Generator.Generate(ctx, ai.GenerateRequest{
		Model:           n.Model,
		Instructions:    narrativeInstructions,
		Input:           prompt.String(),
		Temperature:     0.2,
		MaxOutputTokens: 400,
	})
	if err != nil {
		narrative, fallbackErr := fallback.Narrate(ctx, estimate, items)
		if fallbackErr != nil {
			return "", fallbackErr
		}
		return narrative, fmt.Errorf("generate narrative: %w", err)
	}
	return strings.TrimSpace(result.Text), nil
}

func truncateRunes(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
