package worker

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gbassaragh/APEX-sub002/internal/ai"
	"github.com/gbassaragh/APEX-sub002/internal/domain"
)

type scriptedGenerator struct {
	text      string
	err       error
	available bool
	requests  []ai.GenerateRequest
}

func (g *scriptedGenerator) Available() bool { return g.available }

func (g *scriptedGenerator) Generate(_ context.Context, request ai.GenerateRequest) (ai.GenerateResult, error) {
	g.requests = append(g.requests, request)
	if g.err != nil {
		return ai.GenerateResult{}, g.err
	}
	return ai.GenerateResult{Text: g.text, ModelID: request.Model}, nil
}

func TestLLMValidatorParsesModelOutput(t *testing.T) {
	generator := &scriptedGenerator{
		available: true,
		text:      "```json\n{\"completeness_score\": 140, \"suitable_for_estimation\": true, \"issues\": [\"  missing   drawings \", \"\"]}\n```",
	}
	validator := LLMValidator{Generator: generator, Model: "gpt-4.1-mini"}

	outcome, err := validator.Validate(context.Background(), &ParsedDocument{
		Text:     "scope of work",
		Sections: []string{"scope of work"},
	}, domain.AACEClass2)
	require.NoError(t, err)
	assert.Equal(t, 100, outcome.CompletenessScore)
	assert.True(t, outcome.SuitableForEstimation)
	assert.Equal(t, []string{"missing drawings"}, outcome.Issues)

	require.Len(t, generator.requests, 1)
	assert.Equal(t, "gpt-4.1-mini", generator.requests[0].Model)
	assert.Contains(t, generator.requests[0].Input, "class 2")
}

func TestLLMValidatorErrors(t *testing.T) {
	parsed := &ParsedDocument{Text: "scope"}

	_, err := LLMValidator{Generator: &scriptedGenerator{}}.Validate(context.Background(), parsed, domain.AACEClass4)
	assert.ErrorIs(t, err, ai.ErrUnavailable)

	_, err = LLMValidator{Generator: &scriptedGenerator{available: true, text: "looks fine to me"}}.Validate(context.Background(), parsed, domain.AACEClass4)
	assert.Error(t, err)

	_, err = LLMValidator{Generator: &scriptedGenerator{available: true, err: errors.New("502")}}.Validate(context.Background(), parsed, domain.AACEClass4)
	assert.ErrorContains(t, err, "generate validation")
}

func TestDocumentValidationWithUnavailableModelGoesToManualReview(t *testing.T) {
	e, documents := documentEngine(t, LLMValidator{Generator: &scriptedGenerator{available: true, err: errors.New("gateway timeout")}})
	documents.Put(Document{ID: "doc-1", Type: "scope"}, []byte("scope quantity schedule location"))

	jobID, err := e.jobs.Submit(context.Background(), domain.JobTypeDocumentValidation, documentPayload, "user-1")
	require.NoError(t, err)
	status := e.status(t, jobID)
	require.Equal(t, domain.JobStatusCompleted, status.Status, status.ErrorMessage)
	result, ok := status.Result.(domain.DocumentValidationResult)
	require.True(t, ok)
	assert.Equal(t, domain.ValidationStatusManualReview, result.ValidationStatus)
}

func TestLLMNarrator(t *testing.T) {
	p80 := decimal.NewFromInt(1200)
	estimate := &domain.Estimate{
		EstimateNumber:     "PRJ-1-EST-1",
		ProjectID:          "p-1",
		AACEClass:          domain.AACEClass3,
		BaseCost:           decimal.NewFromInt(1000),
		P80Cost:            &p80,
		ContingencyPercent: decimal.NewFromInt(20),
	}
	items := []domain.LineItem{
		{TempKey: "1", WBSCode: "1", Description: "Line", TotalCost: decimal.NewFromInt(1000)},
		{TempKey: "1.1", TempParentKey: "1", WBSCode: "1.1", Description: "Poles", TotalCost: decimal.NewFromInt(1000)},
	}

	t.Run("model output", func(t *testing.T) {
		generator := &scriptedGenerator{available: true, text: "  A class 3 estimate.  "}
		narrative, err := LLMNarrator{Generator: generator, Model: "m"}.Narrate(context.Background(), estimate, items)
		require.NoError(t, err)
		assert.Equal(t, "A class 3 estimate.", narrative)

		require.Len(t, generator.requests, 1)
		input := generator.requests[0].Input
		assert.Contains(t, input, "- 1 Line: 1000.00")
		assert.False(t, strings.Contains(input, "Poles"))
	})

	t.Run("unavailable uses fallback", func(t *testing.T) {
		narrative, err := LLMNarrator{Generator: &scriptedGenerator{}}.Narrate(context.Background(), estimate, items)
		require.NoError(t, err)
		assert.Contains(t, narrative, "PRJ-1-EST-1")
	})

	t.Run("failure keeps fallback text", func(t *testing.T) {
		generator := &scriptedGenerator{available: true, err: errors.New("rate limited")}
		narrative, err := LLMNarrator{Generator: generator}.Narrate(context.Background(), estimate, items)
		assert.Error(t, err)
		assert.Contains(t, narrative, "P80 cost of 1200.00")
	})
}
