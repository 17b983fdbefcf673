package converge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/joescharf/thinkflow/internal/models"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-5"

type messageAPI interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// LLMSynthesizer asks Anthropic to synthesize member outputs into one answer.
type LLMSynthesizer struct {
	api   messageAPI
	model anthropic.Model
}

// NewLLMSynthesizer creates a synthesizer with the given API key and model.
func NewLLMSynthesizer(apiKey, model string) *LLMSynthesizer {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if model == "" {
		model = DefaultModel
	}
	client := anthropic.NewClient(opts...)
	return &LLMSynthesizer{api: &client.Messages, model: anthropic.Model(model)}
}

type synthesis struct {
	Synthesis string   `json:"synthesis"`
	Insights  []string `json:"insights"`
}

func buildSynthesisPrompt(g *models.ParallelSessionGroup, completed []models.SessionResult) (system string, user string) {
	system = `You combine the results of several structured thinking sessions that explored the same problem with different techniques. Return ONLY a JSON object with these fields:
- "synthesis": one coherent answer that reconciles the sessions, naming agreements and tensions between them
- "insights": an array of short, distinct insights drawn from the sessions

Rules:
- Do not invent findings that no session supports
- Prefer concrete recommendations over restating the inputs
- Return valid JSON only, no markdown fencing or explanation`

	var sb strings.Builder
	if g.ConvergenceOptions.Prompt != "" {
		sb.WriteString("Instructions: ")
		sb.WriteString(g.ConvergenceOptions.Prompt)
		sb.WriteString("\n\n")
	}
	for _, r := range completed {
		fmt.Fprintf(&sb, "### Session %s (%s, %d/%d steps)\n", r.SessionID, r.Technique, r.StepsDone, r.TotalSteps)
		sb.WriteString(r.FinalOutput)
		sb.WriteString("\n")
		for _, in := range r.Insights {
			sb.WriteString("- ")
			sb.WriteString(in)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	user = sb.String()
	return
}

// Converge implements Strategy.
func (s *LLMSynthesizer) Converge(ctx context.Context, g *models.ParallelSessionGroup, completed []models.SessionResult) (*Result, error) {
	systemPrompt, userPrompt := buildSynthesisPrompt(g, completed)

	msg, err := s.api.New(ctx, anthropic.MessageNewParams{
		Model:     s.model,
		MaxTokens: 4096,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic API call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return nil, fmt.Errorf("no text content in API response")
	}

	var out synthesis
	if err := json.Unmarshal([]byte(stripFence(text)), &out); err != nil {
		return nil, fmt.Errorf("parse synthesis response as JSON: %w", err)
	}
	return &Result{Output: out.Synthesis, Insights: out.Insights}, nil
}

// stripFence removes a surrounding markdown code fence.
func stripFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	if _, rest, ok := strings.Cut(text, "\n"); ok {
		text = rest
	}
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}
