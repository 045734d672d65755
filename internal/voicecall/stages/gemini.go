package stages

import (
	"context"
	"fmt"
	"strings"

	"voice-server/internal/observability"
	"voice-server/internal/voicecall/session"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GeminiResponder is the fallback response generator, used when the primary
// responder exhausts its retries. It reuses the same JSON reply contract.
type GeminiResponder struct {
	apiKey string
	model  string
	logger *observability.Logger
}

func NewGeminiResponder(apiKey string, model string, logger *observability.Logger) (*GeminiResponder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &GeminiResponder{apiKey: apiKey, model: model, logger: logger}, nil
}

func (g *GeminiResponder) Generate(ctx context.Context, transcript string, history []session.Turn, appointment session.AppointmentContext) (Reply, error) {
	c, err := genai.NewClient(ctx, option.WithAPIKey(g.apiKey))
	if err != nil {
		return Reply{}, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	defer c.Close()

	model := c.GenerativeModel(g.model)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(contextualPrompt(appointment))},
	}

	chat := model.StartChat()
	for _, turn := range history {
		role := "user"
		if turn.Speaker == session.SpeakerSystem {
			role = "model" // Gemini SDK expects "model"
		}
		chat.History = append(chat.History, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(turn.Text)},
		})
	}

	resp, err := chat.SendMessage(ctx, genai.Text(transcript))
	if err != nil {
		return Reply{}, fmt.Errorf("failed to generate reply: %w", err)
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return Reply{}, fmt.Errorf("no reply returned from Gemini")
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}

	reply, err := parseReply(b.String())
	if err != nil {
		g.logger.Warn(ctx, fmt.Sprintf("Unstructured fallback reply, using raw text: %v", err))
		return Reply{Text: strings.TrimSpace(b.String()), Intent: session.IntentUnknown}, nil
	}
	return reply, nil
}
