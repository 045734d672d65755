package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"voice-server/internal/observability"
	"voice-server/internal/voicecall/session"

	"github.com/openai/openai-go"
	openaiOption "github.com/openai/openai-go/option"
)

const receptionistSystemPrompt = `You are the phone receptionist for a local service business.
Keep replies short and natural for speech, two sentences at most.
You can answer questions about the business, book appointments, reschedule
or cancel them, or offer to have a human call back.

Respond with a single JSON object, no markdown, with these fields:
  "reply": what to say to the caller
  "intent": one of "unknown", "booking", "reschedule", "cancel", "inquiry", "handoff"
  "appointment": optional object with "service_type" (string),
    "proposed_time" (RFC 3339 timestamp), "confirmed" (bool), "notes" (string)

Only set "confirmed" to true after the caller has explicitly agreed to a
specific time. Never invent availability.`

// OpenAIResponder generates replies with the chat completions API. Replies
// come back as structured JSON so intent and booking context ride along with
// the spoken text.
type OpenAIResponder struct {
	client openai.Client
	model  openai.ChatModel
	logger *observability.Logger
}

func NewOpenAIResponder(apiKey string, model string, logger *observability.Logger) (*OpenAIResponder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	if model == "" {
		model = string(openai.ChatModelGPT4oMini)
	}
	client := openai.NewClient(openaiOption.WithAPIKey(apiKey))
	return &OpenAIResponder{client: client, model: openai.ChatModel(model), logger: logger}, nil
}

// Generate produces the next reply from the finalized transcript and the
// conversation so far.
func (r *OpenAIResponder) Generate(ctx context.Context, transcript string, history []session.Turn, appointment session.AppointmentContext) (Reply, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	messages = append(messages, openai.SystemMessage(contextualPrompt(appointment)))
	for _, turn := range history {
		if turn.Speaker == session.SpeakerSystem {
			messages = append(messages, openai.AssistantMessage(turn.Text))
			continue
		}
		messages = append(messages, openai.UserMessage(turn.Text))
	}
	messages = append(messages, openai.UserMessage(transcript))

	resp, err := r.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    r.model,
		Messages: messages,
	})
	if err != nil {
		return Reply{}, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Reply{}, fmt.Errorf("chat completion returned no choices")
	}

	reply, err := parseReply(resp.Choices[0].Message.Content)
	if err != nil {
		r.logger.Warn(ctx, fmt.Sprintf("Unstructured model reply, using raw text: %v", err))
		return Reply{Text: strings.TrimSpace(resp.Choices[0].Message.Content), Intent: session.IntentUnknown}, nil
	}
	return reply, nil
}

func contextualPrompt(appointment session.AppointmentContext) string {
	var b strings.Builder
	b.WriteString(receptionistSystemPrompt)
	if appointment.ServiceType != "" || !appointment.ProposedTime.IsZero() {
		b.WriteString("\n\nBooking context so far: ")
		data, _ := json.Marshal(appointment)
		b.Write(data)
	}
	return b.String()
}

// replyPayload is the wire shape of the model's JSON answer.
type replyPayload struct {
	Reply       string `json:"reply"`
	Intent      string `json:"intent"`
	Appointment *struct {
		ServiceType  string `json:"service_type"`
		ProposedTime string `json:"proposed_time"`
		Confirmed    bool   `json:"confirmed"`
		Notes        string `json:"notes"`
	} `json:"appointment"`
}

func parseReply(raw string) (Reply, error) {
	trimmed := strings.TrimSpace(raw)
	// Models occasionally wrap the JSON in a markdown fence despite the
	// instructions.
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var payload replyPayload
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return Reply{}, fmt.Errorf("failed to parse model reply: %w", err)
	}
	if payload.Reply == "" {
		return Reply{}, fmt.Errorf("model reply is empty")
	}

	reply := Reply{Text: payload.Reply, Intent: parseIntent(payload.Intent)}
	if payload.Appointment != nil {
		appt := session.AppointmentContext{
			ServiceType: payload.Appointment.ServiceType,
			Confirmed:   payload.Appointment.Confirmed,
			Notes:       payload.Appointment.Notes,
		}
		if payload.Appointment.ProposedTime != "" {
			if t, err := time.Parse(time.RFC3339, payload.Appointment.ProposedTime); err == nil {
				appt.ProposedTime = t
			}
		}
		reply.Appointment = &appt
	}
	return reply, nil
}

func parseIntent(raw string) session.Intent {
	switch session.Intent(strings.ToLower(strings.TrimSpace(raw))) {
	case session.IntentBooking:
		return session.IntentBooking
	case session.IntentReschedule:
		return session.IntentReschedule
	case session.IntentCancel:
		return session.IntentCancel
	case session.IntentInquiry:
		return session.IntentInquiry
	case session.IntentHandoff:
		return session.IntentHandoff
	default:
		return session.IntentUnknown
	}
}
