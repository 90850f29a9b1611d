package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/Mingdididi/EnglishTeacher/internal/history"
)

// Client wraps the chat-completion backend for the tutor's text
// operations: the session opener, per-turn replies and the final report.
type Client struct {
	api   *openai.Client
	model string
}

// NewClient builds a client. baseURL is optional and exists for tests and
// OpenAI-compatible gateways.
func NewClient(apiKey, model, baseURL string) *Client {
	if model == "" {
		model = "gpt-4o-mini"
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Client{api: openai.NewClientWithConfig(cfg), model: model}
}

const tutorSystemPrompt = "You are a friendly English tutor having a spoken conversation with a learner. " +
	"Keep replies short (2-3 sentences), natural and encouraging. Gently rephrase mistakes instead of lecturing."

// Opening asks for the tutor's first utterance on the chosen topic.
func (c *Client) Opening(ctx context.Context, topic string) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: tutorSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf(
				"Start a practice conversation about %q. Greet the learner and ask one opening question.", topic)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("opening: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("opening: empty choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// Reply generates the assistant's next utterance. turns is the history up
// to but not including userText. On the final turn the model is told to
// wrap the conversation up instead of asking another question.
func (c *Client) Reply(ctx context.Context, turns []history.Turn, userText string, turnIndex, maxTurns int) (string, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(turns)+2)
	system := tutorSystemPrompt
	if turnIndex >= maxTurns {
		system += " This is the learner's final turn: thank them, give a brief encouraging closing remark and do NOT ask a follow-up question."
	} else {
		system += fmt.Sprintf(" This is turn %d of %d. Always end with one follow-up question to keep the learner talking.", turnIndex, maxTurns)
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	for _, t := range turns {
		role := openai.ChatMessageRoleUser
		if t.Role == history.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: t.Text})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: userText})

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{Model: c.model, Messages: msgs})
	if err != nil {
		return "", fmt.Errorf("reply: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("reply: empty choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// FeedbackReport builds the end-of-session report from the full history.
// It never fails: any service or parse error substitutes the default
// report, and the pronunciation average is always computed locally from
// the merged per-turn scores (unscored turns excluded).
func (c *Client) FeedbackReport(ctx context.Context, turns []history.Turn) Report {
	report := c.requestReport(ctx, turns)
	if avg, ok := history.AverageScore(turns); ok {
		report.Pronunciation.AverageScore = avg
	} else {
		report.Pronunciation.AverageScore = 0
	}
	if report.Corrections == nil {
		report.Corrections = []Correction{}
	}
	if report.Vocabulary == nil {
		report.Vocabulary = []VocabularyItem{}
	}
	if report.Pronunciation.Tips == nil {
		report.Pronunciation.Tips = []string{}
	}
	return report
}

func (c *Client) requestReport(ctx context.Context, turns []history.Turn) Report {
	var b strings.Builder
	for _, t := range turns {
		b.WriteString("[")
		b.WriteString(strings.ToUpper(string(t.Role)))
		b.WriteString("] ")
		b.WriteString(t.Text)
		b.WriteString("\n")
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "You are an English tutor writing a feedback report for the conversation below. " +
				"Respond with JSON only, shaped as {\"overallComments\": string, " +
				"\"corrections\": [{\"original\": string, \"corrected\": string, \"explanation\": string}], " +
				"\"vocabulary\": [{\"word\": string, \"definition\": string}], " +
				"\"pronunciation\": {\"averageScore\": number, \"tips\": [string]}}."},
			{Role: openai.ChatMessageRoleUser, Content: b.String()},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		log.Printf("feedback report request failed, using default: %v", err)
		return DefaultReport()
	}
	if len(resp.Choices) == 0 {
		log.Printf("feedback report: empty choices, using default")
		return DefaultReport()
	}
	var report Report
	if err := json.Unmarshal([]byte(stripFences(resp.Choices[0].Message.Content)), &report); err != nil {
		log.Printf("feedback report: unparseable response, using default: %v", err)
		return DefaultReport()
	}
	if strings.TrimSpace(report.OverallComments) == "" {
		report.OverallComments = DefaultReport().OverallComments
	}
	return report
}

// stripFences removes markdown code fences some models wrap JSON in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
	}
	return strings.TrimSpace(s)
}
