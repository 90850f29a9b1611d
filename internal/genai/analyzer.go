package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Mingdididi/EnglishTeacher/internal/history"
)

// Analyzer runs the background pronunciation-analysis call. The request
// carries an input_audio content part, which the chat SDK in use cannot
// express, so the wire format is built by hand here.
type Analyzer struct {
	HTTPClient *http.Client
	APIKey     string
	Model      string
	BaseURL    string
}

func NewAnalyzer(apiKey, model string) *Analyzer {
	if model == "" {
		model = "gpt-4o-audio-preview"
	}
	return &Analyzer{
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		APIKey:     apiKey,
		Model:      model,
		BaseURL:    "https://api.openai.com/v1",
	}
}

type analyzerContentPart struct {
	Type       string           `json:"type"`
	Text       string           `json:"text,omitempty"`
	InputAudio *analyzerWAVPart `json:"input_audio,omitempty"`
}

type analyzerWAVPart struct {
	Data   string `json:"data"`
	Format string `json:"format"`
}

type analyzerMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type analyzerRequest struct {
	Model    string            `json:"model"`
	Messages []analyzerMessage `json:"messages"`
}

type analyzerResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// analysisVerdict is the JSON shape the model is asked to produce. A null
// score means the turn could not be scored (e.g. no audio).
type analysisVerdict struct {
	Score    *int   `json:"score"`
	Feedback string `json:"feedback"`
}

const analyzerSystemPrompt = "You are an English pronunciation coach. Given a learner's utterance " +
	"(text, and audio when attached), respond with JSON only: {\"score\": 0-100 or null when no audio " +
	"is available to judge, \"feedback\": one short sentence of pronunciation feedback}."

// Analyze scores one user utterance. wavB64 is a base64 WAV of the turn's
// captured audio, or empty for typed turns; without audio the result is
// the not-applicable sentinel. Every error is non-fatal to the caller.
func (a *Analyzer) Analyze(ctx context.Context, text, wavB64 string) (history.PronunciationResult, error) {
	if a.APIKey == "" {
		return history.PronunciationResult{}, fmt.Errorf("analyzer: api key missing")
	}

	parts := []analyzerContentPart{{Type: "text", Text: "The learner said: " + text}}
	if wavB64 != "" {
		parts = append(parts, analyzerContentPart{
			Type:       "input_audio",
			InputAudio: &analyzerWAVPart{Data: wavB64, Format: "wav"},
		})
	}
	reqBody, _ := json.Marshal(analyzerRequest{
		Model: a.Model,
		Messages: []analyzerMessage{
			{Role: "system", Content: analyzerSystemPrompt},
			{Role: "user", Content: parts},
		},
	})

	endpoint := strings.TrimRight(a.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return history.PronunciationResult{}, err
	}
	req.Header.Set("Authorization", "Bearer "+a.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return history.PronunciationResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return history.PronunciationResult{}, fmt.Errorf("analyzer: status=%d body=%s", resp.StatusCode, string(b))
	}

	var ar analyzerResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return history.PronunciationResult{}, err
	}
	if len(ar.Choices) == 0 {
		return history.PronunciationResult{}, fmt.Errorf("analyzer: empty choices")
	}

	var verdict analysisVerdict
	if err := json.Unmarshal([]byte(stripFences(ar.Choices[0].Message.Content)), &verdict); err != nil {
		return history.PronunciationResult{}, fmt.Errorf("analyzer: unparseable verdict: %w", err)
	}
	score := history.ScoreNotApplicable
	if verdict.Score != nil {
		score = *verdict.Score
		if score < 0 {
			score = 0
		} else if score > 100 {
			score = 100
		}
	}
	return history.PronunciationResult{Score: score, Feedback: strings.TrimSpace(verdict.Feedback)}, nil
}
