package genai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Mingdididi/EnglishTeacher/internal/history"
)

// chatStub serves the chat-completions wire shape with a fixed content
// payload and records the last request body.
func chatStub(t *testing.T, content string, status int) (*httptest.Server, *map[string]any) {
	t.Helper()
	last := map[string]any{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&last)
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": content}},
			},
		})
	}))
	return srv, &last
}

func TestReply_FinalTurnAsksForWrapUp(t *testing.T) {
	srv, last := chatStub(t, "Thanks for talking with me today!", http.StatusOK)
	defer srv.Close()
	c := NewClient("key", "test-model", srv.URL)

	reply, err := c.Reply(context.Background(), nil, "goodbye", 5, 5)
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if reply == "" {
		t.Fatalf("expected reply text")
	}
	msgs := (*last)["messages"].([]any)
	system := msgs[0].(map[string]any)["content"].(string)
	if !strings.Contains(system, "final turn") {
		t.Fatalf("expected wrap-up instruction on the final turn, got: %s", system)
	}
}

func TestReply_MidSessionAsksFollowUp(t *testing.T) {
	srv, last := chatStub(t, "Nice! What else?", http.StatusOK)
	defer srv.Close()
	c := NewClient("key", "test-model", srv.URL)

	turns := []history.Turn{
		{Role: history.RoleAssistant, Text: "Hi! Where do you want to travel?"},
	}
	if _, err := c.Reply(context.Background(), turns, "I want to go to Japan", 1, 5); err != nil {
		t.Fatalf("reply: %v", err)
	}
	msgs := (*last)["messages"].([]any)
	system := msgs[0].(map[string]any)["content"].(string)
	if !strings.Contains(system, "follow-up question") {
		t.Fatalf("expected follow-up instruction mid-session, got: %s", system)
	}
	// history precedes the new user text
	if got := msgs[1].(map[string]any)["role"].(string); got != "assistant" {
		t.Fatalf("expected history turn first, got role %s", got)
	}
	if got := msgs[2].(map[string]any)["content"].(string); got != "I want to go to Japan" {
		t.Fatalf("expected user text last, got %q", got)
	}
}

func TestFeedbackReport_ParsesAndOverridesAverage(t *testing.T) {
	body := `{"overallComments":"Well done","corrections":[{"original":"I goed","corrected":"I went","explanation":"past tense"}],` +
		`"vocabulary":[{"word":"itinerary","definition":"a travel plan"}],"pronunciation":{"averageScore":99,"tips":["slow down"]}}`
	srv, _ := chatStub(t, body, http.StatusOK)
	defer srv.Close()
	c := NewClient("key", "test-model", srv.URL)

	turns := []history.Turn{
		{Role: history.RoleUser, Text: "a", Pronunciation: &history.PronunciationResult{Score: 80}},
		{Role: history.RoleUser, Text: "b", Pronunciation: &history.PronunciationResult{Score: 60}},
		{Role: history.RoleUser, Text: "c"}, // analysis never arrived; excluded
	}
	rep := c.FeedbackReport(context.Background(), turns)
	if rep.OverallComments != "Well done" {
		t.Fatalf("comments = %q", rep.OverallComments)
	}
	if len(rep.Corrections) != 1 || rep.Corrections[0].Corrected != "I went" {
		t.Fatalf("corrections = %+v", rep.Corrections)
	}
	// locally computed average wins over the model's number
	if rep.Pronunciation.AverageScore != 70 {
		t.Fatalf("averageScore = %d, want 70", rep.Pronunciation.AverageScore)
	}
}

func TestFeedbackReport_MalformedYieldsDefault(t *testing.T) {
	srv, _ := chatStub(t, "sorry, here is prose instead of JSON", http.StatusOK)
	defer srv.Close()
	c := NewClient("key", "test-model", srv.URL)

	rep := c.FeedbackReport(context.Background(), nil)
	def := DefaultReport()
	if rep.OverallComments != def.OverallComments {
		t.Fatalf("expected default comments, got %q", rep.OverallComments)
	}
	if len(rep.Corrections) != 0 || len(rep.Vocabulary) != 0 {
		t.Fatalf("expected empty lists in default report")
	}
	if rep.Pronunciation.AverageScore != 0 {
		t.Fatalf("expected zero average in default report")
	}
}

func TestFeedbackReport_ServiceErrorYieldsDefault(t *testing.T) {
	srv, _ := chatStub(t, "", http.StatusInternalServerError)
	defer srv.Close()
	c := NewClient("key", "test-model", srv.URL)

	rep := c.FeedbackReport(context.Background(), nil)
	if rep.OverallComments != DefaultReport().OverallComments {
		t.Fatalf("expected default report on service error")
	}
}

func TestFeedbackReport_FencedJSONAccepted(t *testing.T) {
	srv, _ := chatStub(t, "```json\n{\"overallComments\":\"ok\"}\n```", http.StatusOK)
	defer srv.Close()
	c := NewClient("key", "test-model", srv.URL)
	rep := c.FeedbackReport(context.Background(), nil)
	if rep.OverallComments != "ok" {
		t.Fatalf("expected fenced JSON to parse, got %q", rep.OverallComments)
	}
}
