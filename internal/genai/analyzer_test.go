package genai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Mingdididi/EnglishTeacher/internal/history"
)

func analyzerStub(t *testing.T, verdict string) (*httptest.Server, *map[string]any) {
	t.Helper()
	last := map[string]any{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&last)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": verdict}},
			},
		})
	}))
	return srv, &last
}

func newTestAnalyzer(url string) *Analyzer {
	a := NewAnalyzer("key", "")
	a.BaseURL = url
	return a
}

func TestAnalyze_ScoredVerdict(t *testing.T) {
	srv, last := analyzerStub(t, `{"score":82,"feedback":"Clear vowels, watch the th sound."}`)
	defer srv.Close()
	a := newTestAnalyzer(srv.URL)

	res, err := a.Analyze(context.Background(), "I think so", "QUJD")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if res.Score != 82 {
		t.Fatalf("score = %d, want 82", res.Score)
	}
	if res.Feedback == "" {
		t.Fatalf("expected feedback text")
	}

	// the request must carry the audio as an input_audio part
	msgs := (*last)["messages"].([]any)
	parts := msgs[1].(map[string]any)["content"].([]any)
	if len(parts) != 2 {
		t.Fatalf("expected text+audio parts, got %d", len(parts))
	}
	audio := parts[1].(map[string]any)
	if audio["type"] != "input_audio" {
		t.Fatalf("part type = %v", audio["type"])
	}
	ia := audio["input_audio"].(map[string]any)
	if ia["format"] != "wav" || ia["data"] != "QUJD" {
		t.Fatalf("input_audio = %v", ia)
	}
}

func TestAnalyze_NullScoreIsNotApplicable(t *testing.T) {
	srv, last := analyzerStub(t, `{"score":null,"feedback":"No audio to judge."}`)
	defer srv.Close()
	a := newTestAnalyzer(srv.URL)

	res, err := a.Analyze(context.Background(), "typed message", "")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if res.Score != history.ScoreNotApplicable {
		t.Fatalf("score = %d, want sentinel %d", res.Score, history.ScoreNotApplicable)
	}
	if res.Applicable() {
		t.Fatalf("not-applicable result must not count as scored")
	}
	// typed turns send no audio part
	msgs := (*last)["messages"].([]any)
	parts := msgs[1].(map[string]any)["content"].([]any)
	if len(parts) != 1 {
		t.Fatalf("expected text-only content, got %d parts", len(parts))
	}
}

func TestAnalyze_ClampsOutOfRangeScore(t *testing.T) {
	srv, _ := analyzerStub(t, `{"score":140,"feedback":"ok"}`)
	defer srv.Close()
	a := newTestAnalyzer(srv.URL)
	res, err := a.Analyze(context.Background(), "hello", "QUJD")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if res.Score != 100 {
		t.Fatalf("score = %d, want clamped 100", res.Score)
	}
}

func TestAnalyze_UnparseableVerdictErrors(t *testing.T) {
	srv, _ := analyzerStub(t, "the pronunciation was fine I guess")
	defer srv.Close()
	a := newTestAnalyzer(srv.URL)
	if _, err := a.Analyze(context.Background(), "hello", "QUJD"); err == nil {
		t.Fatalf("expected error for non-JSON verdict")
	}
}

func TestAnalyze_ServiceErrorPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	a := newTestAnalyzer(srv.URL)
	if _, err := a.Analyze(context.Background(), "hello", "QUJD"); err == nil {
		t.Fatalf("expected error on 5xx")
	}
}

func TestAnalyze_MissingKeyFailsFast(t *testing.T) {
	a := NewAnalyzer("", "")
	if _, err := a.Analyze(context.Background(), "hello", "QUJD"); err == nil {
		t.Fatalf("expected error without api key")
	}
}
