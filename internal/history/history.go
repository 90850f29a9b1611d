package history

import (
	"sync"
	"time"
)

// Role labels one side of the conversation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ScoreNotApplicable marks an analysis that produced no usable score
// (e.g. a typed turn with no audio attached).
const ScoreNotApplicable = -1

// PronunciationResult is the score/feedback pair attached to a user turn
// by the background analysis. Score is 0-100 or ScoreNotApplicable.
type PronunciationResult struct {
	Score    int    `json:"score"`
	Feedback string `json:"feedback"`
}

// Applicable reports whether the result carries a real score.
func (r PronunciationResult) Applicable() bool { return r.Score >= 0 }

// Turn is one utterance in the conversation log. Immutable once appended,
// except Pronunciation which may be back-filled once by the store.
type Turn struct {
	Role          Role                 `json:"role"`
	Text          string               `json:"text"`
	At            time.Time            `json:"at"`
	Pronunciation *PronunciationResult `json:"pronunciation,omitempty"`
}

// Store is an ordered append-only log of turns. Only the coordinator
// mutates it; everything else reads snapshots.
type Store struct {
	mu    sync.Mutex
	turns []Turn
}

func NewStore() *Store { return &Store{} }

// Append adds a turn at the end of the log.
func (s *Store) Append(t Turn) {
	if t.At.IsZero() {
		t.At = time.Now()
	}
	s.mu.Lock()
	s.turns = append(s.turns, t)
	s.mu.Unlock()
}

// Len returns the number of turns recorded so far.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

// Snapshot returns a copy of the log. Pronunciation results are cloned so
// callers cannot mutate stored turns through the pointer.
func (s *Store) Snapshot() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	for i := range out {
		if out[i].Pronunciation != nil {
			p := *out[i].Pronunciation
			out[i].Pronunciation = &p
		}
	}
	return out
}

// AttachPronunciation back-fills a pronunciation result into the most
// recent user turn with matching text that has no result yet, scanning
// newest to oldest. It never creates a turn and never overwrites an
// existing result; it returns the updated turn and whether a match was
// found.
func (s *Store) AttachPronunciation(text string, res PronunciationResult) (Turn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.turns) - 1; i >= 0; i-- {
		t := &s.turns[i]
		if t.Role != RoleUser || t.Text != text || t.Pronunciation != nil {
			continue
		}
		r := res
		t.Pronunciation = &r
		return *t, true
	}
	return Turn{}, false
}

// AverageScore averages the applicable pronunciation scores over all user
// turns. Turns without a result, and not-applicable results, are excluded.
// ok is false when no turn carries a usable score.
func AverageScore(turns []Turn) (avg int, ok bool) {
	sum, n := 0, 0
	for _, t := range turns {
		if t.Role != RoleUser || t.Pronunciation == nil || !t.Pronunciation.Applicable() {
			continue
		}
		sum += t.Pronunciation.Score
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / n, true
}
