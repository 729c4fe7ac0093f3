package round

import (
	"sync"
	"testing"
	"time"

	"github.com/quizhub-dev/quizhub/internal/question"
)

func mkQuestion() question.Question {
	return question.Question{ID: "q1", Expression: "7 + 8", Answer: 15, Difficulty: question.Medium, CreatedAt: time.Now()}
}

func TestSetQuestionResetsState(t *testing.T) {
	s := New()
	s.SetQuestion(mkQuestion())
	if _, ok := s.RecordSubmission("a", "1", time.Now()); !ok {
		t.Fatalf("expected first submission to be accepted")
	}
	s.AttemptWin("a", true)

	s.SetQuestion(mkQuestion())

	if s.Locked() {
		t.Fatalf("expected unlocked after SetQuestion")
	}
	if _, ok := s.Winner(); ok {
		t.Fatalf("expected no winner after SetQuestion")
	}
	if got := s.SubmissionsOrdered(); len(got) != 0 {
		t.Fatalf("expected empty submissions after SetQuestion, got %d", len(got))
	}
}

func TestRecordSubmissionNoQuestion(t *testing.T) {
	s := New()
	reason, ok := s.RecordSubmission("a", "15", time.Now())
	if ok || reason != ReasonNoQuestion {
		t.Fatalf("got (%q, %v), want (%q, false)", reason, ok, ReasonNoQuestion)
	}
}

func TestRecordSubmissionDuplicateRejected(t *testing.T) {
	s := New()
	s.SetQuestion(mkQuestion())
	if _, ok := s.RecordSubmission("a", "1", time.Now()); !ok {
		t.Fatalf("first submission should be accepted")
	}
	reason, ok := s.RecordSubmission("a", "2", time.Now())
	if ok || reason != ReasonAlreadySubmitted {
		t.Fatalf("got (%q, %v), want (%q, false)", reason, ok, ReasonAlreadySubmitted)
	}
}

func TestRecordSubmissionLockedRejected(t *testing.T) {
	s := New()
	s.SetQuestion(mkQuestion())
	s.AttemptWin("a", true)
	reason, ok := s.RecordSubmission("b", "15", time.Now())
	if ok || reason != ReasonQuestionLocked {
		t.Fatalf("got (%q, %v), want (%q, false)", reason, ok, ReasonQuestionLocked)
	}
}

// TestAttemptWinSingleWinner exercises P1: under concurrent correct
// submissions, exactly one AttemptWin call succeeds and the round is left
// locked.
func TestAttemptWinSingleWinner(t *testing.T) {
	s := New()
	s.SetQuestion(mkQuestion())

	const n = 200
	var wg sync.WaitGroup
	wins := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			wins[i] = s.AttemptWin("conn", true)
		}(i)
	}
	wg.Wait()

	winCount := 0
	for _, w := range wins {
		if w {
			winCount++
		}
	}
	if winCount != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", winCount)
	}
	if !s.Locked() {
		t.Fatalf("expected round to be locked")
	}
}

func TestAttemptWinFalseWhenIncorrect(t *testing.T) {
	s := New()
	s.SetQuestion(mkQuestion())
	if s.AttemptWin("a", false) {
		t.Fatalf("expected AttemptWin to fail for incorrect answer")
	}
	if s.Locked() {
		t.Fatalf("expected round to remain unlocked")
	}
}

func TestSubmissionsOrderedByTimestamp(t *testing.T) {
	s := New()
	s.SetQuestion(mkQuestion())
	base := time.Now()
	s.RecordSubmission("late", "x", base.Add(2*time.Millisecond))
	s.RecordSubmission("early", "x", base)

	ordered := s.SubmissionsOrdered()
	if len(ordered) != 2 || ordered[0].ConnID != "early" || ordered[1].ConnID != "late" {
		t.Fatalf("unexpected order: %+v", ordered)
	}
}

func TestGracePeriodSubmissionsPrefix(t *testing.T) {
	s := New()
	s.SetQuestion(mkQuestion())
	if err := s.SetGracePeriod(10 * time.Millisecond); err != nil {
		t.Fatalf("SetGracePeriod: %v", err)
	}
	base := time.Now()
	s.RecordSubmission("a", "x", base)
	s.RecordSubmission("b", "x", base.Add(5*time.Millisecond))
	s.RecordSubmission("c", "x", base.Add(50*time.Millisecond))

	grace := s.GracePeriodSubmissions()
	if len(grace) != 2 {
		t.Fatalf("expected 2 submissions within grace period, got %d: %+v", len(grace), grace)
	}
}

func TestSetGracePeriodRejectsNegative(t *testing.T) {
	s := New()
	if err := s.SetGracePeriod(-time.Second); err == nil {
		t.Fatalf("expected error for negative grace period")
	}
}

func TestResetEmptiesState(t *testing.T) {
	s := New()
	s.SetQuestion(mkQuestion())
	s.RecordSubmission("a", "1", time.Now())
	s.AttemptWin("a", true)

	s.Reset()

	if _, ok := s.CurrentQuestion(); ok {
		t.Fatalf("expected no current question after Reset")
	}
	if s.Locked() {
		t.Fatalf("expected unlocked after Reset")
	}
	if len(s.SubmissionsOrdered()) != 0 {
		t.Fatalf("expected no submissions after Reset")
	}
}
