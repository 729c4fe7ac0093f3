// Package round implements RoundState, the mutable heart of a single quiz
// round: the current question, recorded submissions, the lock, and the
// winner. All exported methods are safe for concurrent use; attemptWin is
// the single indivisible check-and-set that elects a winner.
package round

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quizhub-dev/quizhub/internal/question"
)

// RejectReason enumerates why recordSubmission refused a submission.
type RejectReason string

const (
	ReasonQuestionLocked   RejectReason = "question-locked"
	ReasonAlreadySubmitted RejectReason = "already-submitted"
	ReasonNoQuestion       RejectReason = "no-question"
)

// Submission is a per-(round, connection) record. It is never mutated after
// creation and is discarded when the round resets.
type Submission struct {
	ConnID    string
	RawAnswer any
	Timestamp time.Time
}

// arrival pairs a connection id with the server-assigned arrival time, used
// to reconstruct submission order independent of map iteration order.
type arrival struct {
	connID string
	t      time.Time
}

const defaultGracePeriod = 100 * time.Millisecond

// State is the mutable per-round state described by the core specification.
// The zero value is not ready to use; construct with New.
type State struct {
	mu sync.Mutex

	question *question.Question

	submissions map[string]Submission
	order       []arrival

	locked bool
	winner string

	gracePeriod time.Duration
}

// New returns an empty, unlocked RoundState with no current question and
// the default grace period.
func New() *State {
	return &State{
		submissions: make(map[string]Submission),
		gracePeriod: defaultGracePeriod,
	}
}

// SetQuestion atomically installs q as the current question, clearing all
// submission state, the lock, and the winner. Re-establishes invariants
// I1-I4.
func (s *State) SetQuestion(q question.Question) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := q
	s.question = &cp
	s.submissions = make(map[string]Submission)
	s.order = nil
	s.locked = false
	s.winner = ""
}

// RecordSubmission inserts a new Submission for connID if preconditions are
// satisfied, in this order: question-locked, already-submitted, no-question.
// On success it returns ("", true).
func (s *State) RecordSubmission(connID string, rawAnswer any, tServer time.Time) (RejectReason, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.locked {
		return ReasonQuestionLocked, false
	}
	if _, dup := s.submissions[connID]; dup {
		return ReasonAlreadySubmitted, false
	}
	if s.question == nil {
		return ReasonNoQuestion, false
	}

	s.submissions[connID] = Submission{ConnID: connID, RawAnswer: rawAnswer, Timestamp: tServer}
	s.order = append(s.order, arrival{connID: connID, t: tServer})
	return "", true
}

// AttemptWin is the critical section: if the round is already locked or the
// answer is not correct it returns false with no effect. Otherwise it locks
// the round, records the winner, and returns true. Callers MUST hold this
// call inside the Hub's single-writer discipline; AttemptWin's own lock only
// guarantees the check-and-set is indivisible with respect to itself.
func (s *State) AttemptWin(connID string, isCorrect bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.locked {
		return false
	}
	if !isCorrect {
		return false
	}
	s.locked = true
	s.winner = connID
	return true
}

// CurrentQuestion returns the active question and whether one is set.
func (s *State) CurrentQuestion() (question.Question, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.question == nil {
		return question.Question{}, false
	}
	return *s.question, true
}

// HasSubmitted reports whether connID already has a Submission this round.
func (s *State) HasSubmitted(connID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.submissions[connID]
	return ok
}

// Submission returns the recorded Submission for connID, if any.
func (s *State) Submission(connID string) (Submission, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[connID]
	return sub, ok
}

// Winner returns the winning connection id, if the round is locked.
func (s *State) Winner() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.locked {
		return "", false
	}
	return s.winner, true
}

// Locked reports whether the round has elected a winner.
func (s *State) Locked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked
}

// SubmissionsOrdered returns recorded submissions sorted by timestamp
// ascending, ties broken by insertion order.
func (s *State) SubmissionsOrdered() []Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submissionsOrderedLocked()
}

func (s *State) submissionsOrderedLocked() []Submission {
	out := make([]Submission, 0, len(s.order))
	for _, a := range s.order {
		if sub, ok := s.submissions[a.connID]; ok {
			out = append(out, sub)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// GracePeriodSubmissions returns the prefix of SubmissionsOrdered whose
// timestamps lie within firstTimestamp+gracePeriod inclusive. AttemptWin
// never consults it; the Hub uses it for winner election only when its
// grace-period fairness mode is enabled.
func (s *State) GracePeriodSubmissions() []Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	ordered := s.submissionsOrderedLocked()
	if len(ordered) == 0 {
		return nil
	}
	deadline := ordered[0].Timestamp.Add(s.gracePeriod)
	out := make([]Submission, 0, len(ordered))
	for _, sub := range ordered {
		if sub.Timestamp.After(deadline) {
			break
		}
		out = append(out, sub)
	}
	return out
}

// Reset returns the round to a fully empty state: no question, no
// submissions, unlocked, no winner.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.question = nil
	s.submissions = make(map[string]Submission)
	s.order = nil
	s.locked = false
	s.winner = ""
}

// SetGracePeriod updates the diagnostic grace period. Negative durations
// are rejected.
func (s *State) SetGracePeriod(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("round: grace period must be non-negative, got %s", d)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gracePeriod = d
	return nil
}
