// Package hub implements the Hub: the single authoritative writer that
// owns RoundState, the LifecycleMachine, the participant registry, and the
// round-rotation timer, and dispatches every inbound transport event
// through one exclusive lock held for the full handling of each event.
package hub

import (
	"log"
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"

	"github.com/quizhub-dev/quizhub/internal/lifecycle"
	"github.com/quizhub-dev/quizhub/internal/metrics"
	"github.com/quizhub-dev/quizhub/internal/question"
	"github.com/quizhub-dev/quizhub/internal/round"
	"github.com/quizhub-dev/quizhub/internal/transport"
)

// Config enumerates the Hub's timing and difficulty knobs, per spec §4.4.
type Config struct {
	WinnerDisplayDuration time.Duration
	PostLockHandoffDelay  time.Duration
	DefaultDifficulty     question.Difficulty

	// GracePeriodFairness, when true, makes AttemptWin consult the grace
	// window (earliest arrival wins) instead of pure serializer order. Off
	// by default: spec §9 reserves this as a future extension only.
	GracePeriodFairness bool
	GracePeriod         time.Duration

	// DifficultySequence, if non-empty, rotates through these difficulties
	// round-robin instead of always using DefaultDifficulty.
	DifficultySequence []question.Difficulty

	// SubmitRateLimit bounds submit-answer messages per connection. A nil
	// map disables rate limiting entirely.
	SubmitRateLimit map[time.Duration]int
}

func (c Config) withDefaults() Config {
	if c.WinnerDisplayDuration <= 0 {
		c.WinnerDisplayDuration = 3000 * time.Millisecond
	}
	if c.PostLockHandoffDelay <= 0 {
		c.PostLockHandoffDelay = 100 * time.Millisecond
	}
	if c.DefaultDifficulty == "" {
		c.DefaultDifficulty = question.Medium
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 100 * time.Millisecond
	}
	return c
}

// Hub is the sole writer to RoundState and LifecycleMachine. Construct
// with New and start the first round with Start.
type Hub struct {
	cfg Config

	mu            sync.Mutex
	round         *round.State
	machine       *lifecycle.Machine
	registry      map[string]time.Time
	rotationTmr   *time.Timer
	difficultyIdx int

	generator *question.Generator
	transport transport.Adapter
	metrics   *metrics.Collector
	limiter   *catrate.Limiter
}

// New constructs a Hub. metrics must be non-nil. transport may be nil if
// SetTransport is called before Start.
func New(cfg Config, t transport.Adapter, m *metrics.Collector) *Hub {
	cfg = cfg.withDefaults()

	var limiter *catrate.Limiter
	if len(cfg.SubmitRateLimit) > 0 {
		limiter = catrate.NewLimiter(cfg.SubmitRateLimit)
	}

	h := &Hub{
		cfg:       cfg,
		round:     round.New(),
		machine:   lifecycle.New(),
		registry:  make(map[string]time.Time),
		generator: question.NewGenerator(),
		transport: t,
		metrics:   m,
		limiter:   limiter,
	}
	_ = h.round.SetGracePeriod(cfg.GracePeriod)
	return h
}

// SetTransport wires the transport adapter after construction, for callers
// that must build the adapter from a reference to this Hub (the Hub
// implements InboundHandler, the adapter implements Adapter) —
// breaking the constructor-order cycle between transport.NewServer and
// hub.New. Must be called before Start.
func (h *Hub) SetTransport(t transport.Adapter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.transport = t
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// Start produces the first Question, installs it, transitions IDLE->ACTIVE,
// and broadcasts new-question. Call once before the transport begins
// accepting connections.
func (h *Hub) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.startRoundLocked()
}

func (h *Hub) nextDifficultyLocked() question.Difficulty {
	if len(h.cfg.DifficultySequence) == 0 {
		return h.cfg.DefaultDifficulty
	}
	d := h.cfg.DifficultySequence[h.difficultyIdx%len(h.cfg.DifficultySequence)]
	h.difficultyIdx++
	return d
}

func (h *Hub) startRoundLocked() {
	q := h.generator.Generate(h.nextDifficultyLocked())
	h.round.SetQuestion(q)
	h.machine.Transition(lifecycle.Active, nil)
	h.broadcastNewQuestion(q)
}

func (h *Hub) broadcastNewQuestion(q question.Question) {
	start := time.Now()
	h.transport.Broadcast("new-question", map[string]any{
		"question":   q.Expression,
		"questionId": q.ID,
		"difficulty": string(q.Difficulty),
		"timestamp":  nowMillis(),
	})
	h.metrics.RecordEvent("new-question", time.Since(start))
}

// Connect implements transport.InboundHandler.
func (h *Hub) Connect(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.registry[connID] = time.Now()
	h.metrics.RecordConnection()
	h.broadcastUserCountLocked()

	if q, ok := h.round.CurrentQuestion(); ok {
		h.transport.SendTo(connID, "current-question", map[string]any{
			"question":   q.Expression,
			"questionId": q.ID,
			"difficulty": string(q.Difficulty),
			"timestamp":  nowMillis(),
		})
	} else {
		h.transport.SendTo(connID, "waiting-for-question", map[string]any{
			"message":   "waiting for the next question",
			"timestamp": nowMillis(),
		})
	}
}

// Disconnect implements transport.InboundHandler. The participant's
// Submission, if any, is retained for the current round.
func (h *Hub) Disconnect(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.registry, connID)
	h.metrics.RecordDisconnection()
	h.broadcastUserCountLocked()
}

func (h *Hub) broadcastUserCountLocked() {
	h.transport.Broadcast("user-count", len(h.registry))
}

// Message implements transport.InboundHandler, dispatching on payload's
// "type" field to the appropriate handler.
func (h *Hub) Message(connID string, payload map[string]any) {
	msgType, _ := payload["type"].(string)
	switch msgType {
	case "submit-answer":
		h.handleSubmitAnswer(connID, payload["answer"])
	case "request-question":
		h.handleRequestQuestion(connID)
	default:
		log.Printf("hub: unknown message type %q from %s", msgType, connID)
	}
}

func (h *Hub) handleRequestQuestion(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if q, ok := h.round.CurrentQuestion(); ok {
		h.transport.SendTo(connID, "current-question", map[string]any{
			"question":   q.Expression,
			"questionId": q.ID,
			"difficulty": string(q.Difficulty),
			"timestamp":  nowMillis(),
		})
	} else {
		h.transport.SendTo(connID, "waiting-for-question", map[string]any{
			"message":   "waiting for the next question",
			"timestamp": nowMillis(),
		})
	}
}

// handleSubmitAnswer implements spec §4.4.3 exactly: stamp with server
// time, reject malformed input without touching state, record the
// submission, validate, then attempt to win.
func (h *Hub) handleSubmitAnswer(connID string, rawAnswer any) {
	t := time.Now()

	h.mu.Lock()
	defer h.mu.Unlock()

	if isEmptyAnswer(rawAnswer) {
		h.transport.SendTo(connID, "submission-error", map[string]any{
			"error":     "empty answer",
			"message":   "no answer was provided",
			"timestamp": nowMillis(),
		})
		h.metrics.RecordError("submit-answer")
		return
	}

	if h.limiter != nil {
		if _, ok := h.limiter.Allow(connID); !ok {
			h.transport.SendTo(connID, "submission-error", map[string]any{
				"error":     "rate-limited",
				"message":   "too many submissions, slow down",
				"timestamp": nowMillis(),
			})
			h.metrics.RecordError("submit-answer")
			return
		}
	}

	reason, ok := h.round.RecordSubmission(connID, rawAnswer, t)
	if !ok {
		h.transport.SendTo(connID, "submission-rejected", map[string]any{
			"reason":    string(reason),
			"message":   "submission rejected",
			"timestamp": nowMillis(),
		})
		h.metrics.RecordEvent("submission-rejected", time.Since(t))
		return
	}

	q, _ := h.round.CurrentQuestion()
	isCorrect := h.generator.Validate(rawAnswer, q.Answer)

	won := h.attemptWinLocked(connID, q, isCorrect)
	if won {
		winnerID, _ := h.round.Winner()
		winSub, _ := h.round.Submission(winnerID)
		h.onWinLocked(winnerID, q, winSub.Timestamp)
		return
	}

	h.transport.SendTo(connID, "submission-result", map[string]any{
		"correct":   isCorrect,
		"winner":    false,
		"message":   submissionResultMessage(isCorrect),
		"timestamp": nowMillis(),
	})
	h.metrics.RecordEvent("submission-result", time.Since(t))
}

// attemptWinLocked applies the default pure-serializer-order winner
// election, or, when GracePeriodFairness is enabled, elects the earliest
// submission within the grace window and re-validates THAT submission's own
// answer against q — never the current submitter's isCorrect, since the
// earliest submitter may be a different connection that answered wrong. This
// is additive: with the flag off (the default) behavior is byte-for-byte
// RoundState.AttemptWin.
func (h *Hub) attemptWinLocked(connID string, q question.Question, isCorrect bool) bool {
	if !h.cfg.GracePeriodFairness {
		return h.round.AttemptWin(connID, isCorrect)
	}
	if !isCorrect || h.round.Locked() {
		return h.round.AttemptWin(connID, isCorrect)
	}
	grace := h.round.GracePeriodSubmissions()
	if len(grace) == 0 {
		return h.round.AttemptWin(connID, isCorrect)
	}
	earliest := grace[0]
	earliestCorrect := h.generator.Validate(earliest.RawAnswer, q.Answer)
	return h.round.AttemptWin(earliest.ConnID, earliestCorrect)
}

func submissionResultMessage(correct bool) string {
	if correct {
		return "correct, but someone beat you to it"
	}
	return "incorrect answer"
}

func (h *Hub) onWinLocked(winnerID string, q question.Question, submittedAt time.Time) {
	start := time.Now()
	h.machine.Transition(lifecycle.Locked, map[string]any{
		"winner":   winnerID,
		"question": q.ID,
		"answer":   q.Answer,
	})

	h.transport.Broadcast("winner-declared", map[string]any{
		"winnerId":       winnerID,
		"correctAnswer":  q.Answer,
		"question":       q.Expression,
		"questionId":     q.ID,
		"submissionTime": submittedAt.UnixMilli(),
		"nextQuestionIn": h.cfg.WinnerDisplayDuration.Milliseconds(),
		"timestamp":      nowMillis(),
	})
	h.transport.SendTo(winnerID, "you-won", map[string]any{
		"message":       "you won!",
		"correctAnswer": q.Answer,
		"question":      q.Expression,
		"timestamp":     nowMillis(),
	})
	h.metrics.RecordEvent("winner-declared", time.Since(start))

	if h.rotationTmr != nil {
		h.rotationTmr.Stop()
	}
	h.rotationTmr = time.AfterFunc(h.cfg.WinnerDisplayDuration, h.rotateRound)

	time.AfterFunc(h.cfg.PostLockHandoffDelay, h.handoffToTransitioning)
}

func (h *Hub) handoffToTransitioning() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.machine.Transition(lifecycle.Transitioning, nil)
}

func (h *Hub) rotateRound() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.startRoundLocked()
}

func isEmptyAnswer(raw any) bool {
	switch v := raw.(type) {
	case nil:
		return true
	case string:
		return len(trimSpace(v)) == 0
	default:
		return false
	}
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// ForceNewQuestion implements transport.AdminHooks: administrative escape
// hatch to advance the round without a winner.
func (h *Hub) ForceNewQuestion(difficulty string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rotationTmr != nil {
		h.rotationTmr.Stop()
		h.rotationTmr = nil
	}

	if difficulty != "" {
		q := h.generator.Generate(question.Difficulty(difficulty))
		h.round.SetQuestion(q)
		h.broadcastNewQuestion(q)
		return
	}
	h.startRoundLocked()
}

// ResetRound implements transport.AdminHooks: clears all round state and
// returns the machine to IDLE.
func (h *Hub) ResetRound() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rotationTmr != nil {
		h.rotationTmr.Stop()
		h.rotationTmr = nil
	}
	h.round.Reset()
	if h.machine.Current() == lifecycle.Locked {
		h.machine.Transition(lifecycle.Transitioning, nil)
	}
	h.machine.Transition(lifecycle.IDLE, nil)
}

// Snapshot is the getSnapshot() administrative hook's return shape.
type Snapshot struct {
	Round   RoundSnapshot   `json:"round"`
	Stats   map[string]any  `json:"stats"`
	Machine MachineSnapshot `json:"machine"`
}

// RoundSnapshot summarizes RoundState for diagnostics.
type RoundSnapshot struct {
	QuestionID string `json:"questionId,omitempty"`
	Locked     bool   `json:"locked"`
	Winner     string `json:"winner,omitempty"`
}

// MachineSnapshot summarizes the LifecycleMachine for diagnostics.
type MachineSnapshot struct {
	Current     string         `json:"current"`
	VisitCounts map[string]int `json:"visitCounts"`
}

// MetricsSnapshot implements transport.AdminHooks, exposing the Hub's
// request/latency/connection metrics for the /metrics admin endpoint.
func (h *Hub) MetricsSnapshot() any {
	return h.metrics.Snapshot()
}

// GetSnapshot implements transport.AdminHooks.
func (h *Hub) GetSnapshot() any {
	h.mu.Lock()
	defer h.mu.Unlock()

	rs := RoundSnapshot{Locked: h.round.Locked()}
	if q, ok := h.round.CurrentQuestion(); ok {
		rs.QuestionID = q.ID
	}
	if w, ok := h.round.Winner(); ok {
		rs.Winner = w
	}

	visits := make(map[string]int)
	for state, n := range h.machine.VisitCounts() {
		visits[string(state)] = n
	}

	return Snapshot{
		Round: rs,
		Stats: map[string]any{
			"participants": len(h.registry),
		},
		Machine: MachineSnapshot{
			Current:     string(h.machine.Current()),
			VisitCounts: visits,
		},
	}
}
