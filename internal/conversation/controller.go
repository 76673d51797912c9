// Package conversation orchestrates interview sessions.
//
// The Controller is the single source of truth for what happens when the user
// submits a turn: it owns the working transcript, routes outgoing turns
// through the duplex channel or the fallback transport, merges incoming agent
// output, and drives round counting and end-of-interview detection.
package conversation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kaiwalabs/reviewloop/internal/fallback"
	"github.com/kaiwalabs/reviewloop/internal/handoff"
	"github.com/kaiwalabs/reviewloop/internal/models"
	"github.com/kaiwalabs/reviewloop/internal/store"
	"github.com/kaiwalabs/reviewloop/internal/sufficiency"
)

// Session progress constants.
const (
	// SufficiencyThreshold is the round count at which the sufficiency
	// evaluator runs and ending the interview becomes available.
	SufficiencyThreshold = 5
	// HardCapRounds is the round count at which the controller appends one
	// end-invitation message and stops auto-continuing.
	HardCapRounds = 10
	// FallbackMaxAttempts bounds fallback request attempts per turn.
	FallbackMaxAttempts = 3
	// FallbackRetryBase is multiplied by the attempt number for linear backoff.
	FallbackRetryBase = 1000 * time.Millisecond
	// DefaultTurnTimeout bounds the wait for a channel-served turn before the
	// controller degrades to the fallback path.
	DefaultTurnTimeout = 30 * time.Second
	// DefaultReviewTimeout bounds the wait for a channel-served review.
	DefaultReviewTimeout = 20 * time.Second
	// persistTimeout bounds each optimistic persistence write.
	persistTimeout = 10 * time.Second
	// eventBufferSize is the capacity of the event stream. Events overflow by
	// dropping, never by blocking a state transition.
	eventBufferSize = 64
)

// Canned texts for degraded paths. Deterministic so degraded turns are
// reproducible.
const (
	degradedReplyText = "ありがとうございます。申し訳ありませんが、ただいま応答に時間がかかっています。続けてご感想をお聞かせください。"
	endPromptText     = "たくさんのご感想をありがとうございました。十分にお伺いできましたので、よろしければインタビューを終了してレビューを作成しましょう。"
)

// Error variables.
var (
	ErrSessionClosed    = errors.New("session closed")
	ErrSessionCompleted = errors.New("session already completed")
	ErrNoChannel        = errors.New("no channel attached")
)

// Channel is the duplex transport as seen by the controller.
type Channel interface {
	Open(ctx context.Context) error
	Status() models.ConnectionStatus
	Send(text string) bool
	SendInit(meta map[string]any, transcript models.Transcript) bool
	RequestReview() bool
	Close() error
}

// FallbackTransport is the request/response path as seen by the controller.
type FallbackTransport interface {
	Request(ctx context.Context, transcript models.Transcript, meta map[string]any) (*fallback.Result, error)
	RequestReview(ctx context.Context, transcript models.Transcript, meta map[string]any) (*fallback.ReviewResult, error)
}

// EventType discriminates controller events.
type EventType string

const (
	// EventStatus reports a connection status change.
	EventStatus EventType = "status"
	// EventChunk streams a mid-turn agent text fragment.
	EventChunk EventType = "chunk"
	// EventAgentMessage reports a finished agent message outside a Submit call
	// (greeting or late-arriving turn).
	EventAgentMessage EventType = "agent_message"
	// EventEndAvailable fires the first time ending becomes available.
	EventEndAvailable EventType = "end_available"
	// EventCompleted fires when the session reaches the terminal state.
	EventCompleted EventType = "completed"
)

// Event is one observable controller occurrence. Components are tested by
// asserting on emitted events rather than inspecting internal state.
type Event struct {
	Type       EventType
	Status     models.ConnectionStatus
	Text       string
	Score      int
	Categories []string
}

// TurnResult is what one Submit call resolves to.
type TurnResult struct {
	Reply               string   `json:"reply"`
	Degraded            bool     `json:"degraded,omitempty"`
	Done                bool     `json:"done,omitempty"`
	EndAvailable        bool     `json:"end_available,omitempty"`
	SufficiencyScore    int      `json:"sufficiency_score,omitempty"`
	SatisfiedCategories []string `json:"satisfied_categories,omitempty"`
	TopicOptions        []string `json:"topic_options,omitempty"`
	EndPrompt           string   `json:"end_prompt,omitempty"`
}

// turnOutcome is the resolution of a channel-served turn.
type turnOutcome struct {
	reply        string
	conversation models.Transcript
	isCompleted  bool
	remoteErr    string
}

// pendingTurn tracks a turn awaiting its complete frame.
type pendingTurn struct {
	done chan turnOutcome
}

// Opts holds configuration options for a Controller.
type Opts struct {
	Channel       Channel
	Fallback      FallbackTransport
	Meta          map[string]any
	Transcript    models.Transcript
	Sleep         func(time.Duration)
	TurnTimeout   time.Duration
	ReviewTimeout time.Duration
	Rating        int
}

// Option defines a configuration option for a Controller.
type Option func(*Opts)

// WithChannel attaches the duplex channel.
func WithChannel(ch Channel) Option {
	return func(o *Opts) { o.Channel = ch }
}

// WithFallback attaches the request/response transport.
func WithFallback(f FallbackTransport) Option {
	return func(o *Opts) { o.Fallback = f }
}

// WithMeta sets the business context forwarded to the agent.
func WithMeta(meta map[string]any) Option {
	return func(o *Opts) { o.Meta = meta }
}

// WithTranscript seeds the working transcript (session resume).
func WithTranscript(t models.Transcript) Option {
	return func(o *Opts) { o.Transcript = t.Clone() }
}

// WithSleep injects the retry backoff sleeper (tests).
func WithSleep(fn func(time.Duration)) Option {
	return func(o *Opts) { o.Sleep = fn }
}

// WithTurnTimeout overrides the channel turn wait bound.
func WithTurnTimeout(d time.Duration) Option {
	return func(o *Opts) { o.TurnTimeout = d }
}

// WithReviewTimeout overrides the channel review wait bound.
func WithReviewTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ReviewTimeout = d }
}

// WithRating overrides the default rating persisted with the review.
func WithRating(r int) Option {
	return func(o *Opts) { o.Rating = r }
}

// Controller orchestrates one interview session.
type Controller struct {
	sessionID     string
	store         store.Store
	fb            FallbackTransport
	meta          map[string]any
	sleep         func(time.Duration)
	turnTimeout   time.Duration
	reviewTimeout time.Duration
	handoff       *handoff.Handoff
	events        chan Event

	// submitMu serializes Submit and End so turns never interleave in the
	// transcript.
	submitMu sync.Mutex

	mu            sync.Mutex
	channel       Channel
	transcript    models.Transcript
	roundCount    int
	evaluation    sufficiency.Evaluation
	endAvailable  bool
	endPromptSent bool
	topicOptions  []string
	topicsKnown   bool
	chunkBuf      []string
	pending       *pendingTurn
	lateOutcome   *turnOutcome
	reviewWait    chan string
	turnInFlight  bool
	closed        bool
}

// NewController creates a controller for the given session.
func NewController(sessionID string, st store.Store, opts ...Option) *Controller {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Sleep == nil {
		cfg.Sleep = time.Sleep
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = DefaultTurnTimeout
	}
	if cfg.ReviewTimeout <= 0 {
		cfg.ReviewTimeout = DefaultReviewTimeout
	}

	c := &Controller{
		sessionID:     sessionID,
		store:         st,
		channel:       cfg.Channel,
		fb:            cfg.Fallback,
		meta:          cfg.Meta,
		sleep:         cfg.Sleep,
		turnTimeout:   cfg.TurnTimeout,
		reviewTimeout: cfg.ReviewTimeout,
		transcript:    cfg.Transcript,
		events:        make(chan Event, eventBufferSize),
	}
	c.roundCount = c.transcript.UserTurns()

	handoffOpts := []handoff.Option{
		handoff.WithChannelReview(c.reviewViaChannel),
		handoff.WithMeta(cfg.Meta),
		handoff.WithSleep(cfg.Sleep),
	}
	if cfg.Fallback != nil {
		handoffOpts = append(handoffOpts, handoff.WithFallback(cfg.Fallback))
	}
	if cfg.Rating != 0 {
		handoffOpts = append(handoffOpts, handoff.WithRating(cfg.Rating))
	}
	c.handoff = handoff.New(sessionID, st, handoffOpts...)
	return c
}

// AttachChannel binds a channel created after the controller (the channel's
// frame and status callbacks point back at this controller).
func (c *Controller) AttachChannel(ch Channel) {
	c.mu.Lock()
	c.channel = ch
	c.mu.Unlock()
}

// Events returns the controller's event stream.
func (c *Controller) Events() <-chan Event {
	return c.events
}

// Transcript returns a copy of the working transcript.
func (c *Controller) Transcript() models.Transcript {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transcript.Clone()
}

// State returns a snapshot of the session progress state.
func (c *Controller) State() models.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return models.SessionState{
		RoundCount:          c.roundCount,
		SufficiencyScore:    c.evaluation.Score,
		SatisfiedCategories: c.evaluation.CategoryNames(),
		Completed:           c.handoff.Completed(),
	}
}

// TopicOptions returns the advisory topic suggestions surfaced with the first
// agent message, or nil before it arrives.
func (c *Controller) TopicOptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.topicsKnown {
		return nil
	}
	out := make([]string, len(c.topicOptions))
	copy(out, c.topicOptions)
	return out
}

// Start opens the duplex channel and announces the session to the agent. A
// channel failure here is not fatal: the session runs on the fallback path.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	ch := c.channel
	snapshot := c.transcript.Clone()
	meta := c.meta
	c.mu.Unlock()

	if ch == nil {
		slog.Debug("Controller.Start: no channel, fallback-only session", "session_id", c.sessionID)
		return nil
	}
	if err := ch.Open(ctx); err != nil {
		return err
	}
	if ch.Status() == models.StatusConnected {
		if !ch.SendInit(meta, snapshot) {
			slog.Warn("Controller.Start: init send failed", "session_id", c.sessionID)
		}
	}
	return nil
}

// Submit handles one user turn: append, persist optimistically, obtain the
// agent reply over the channel or fallback path, append it exactly once, and
// advance the progress state machine. Submissions are serialized; a concurrent
// Submit is treated as a new turn after this one resolves.
func (c *Controller) Submit(ctx context.Context, text string) (*TurnResult, error) {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	userMsg := models.NewMessage(models.RoleUser, text)
	if err := userMsg.Validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if c.handoff.Completed() {
		c.mu.Unlock()
		return nil, ErrSessionCompleted
	}
	c.transcript = append(c.transcript, userMsg)
	c.roundCount++
	c.turnInFlight = true
	c.lateOutcome = nil
	round := c.roundCount
	snapshot := c.transcript.Clone()
	c.mu.Unlock()

	slog.Debug("Controller.Submit: user turn appended", "session_id", c.sessionID, "round", round)
	c.persistAsync(snapshot)

	outcome, res, degraded := c.resolveAgentReply(ctx, text, snapshot)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if c.lateOutcome != nil {
		// A complete frame raced the fallback answer for this turn: the
		// channel's result is authoritative, the fallback reply is dropped.
		outcome = c.lateOutcome
		c.lateOutcome = nil
		res = nil
		degraded = false
		slog.Debug("Controller.Submit: late channel result supersedes fallback reply", "session_id", c.sessionID)
	}
	reply := ""
	isDone := false
	var fbTopics []string
	if outcome != nil {
		reply = outcome.reply
		isDone = outcome.isCompleted
		if len(outcome.conversation) > 0 {
			// The channel's transcript is authoritative: replace, don't append.
			c.transcript = outcome.conversation.Clone()
		} else {
			c.transcript = append(c.transcript, models.NewMessage(models.RoleAgent, reply))
		}
	} else {
		reply = res.Message
		isDone = res.IsCompleted
		fbTopics = res.TopicOptions
		c.transcript = append(c.transcript, models.NewMessage(models.RoleAgent, reply))
	}
	c.chunkBuf = nil
	c.turnInFlight = false

	result := &TurnResult{Reply: reply, Degraded: degraded, Done: isDone}
	if !c.topicsKnown {
		c.adoptTopicsLocked(reply, fbTopics)
		result.TopicOptions = c.topicOptions
	}

	if c.roundCount >= SufficiencyThreshold {
		c.evaluation = sufficiency.Evaluate(c.transcript)
		first := !c.endAvailable
		c.endAvailable = true
		result.EndAvailable = true
		result.SufficiencyScore = c.evaluation.Score
		result.SatisfiedCategories = c.evaluation.CategoryNames()
		if first {
			c.emit(Event{Type: EventEndAvailable, Score: c.evaluation.Score, Categories: c.evaluation.CategoryNames()})
		}
	}

	if c.roundCount >= HardCapRounds && !c.endPromptSent {
		c.transcript = append(c.transcript, models.NewMessage(models.RoleAgent, endPromptText))
		c.endPromptSent = true
		result.EndPrompt = endPromptText
		slog.Info("Controller.Submit: hard cap reached, end prompt appended", "session_id", c.sessionID, "round", c.roundCount)
	}

	snapshot = c.transcript.Clone()
	c.mu.Unlock()

	c.persistAsync(snapshot)

	if isDone {
		// The agent declared the interview finished: enter completion now
		// rather than waiting for an explicit end request. The exactly-once
		// guard makes a racing explicit end harmless.
		artifact, err := c.handoff.Complete(ctx, snapshot)
		if err != nil {
			slog.Warn("Controller.Submit: completion on agent done signal failed", "session_id", c.sessionID, "error", err)
		} else {
			c.emit(Event{Type: EventCompleted, Text: artifact.Text})
		}
	}
	return result, nil
}

// End finalizes the interview on explicit user request.
func (c *Controller) End(ctx context.Context) (*models.ReviewArtifact, error) {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrSessionClosed
	}
	snapshot := c.transcript.Clone()
	c.mu.Unlock()

	artifact, err := c.handoff.Complete(ctx, snapshot)
	if err != nil {
		return nil, err
	}
	c.emit(Event{Type: EventCompleted, Text: artifact.Text})
	return artifact, nil
}

// HandleFrame processes one inbound channel frame. Called from the channel's
// read loop, so frames arrive here in order.
func (c *Controller) HandleFrame(frame *models.Frame) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	switch frame.Type {
	case models.FrameReady:
		c.mu.Unlock()
		slog.Debug("Controller: agent ready", "session_id", c.sessionID)

	case models.FrameChunk:
		c.chunkBuf = append(c.chunkBuf, frame.Content)
		c.mu.Unlock()
		c.emit(Event{Type: EventChunk, Text: frame.Content})

	case models.FrameComplete:
		c.handleCompleteLocked(frame)

	case models.FrameReview:
		w := c.reviewWait
		c.reviewWait = nil
		c.mu.Unlock()
		if w != nil {
			w <- frame.ReviewText
		} else {
			slog.Debug("Controller: unsolicited review frame ignored", "session_id", c.sessionID)
		}

	case models.FrameError:
		pending := c.pending
		c.pending = nil
		c.mu.Unlock()
		slog.Warn("Controller: agent error frame", "session_id", c.sessionID, "error", frame.Error)
		if pending != nil {
			pending.done <- turnOutcome{remoteErr: frame.Error}
		}

	default:
		c.mu.Unlock()
	}
}

// handleCompleteLocked merges a complete frame. The full response supersedes
// any locally accumulated chunks, and the carried conversation supersedes the
// working transcript. Caller holds mu; this releases it.
func (c *Controller) handleCompleteLocked(frame *models.Frame) {
	c.chunkBuf = nil

	if pending := c.pending; pending != nil {
		c.pending = nil
		c.mu.Unlock()
		pending.done <- turnOutcome{
			reply:        frame.FullResponse,
			conversation: frame.Conversation,
			isCompleted:  frame.IsCompleted,
		}
		return
	}

	if c.turnInFlight {
		// The fallback path is mid-flight for this turn. Park the channel
		// result; Submit adopts it and drops the fallback reply.
		c.lateOutcome = &turnOutcome{
			reply:        frame.FullResponse,
			conversation: frame.Conversation,
			isCompleted:  frame.IsCompleted,
		}
		c.mu.Unlock()
		return
	}

	// No waiter and no turn in flight: either the agent's opening message, or
	// a late frame for a turn the fallback path already answered. Either way
	// the channel's transcript is authoritative and replaces the working copy
	// wholesale, which prevents duplicate agent turns.
	if len(frame.Conversation) > 0 {
		c.transcript = frame.Conversation.Clone()
		c.roundCount = c.transcript.UserTurns()
		slog.Debug("Controller: adopted channel transcript", "session_id", c.sessionID, "messages", len(c.transcript))
	} else if frame.FullResponse != "" {
		c.transcript = append(c.transcript, models.NewMessage(models.RoleAgent, frame.FullResponse))
	}
	if !c.topicsKnown && frame.FullResponse != "" {
		c.adoptTopicsLocked(frame.FullResponse, nil)
	}
	snapshot := c.transcript.Clone()
	c.mu.Unlock()

	c.persistAsync(snapshot)
	if frame.FullResponse != "" {
		c.emit(Event{Type: EventAgentMessage, Text: frame.FullResponse})
	}
	if frame.IsCompleted {
		// Completion entry must leave the read loop: the channel review wait
		// depends on frames this loop delivers.
		go c.completeFromAgent()
	}
}

// completeFromAgent finalizes the session when the agent signals completion
// outside a Submit call. Runs the same exactly-once handoff as an explicit end.
func (c *Controller) completeFromAgent() {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	snapshot := c.transcript.Clone()
	c.mu.Unlock()

	artifact, err := c.handoff.Complete(context.Background(), snapshot)
	if err != nil {
		slog.Warn("Controller: completion on agent done signal failed", "session_id", c.sessionID, "error", err)
		return
	}
	c.emit(Event{Type: EventCompleted, Text: artifact.Text})
}

// HandleStatus receives channel status changes. Called synchronously from
// channel internals, so channel calls are deferred to a goroutine.
func (c *Controller) HandleStatus(status models.ConnectionStatus) {
	c.emit(Event{Type: EventStatus, Status: status})
	if status != models.StatusConnected {
		return
	}
	go func() {
		c.mu.Lock()
		if c.closed || c.channel == nil {
			c.mu.Unlock()
			return
		}
		ch := c.channel
		meta := c.meta
		snapshot := c.transcript.Clone()
		c.mu.Unlock()
		if !ch.SendInit(meta, snapshot) {
			slog.Debug("Controller.HandleStatus: init send after (re)connect failed", "session_id", c.sessionID)
		}
	}()
}

// ApplyExternalUpdate reconciles an out-of-band store update. The externally
// observed status transition wins; external message content is adopted only
// when no local optimistic append is in flight, so an unsent local turn is
// never silently discarded.
func (c *Controller) ApplyExternalUpdate(sess *models.Session) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	if sess.Status == models.SessionCompleted {
		c.mu.Unlock()
		c.handoff.MarkExternallyCompleted(models.ReviewArtifact{Text: sess.ReviewText, Rating: sess.Rating})
		c.emit(Event{Type: EventCompleted, Text: sess.ReviewText})
		slog.Info("Controller: external completion observed", "session_id", c.sessionID)
		return
	}

	if c.turnInFlight {
		c.mu.Unlock()
		slog.Debug("Controller: external transcript ignored, local turn in flight", "session_id", c.sessionID)
		return
	}
	if !transcriptsEqual(c.transcript, sess.Transcript) {
		c.transcript = sess.Transcript.Clone()
		c.roundCount = c.transcript.UserTurns()
		slog.Debug("Controller: adopted external transcript", "session_id", c.sessionID, "messages", len(c.transcript))
	}
	c.mu.Unlock()
}

// Close tears the session down. Pending reconnection timers are cancelled via
// the channel, and results of in-flight fallback calls are discarded on
// arrival.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ch := c.channel
	c.channel = nil
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	if pending != nil {
		// Unblock a waiter; Submit observes closed and discards the result.
		select {
		case pending.done <- turnOutcome{}:
		default:
		}
	}
	if ch != nil {
		return ch.Close()
	}
	return nil
}

// resolveAgentReply obtains the agent's reply for one user turn: the channel
// when connected, else the fallback path with bounded retries, else the canned
// degraded reply. Exactly one of outcome/res is non-nil.
func (c *Controller) resolveAgentReply(ctx context.Context, text string, snapshot models.Transcript) (*turnOutcome, *fallback.Result, bool) {
	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()

	if ch != nil && ch.Status() == models.StatusConnected {
		pending := &pendingTurn{done: make(chan turnOutcome, 1)}
		c.mu.Lock()
		c.pending = pending
		c.mu.Unlock()

		if ch.Send(text) {
			select {
			case out := <-pending.done:
				if out.remoteErr == "" && out.reply != "" {
					return &out, nil, false
				}
				slog.Warn("Controller: channel turn failed, degrading", "session_id", c.sessionID, "remote_error", out.remoteErr)
			case <-time.After(c.turnTimeout):
				slog.Warn("Controller: channel turn timed out, degrading to fallback", "session_id", c.sessionID)
				c.clearPending(pending)
			case <-ctx.Done():
				c.clearPending(pending)
			}
		} else {
			c.clearPending(pending)
		}
	}

	if c.fb != nil {
		for attempt := 1; attempt <= FallbackMaxAttempts; attempt++ {
			res, err := c.fb.Request(ctx, snapshot, c.meta)
			if err == nil {
				slog.Debug("Controller: fallback served turn", "session_id", c.sessionID, "attempt", attempt)
				return nil, res, false
			}
			if !fallback.IsRetryable(err) {
				slog.Warn("Controller: remote error from fallback, not retrying", "session_id", c.sessionID, "error", err)
				break
			}
			slog.Warn("Controller: fallback attempt failed", "session_id", c.sessionID, "attempt", attempt, "error", err)
			if attempt < FallbackMaxAttempts {
				c.sleep(time.Duration(attempt) * FallbackRetryBase)
			}
		}
	}

	// Never leave the user without a response.
	slog.Warn("Controller: all transports exhausted, using canned reply", "session_id", c.sessionID)
	return nil, &fallback.Result{Message: degradedReplyText}, true
}

// clearPending detaches a turn waiter. A complete frame arriving afterwards is
// treated as a late duplicate and reconciled wholesale by HandleFrame.
func (c *Controller) clearPending(p *pendingTurn) {
	c.mu.Lock()
	if c.pending == p {
		c.pending = nil
	}
	c.mu.Unlock()
}

// reviewViaChannel requests review text over the duplex channel and waits for
// the review frame.
func (c *Controller) reviewViaChannel(ctx context.Context) (string, error) {
	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()
	if ch == nil {
		return "", ErrNoChannel
	}
	if ch.Status() != models.StatusConnected {
		return "", errors.New("channel not connected")
	}

	w := make(chan string, 1)
	c.mu.Lock()
	c.reviewWait = w
	c.mu.Unlock()

	if !ch.RequestReview() {
		c.clearReviewWait(w)
		return "", errors.New("review request send failed")
	}

	select {
	case text := <-w:
		return text, nil
	case <-time.After(c.reviewTimeout):
		c.clearReviewWait(w)
		return "", errors.New("channel review timed out")
	case <-ctx.Done():
		c.clearReviewWait(w)
		return "", ctx.Err()
	}
}

// clearReviewWait detaches a review waiter.
func (c *Controller) clearReviewWait(w chan string) {
	c.mu.Lock()
	if c.reviewWait == w {
		c.reviewWait = nil
	}
	c.mu.Unlock()
}

// adoptTopicsLocked resolves the topic options from the first agent message.
// Explicit options from the fallback response win over text heuristics.
// Caller holds mu.
func (c *Controller) adoptTopicsLocked(reply string, explicit []string) {
	if len(explicit) > 0 {
		c.topicOptions = explicit
	} else {
		c.topicOptions = TopicOptionsOrDefault(reply)
	}
	c.topicsKnown = true
	slog.Debug("Controller: topic options resolved", "session_id", c.sessionID, "count", len(c.topicOptions))
}

// persistAsync writes the transcript optimistically. Failures are logged, not
// surfaced mid-conversation.
func (c *Controller) persistAsync(snapshot models.Transcript) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := c.store.UpdateSession(ctx, c.sessionID, models.SessionUpdate{Transcript: &snapshot}); err != nil {
			slog.Warn("Controller: optimistic persistence failed", "session_id", c.sessionID, "error", err)
		}
	}()
}

// emit publishes an event without ever blocking a state transition.
func (c *Controller) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		slog.Warn("Controller: event buffer full, dropping event", "session_id", c.sessionID, "type", ev.Type)
	}
}

// transcriptsEqual compares transcripts by role and text.
func transcriptsEqual(a, b models.Transcript) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Role != b[i].Role || a[i].Text != b[i].Text {
			return false
		}
	}
	return true
}
