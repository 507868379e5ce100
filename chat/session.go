package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"reactsql/stream"
)

// Caller errors. None of them touches the transport or the chat state.
var (
	ErrEmptyQuestion = errors.New("question is empty")
	ErrTurnInFlight  = errors.New("a question is already in progress")
	ErrClosed        = errors.New("session is closed")
)

var (
	errIdleTimeout  = errors.New("no event received before idle timeout")
	errPrematureEnd = errors.New("stream ended before the turn finished")
)

// TransportErrorKind is the error kind of turns failed by the transport
// rather than by the producer.
const TransportErrorKind = "transport"

// Controller is what presentation code drives.
type Controller interface {
	SendMessage(ctx context.Context, question string) error
	StopStreaming()
	State() ChatState
}

// Options tune a Session. Zero values select the defaults.
type Options struct {
	Backoff     Backoff
	IdleTimeout time.Duration // 0 disables the idle watchdog
	Logger      *logrus.Logger
	NewID       func() string
	Now         func() time.Time
}

// Session drives one conversation: it owns the single in-flight turn, the
// transport connection serving it and every write to its Store.
type Session struct {
	transport   Transport
	store       *Store
	backoff     Backoff
	idleTimeout time.Duration
	newID       func() string
	now         func() time.Time
	logger      *logrus.Entry

	mu        sync.Mutex
	phase     Phase
	gen       uint64 // bumped whenever the live turn changes; stale goroutines compare against it
	finalized bool   // live turn reached completed or error
	cancel    context.CancelFunc
	done      chan struct{}
	closed    bool
}

var _ Controller = (*Session)(nil)

// NewSession returns an idle session writing to store and streaming through transport.
func NewSession(transport Transport, store *Store, opts Options) *Session {
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Session{
		transport:   transport,
		store:       store,
		backoff:     opts.Backoff,
		idleTimeout: opts.IdleTimeout,
		newID:       opts.NewID,
		now:         opts.Now,
		logger:      opts.Logger.WithField("component", "chat_session"),
	}
}

// State returns a snapshot of the conversation.
func (s *Session) State() ChatState {
	return s.store.State()
}

// Phase returns the lifecycle phase of the current turn.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// SendMessage starts a new turn for question and returns as soon as the turn
// is registered; progress is observed through the Store. ctx only carries
// values: the turn lives until it finishes, StopStreaming or Close.
func (s *Session) SendMessage(ctx context.Context, question string) error {
	question = strings.TrimSpace(question)
	if question == "" {
		return ErrEmptyQuestion
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	next, err := s.phase.Next(TriggerSubmit)
	if err != nil {
		return fmt.Errorf("%w (phase %s)", ErrTurnInFlight, s.phase)
	}

	// A finished turn may still be draining its trailing records.
	if s.cancel != nil {
		s.cancel()
	}

	s.gen++
	s.phase = next
	s.finalized = false
	turn := ChatMessage{
		ID:        s.newID(),
		Question:  question,
		Steps:     []ReActStep{},
		Status:    StatusThinking,
		Timestamp: s.now(),
	}
	s.store.update(func(st ChatState) (ChatState, bool) {
		return beginTurn(st, turn), true
	})

	turnCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	done := make(chan struct{})
	s.done = done

	s.logger.WithFields(logrus.Fields{
		"turnId":   turn.ID,
		"question": question,
	}).Info("Turn submitted")

	go s.run(turnCtx, s.gen, turn.ID, question, done)
	return nil
}

// StopStreaming closes the connection of the current turn and discards the
// turn without recording it. It is local only: the producer is not told.
func (s *Session) StopStreaming() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Session) stopLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if !s.phase.InFlight() {
		return
	}
	s.gen++
	s.advanceLocked(TriggerCancel)
	s.store.update(func(st ChatState) (ChatState, bool) {
		return abandonTurn(st), true
	})
	s.logger.Info("Turn cancelled")
}

// Wait blocks until the goroutine serving the latest turn has exited.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels any in-flight turn, waits for its connection to be released
// and rejects further submissions.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.stopLocked()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
	return nil
}

// run is the transport manager of one turn: connect, stream, and reconnect
// with backoff until the turn is finalized, cancelled or out of attempts.
func (s *Session) run(ctx context.Context, gen uint64, turnID, question string, done chan struct{}) {
	defer close(done)
	logger := s.logger.WithField("turnId", turnID)

	for attempt := 0; ; attempt++ {
		err := s.streamOnce(ctx, gen, question, attempt)
		if err == nil || ctx.Err() != nil {
			return
		}

		if !retryable(err) || attempt >= s.backoff.MaxAttempts {
			logger.WithError(err).WithField("attempts", attempt+1).Error("Turn failed at transport level")
			s.fail(gen, err)
			return
		}

		delay := s.backoff.Delay(attempt + 1)
		logger.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"delay":   delay,
		}).Warn("Event stream lost, reconnecting")
		if !s.advance(gen, TriggerReconnect) {
			return
		}
		if s.backoff.Wait(ctx, attempt+1) != nil {
			return
		}
	}
}

// streamOnce runs one connection. A nil result means the turn needs no more
// connections: it was finalized, cancelled or superseded.
func (s *Session) streamOnce(ctx context.Context, gen uint64, question string, attempt int) error {
	attemptCtx, cancelAttempt := context.WithCancel(ctx)
	defer cancelAttempt()

	// The watchdog also covers connecting: a server that never answers is
	// as dead as one that stops sending.
	var idle atomic.Bool
	watchdog := s.startWatchdog(func() {
		idle.Store(true)
		cancelAttempt()
	})
	defer watchdog.stop()

	failure := func(err error) error {
		if s.isFinalized(gen) {
			return nil
		}
		if idle.Load() {
			err = errIdleTimeout
		}
		return &TransportError{Attempt: attempt + 1, Err: err}
	}

	body, err := s.transport.Open(attemptCtx, question)
	if err != nil {
		return failure(err)
	}
	defer body.Close()
	watchdog.reset()

	if !s.advance(gen, TriggerConnected) {
		return nil
	}

	for ev, err := range stream.NewDecoder().Events(body) {
		if err != nil {
			var decodeErr *stream.DecodeError
			if errors.As(err, &decodeErr) {
				s.logger.WithError(err).WithField("payload", string(decodeErr.Payload)).Warn("Skipping malformed event")
				continue
			}
			return failure(err)
		}
		watchdog.reset()

		if !s.applyEvent(gen, ev) {
			return nil
		}
		if ev.Kind() == stream.KindExecutionComplete {
			return failure(errPrematureEnd)
		}
	}
	return failure(io.ErrUnexpectedEOF)
}

// applyEvent folds ev into the store if gen is still the live turn.
func (s *Session) applyEvent(gen uint64, ev stream.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return false
	}

	var effect Effect
	s.store.update(func(st ChatState) (ChatState, bool) {
		next, eff := Apply(st, ev)
		effect = eff
		return next, !eff.Ignored
	})

	if effect.Ignored && ev.Kind() != stream.KindHeartbeat {
		s.logger.WithFields(logrus.Fields{
			"eventType": ev.Kind(),
			"reason":    effect.Reason,
		}).Debug("Event had no effect")
	}

	switch {
	case ev.Kind() == stream.KindAgentAction && !effect.Ignored:
		s.advanceLocked(TriggerAction)
	case effect.Finalized && ev.Kind() == stream.KindAgentFinish:
		s.finishLocked(TriggerFinish)
	case effect.Finalized:
		s.finishLocked(TriggerFail)
	}
	return true
}

// fail finalizes the live turn with a transport error.
func (s *Session) fail(gen uint64, cause error) {
	s.applyEvent(gen, stream.Error{
		Timestamp: s.now(),
		Message:   fmt.Sprintf("Connection to the agent failed: %v", cause),
		ErrorType: TransportErrorKind,
	})
}

func (s *Session) finishLocked(t Trigger) {
	s.finalized = true
	s.advanceLocked(t)
	s.advanceLocked(TriggerReset)
}

func (s *Session) advance(gen uint64, t Trigger) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return false
	}
	if !s.finalized {
		s.advanceLocked(t)
	}
	return true
}

func (s *Session) advanceLocked(t Trigger) {
	next, err := s.phase.Next(t)
	if err != nil {
		s.logger.WithError(err).Debug("Phase unchanged")
		return
	}
	s.logger.WithFields(logrus.Fields{
		"from":    s.phase.String(),
		"to":      next.String(),
		"trigger": t.String(),
	}).Debug("Phase transition")
	s.phase = next
}

func (s *Session) isFinalized(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen != s.gen || s.finalized
}

// watchdog fires once when no event arrives for the idle timeout.
type watchdog struct {
	timer   *time.Timer
	timeout time.Duration
}

func (s *Session) startWatchdog(fire func()) *watchdog {
	if s.idleTimeout <= 0 {
		return &watchdog{}
	}
	return &watchdog{timer: time.AfterFunc(s.idleTimeout, fire), timeout: s.idleTimeout}
}

func (w *watchdog) reset() {
	if w.timer != nil {
		w.timer.Reset(w.timeout)
	}
}

func (w *watchdog) stop() {
	if w.timer != nil {
		w.timer.Stop()
	}
}
