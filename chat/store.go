package chat

import (
	"slices"
	"sync"

	"github.com/sirupsen/logrus"
)

// Store holds the ChatState of one conversation. It knows nothing about
// transports: a Session writes to it, presentation code reads snapshots or
// subscribes to changes.
type Store struct {
	mu    sync.RWMutex
	state ChatState

	// notifyMu keeps subscriber callbacks in update order without holding mu,
	// so callbacks may read State.
	notifyMu sync.Mutex

	// subsMu guards the subscriber list only; it is never held while a
	// callback runs, so callbacks may subscribe or unsubscribe.
	subsMu      sync.Mutex
	subscribers []subscriber // in subscription order
	nextSubID   int

	logger *logrus.Entry
}

// NewStore returns an empty store.
func NewStore(logger *logrus.Logger) *Store {
	return &Store{
		logger: logger.WithField("component", "chat_store"),
	}
}

// State returns a deep copy of the current state.
func (s *Store) State() ChatState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

type subscriber struct {
	id int
	fn func(ChatState)
}

// Subscribe registers fn to receive a snapshot after every change. Subscribers
// are called in subscription order. fn runs on the writer's goroutine and must
// not call back into the Session that owns the store. The returned function
// removes the subscription and may be called from inside fn.
func (s *Store) Subscribe(fn func(ChatState)) func() {
	s.subsMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers = append(s.subscribers, subscriber{id: id, fn: fn})
	s.subsMu.Unlock()

	return func() {
		s.subsMu.Lock()
		s.subscribers = slices.DeleteFunc(s.subscribers, func(sub subscriber) bool { return sub.id == id })
		s.subsMu.Unlock()
	}
}

// update replaces the state with fn(state) atomically and notifies
// subscribers. When fn reports no change nothing is stored or published.
func (s *Store) update(fn func(ChatState) (ChatState, bool)) {
	s.mu.Lock()
	next, changed := fn(s.state)
	if !changed {
		s.mu.Unlock()
		return
	}
	s.state = next
	snapshot := s.state.Clone()
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()

	s.subsMu.Lock()
	subs := slices.Clone(s.subscribers)
	s.subsMu.Unlock()

	for _, sub := range subs {
		sub.fn(snapshot.Clone())
	}
	if len(subs) > 0 {
		s.logger.WithFields(logrus.Fields{
			"subscribers": len(subs),
			"messages":    len(snapshot.Messages),
			"isStreaming": snapshot.IsStreaming,
		}).Debug("Chat state published")
	}
}
