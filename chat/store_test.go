package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreSnapshotsAreIndependent(t *testing.T) {
	store := NewStore(testLogger())
	store.update(func(st ChatState) (ChatState, bool) {
		return fold(inFlight("q"), action(1, "sql_db_list_tables")), true
	})

	snap := store.State()
	require.NotNil(t, snap.CurrentMessage)
	snap.CurrentMessage.Steps[0].Action.Tool = "changed"
	snap.CurrentMessage.Question = "changed"

	again := store.State()
	assert.Equal(t, "sql_db_list_tables", again.CurrentMessage.Steps[0].Action.Tool)
	assert.Equal(t, "q", again.CurrentMessage.Question)
}

func TestStoreSubscribe(t *testing.T) {
	store := NewStore(testLogger())

	var seen []int
	unsubscribe := store.Subscribe(func(st ChatState) {
		seen = append(seen, len(st.Messages))
	})

	appendTurn := func(st ChatState) (ChatState, bool) {
		st.Messages = append(st.Messages, ChatMessage{ID: "m"})
		return st, true
	}
	store.update(appendTurn)
	store.update(func(st ChatState) (ChatState, bool) { return st, false })
	store.update(appendTurn)
	assert.Equal(t, []int{1, 2}, seen)

	unsubscribe()
	store.update(appendTurn)
	assert.Equal(t, []int{1, 2}, seen)
	assert.Len(t, store.State().Messages, 3)
}

func TestStoreSubscribersInOrder(t *testing.T) {
	store := NewStore(testLogger())

	var calls []int
	for i := range 8 {
		store.Subscribe(func(ChatState) { calls = append(calls, i) })
	}
	store.update(func(st ChatState) (ChatState, bool) { return inFlight("q"), true })
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, calls)
}

func TestStoreUnsubscribeFromCallback(t *testing.T) {
	store := NewStore(testLogger())

	calls := 0
	var unsubscribe func()
	unsubscribe = store.Subscribe(func(ChatState) {
		calls++
		unsubscribe()
	})
	others := 0
	store.Subscribe(func(ChatState) { others++ })

	done := make(chan struct{})
	go func() {
		defer close(done)
		store.update(func(st ChatState) (ChatState, bool) { return inFlight("q"), true })
		store.update(func(st ChatState) (ChatState, bool) { return inFlight("r"), true })
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("update blocked on unsubscribe from a callback")
	}

	assert.Equal(t, 1, calls)
	assert.Equal(t, 2, others)
}
