package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCancelManager(t *testing.T) {
	cm := NewCancelManager()

	ctx1, cancel1 := context.WithCancel(context.Background())
	defer cancel1()
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()

	cm.AddExecution("q1", cancel1)
	cm.AddExecution("q2", cancel2)
	assert.ElementsMatch(t, []string{"q1", "q2"}, cm.GetActiveExecutions())

	assert.True(t, cm.CancelExecution("q1"))
	assert.ErrorIs(t, ctx1.Err(), context.Canceled)
	assert.NoError(t, ctx2.Err())
	assert.False(t, cm.CancelExecution("q1"))

	cm.RemoveExecution("q2")
	assert.Empty(t, cm.GetActiveExecutions())
	assert.NoError(t, ctx2.Err())
}

func TestCancelManagerCancelAll(t *testing.T) {
	cm := NewCancelManager()
	ctxs := make([]context.Context, 3)
	for i, id := range []string{"a", "b", "c"} {
		ctx, cancel := context.WithCancel(context.Background())
		ctxs[i] = ctx
		cm.AddExecution(id, cancel)
	}

	assert.Equal(t, 3, cm.CancelAll())
	for _, ctx := range ctxs {
		assert.ErrorIs(t, ctx.Err(), context.Canceled)
	}
	assert.Empty(t, cm.GetActiveExecutions())
	assert.Zero(t, cm.CancelAll())
}
