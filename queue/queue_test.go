package queue

import (
	"context"
	"testing"
	"time"

	"github.com/bytegrid/commfabric/task"
	"github.com/stretchr/testify/require"
)

func entryWithKey(key uint64) Entry {
	h := &task.Header{Key: key}
	return Entry{Task: &task.PushPull{Header: *h}, Header: h}
}

func TestFIFOOrderWhenAllDeliverable(t *testing.T) {
	q := New(Config{Name: "PUSH", Stage: task.StagePush})
	ctx := context.Background()

	require.NoError(t, q.AddTask(ctx, entryWithKey(1)))
	require.NoError(t, q.AddTask(ctx, entryWithKey(2)))
	require.NoError(t, q.AddTask(ctx, entryWithKey(3)))

	e1, err := q.GetTask(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(1), e1.Header.Key)

	e2, _ := q.GetTask(ctx, nil)
	require.Equal(t, uint64(2), e2.Header.Key)
}

func TestWithheldTaskIsSkippedUntilPredicateSatisfied(t *testing.T) {
	q := New(Config{Name: "COPYD2H", Stage: task.StageCopyD2H})
	ctx := context.Background()

	notReady := entryWithKey(1)
	ready := entryWithKey(2)
	notReady.Header.ReadyEvent = &flagReady{}
	ready.Header.ReadyEvent = &flagReady{ready: true}

	require.NoError(t, q.AddTask(ctx, notReady))
	require.NoError(t, q.AddTask(ctx, ready))

	pred := func(h *task.Header) bool {
		re, ok := h.ReadyEvent.(*flagReady)
		return ok && re.Ready()
	}

	e, err := q.GetTask(ctx, pred)
	require.NoError(t, err)
	require.Equal(t, uint64(2), e.Header.Key, "the withheld task must not be delivered ahead of the ready one")
	require.Equal(t, 1, q.Len(), "the withheld task remains queued")
}

func TestPriorityOrderingAmongDeliverable(t *testing.T) {
	q := New(Config{Name: "PUSH", Stage: task.StagePush, Priority: true})
	ctx := context.Background()

	low := entryWithKey(1)
	low.Header.Priority = 1
	high := entryWithKey(2)
	high.Header.Priority = 5

	require.NoError(t, q.AddTask(ctx, low))
	require.NoError(t, q.AddTask(ctx, high))

	e, err := q.GetTask(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(2), e.Header.Key, "higher priority task must be delivered first")
}

func TestBoundedCapacityBlocksUntilSpaceFrees(t *testing.T) {
	q := New(Config{Name: "PUSH", Stage: task.StagePush, Capacity: 1})
	ctx := context.Background()

	require.NoError(t, q.AddTask(ctx, entryWithKey(1)))

	addDone := make(chan error, 1)
	go func() { addDone <- q.AddTask(ctx, entryWithKey(2)) }()

	select {
	case <-addDone:
		t.Fatal("AddTask should have blocked while queue is at capacity")
	case <-time.After(50 * time.Millisecond):
	}

	_, err := q.GetTask(ctx, nil)
	require.NoError(t, err)

	select {
	case err := <-addDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("AddTask did not unblock after space freed")
	}
}

func TestCloseUnblocksGetTask(t *testing.T) {
	q := New(Config{Name: "PUSH", Stage: task.StagePush})
	ctx := context.Background()

	resultCh := make(chan error, 1)
	go func() {
		_, err := q.GetTask(ctx, nil)
		resultCh <- err
	}()

	q.Close()

	select {
	case err := <-resultCh:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("GetTask did not unblock on Close")
	}
}

type flagReady struct{ ready bool }

func (f *flagReady) Ready() bool { return f.ready }
