package pstransport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPushPullRoundTrip(t *testing.T) {
	hub := NewHub(1)
	tr := hub.NewTransport(0)
	ctx := context.Background()

	st := tr.Push(ctx, 3, 42, []byte("hello"))
	require.True(t, st.OK())

	dst := make([]byte, 5)
	st = tr.Pull(ctx, 3, 42, dst)
	require.True(t, st.OK())
	require.Equal(t, "hello", string(dst))
}

func TestPullBeforePushIsPrecondition(t *testing.T) {
	hub := NewHub(1)
	tr := hub.NewTransport(0)
	st := tr.Pull(context.Background(), 3, 1, make([]byte, 1))
	require.False(t, st.OK())
}

func TestSendRecvDeliversAcrossRanks(t *testing.T) {
	hub := NewHub(2)
	sender := hub.NewTransport(0)
	receiver := hub.NewTransport(1)
	ctx := context.Background()

	recvDone := make(chan []byte, 1)
	go func() {
		dst := make([]byte, 3)
		st := receiver.Recv(ctx, 0, 99, dst)
		require.True(t, st.OK())
		recvDone <- dst
	}()

	time.Sleep(10 * time.Millisecond)
	st := sender.Send(ctx, 1, 99, []byte("abc"))
	require.True(t, st.OK())

	select {
	case got := <-recvDone:
		require.Equal(t, "abc", string(got))
	case <-time.After(time.Second):
		t.Fatal("recv did not unblock")
	}
}

func TestRecvCancelledByContext(t *testing.T) {
	hub := NewHub(1)
	receiver := hub.NewTransport(0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	st := receiver.Recv(ctx, 1, 5, make([]byte, 1))
	require.False(t, st.OK())
}

func TestBarrierReleasesAllRanksTogether(t *testing.T) {
	hub := NewHub(3)
	var wg sync.WaitGroup
	released := make([]bool, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			tr := hub.NewTransport(rank)
			st := tr.Barrier(context.Background(), 0)
			require.True(t, st.OK())
			released[rank] = true
		}(i)
	}
	wg.Wait()
	for _, r := range released {
		require.True(t, r)
	}
}
