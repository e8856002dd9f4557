package errs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTableRegisterOnce(t *testing.T) {
	tbl := NewTable()
	var calls int
	cb := func(Status) { calls++ }

	require.True(t, tbl.Register(1, cb))
	require.False(t, tbl.Register(1, cb), "second registration under the same key must be rejected")
	require.Equal(t, 1, tbl.Len())
}

func TestTableResolveDeliversOnceAndRemoves(t *testing.T) {
	tbl := NewTable()
	var got Status
	tbl.Register(7, func(s Status) { got = s })

	tbl.Resolve(7, New(DataLoss, "ps transport lost the shard"))
	require.Equal(t, DataLoss, got.Code)
	require.Equal(t, 0, tbl.Len())

	// A second resolve under the same key must be a no-op: nothing registered anymore.
	tbl.Resolve(7, StatusOK)
	require.Equal(t, DataLoss, got.Code)
}

func TestTableForgetPreventsAsyncErrorRace(t *testing.T) {
	tbl := NewTable()
	var calls int
	tbl.Register(3, func(Status) { calls++ })

	tbl.Forget(3)
	tbl.Resolve(3, New(UnknownError, "late transport error"))
	require.Equal(t, 0, calls)
}

func TestFirstNonOK(t *testing.T) {
	require.Equal(t, StatusOK, FirstNonOK(StatusOK, StatusOK))
	bad := New(InvalidArgument, "bad split")
	require.Equal(t, bad, FirstNonOK(bad, StatusOK))
	require.Equal(t, bad, FirstNonOK(StatusOK, bad))
}
