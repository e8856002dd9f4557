package shm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateThenOpenSharesUnderlyingBuffer(t *testing.T) {
	a := NewInMemoryAllocator()
	seg, err := a.Create("BytePS_ShM_job1_0_0", 4)
	require.NoError(t, err)

	copy(seg.Bytes(), []byte{1, 2, 3, 4})

	opened, err := a.Open("BytePS_ShM_job1_0_0")
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, opened.Bytes())
}

func TestOpenUnknownSegmentFails(t *testing.T) {
	a := NewInMemoryAllocator()
	_, err := a.Open("nope")
	require.Error(t, err)
}

func TestUnlinkRemovesSegment(t *testing.T) {
	a := NewInMemoryAllocator()
	_, err := a.Create("seg", 1)
	require.NoError(t, err)
	require.NoError(t, a.Unlink("seg"))
	_, err = a.Open("seg")
	require.Error(t, err)
}

func TestSegmentNameFormats(t *testing.T) {
	require.Equal(t, "BytePS_ShM_job1_3_0", PushPullSegmentName("job1", 3, 0))
	require.Equal(t, "BytePS_P2P_ShM_job1_2_5", P2PSegmentName("job1", 2, 5))
}
