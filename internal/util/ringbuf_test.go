package util

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRingBufferOverwritesOldest(t *testing.T) {
	r := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	require.Equal(t, []int{3, 4, 5}, r.Snapshot())
	require.Equal(t, 3, r.Len())

	r.Reset()
	require.Zero(t, r.Len())
	require.Empty(t, r.Snapshot())

	r.Push(9)
	require.Equal(t, []int{9}, r.Snapshot())
}

func TestResolvePath(t *testing.T) {
	require.Equal(t, filepath.Join("base", "data", "x.db"), ResolvePath("base", "data/x.db"))
	require.Equal(t, "/abs/x.db", ResolvePath("base", "/abs/x.db"))
}

func TestClamp(t *testing.T) {
	require.Equal(t, 2*time.Second, Clamp(time.Second, 2*time.Second, 9*time.Second))
	require.Equal(t, 9*time.Second, Clamp(time.Minute, 2*time.Second, 9*time.Second))
	require.Equal(t, 5*time.Second, Clamp(5*time.Second, 2*time.Second, 9*time.Second))
}
