package gateway

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOutboundQueue_FIFOOrder(t *testing.T) {
	q := newOutboundQueue(10)
	q.Push([]byte("a"))
	q.Push([]byte("b"))

	f, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, "a", string(f.data))

	f, ok = q.Pop()
	require.True(t, ok)
	require.Equal(t, "b", string(f.data))

	_, ok = q.Pop()
	require.False(t, ok)
}

func TestOutboundQueue_DOMSnapshotSupersedesQueued(t *testing.T) {
	q := newOutboundQueue(10)
	q.PushDOM([]byte("dom-v1"))
	q.Push([]byte("trade-1"))
	q.PushDOM([]byte("dom-v2"))

	f, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, "dom-v2", string(f.data))
	require.True(t, f.isDOM)

	f, ok = q.Pop()
	require.True(t, ok)
	require.Equal(t, "trade-1", string(f.data))
}

func TestOutboundQueue_DropsOldestNonSnapshotUnderPressure(t *testing.T) {
	q := newOutboundQueue(8)
	q.PushDOM([]byte("dom"))
	for i := 0; i < 20; i++ {
		q.Push([]byte(fmt.Sprintf("msg-%d", i)))
	}

	require.Greater(t, q.Dropped(), int64(0))

	// The DOM snapshot must never have been dropped.
	var sawDOM bool
	for {
		f, ok := q.Pop()
		if !ok {
			break
		}
		if f.isDOM {
			sawDOM = true
			require.Equal(t, "dom", string(f.data))
		}
	}
	require.True(t, sawDOM)
}

func TestOutboundQueue_PopAfterCloseDrainsThenEmpty(t *testing.T) {
	q := newOutboundQueue(4)
	q.Push([]byte("x"))
	q.Close()
	q.Push([]byte("y")) // ignored: queue is closed

	f, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, "x", string(f.data))

	_, ok = q.Pop()
	require.False(t, ok)
}
