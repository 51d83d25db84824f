package sshstream

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecvQueue(t *testing.T) {
	t.Parallel()

	var q recvQueue
	require.True(t, q.empty())

	errLost := errors.New("lost")
	q.push(recvItem{data: []byte("c")})
	q.push(recvItem{err: errLost})
	q.pushFront([][]byte{[]byte("a"), []byte("b")})

	var got []string
	for !q.empty() {
		item := q.pop()
		if item.err != nil {
			got = append(got, item.err.Error())
			continue
		}
		got = append(got, string(item.data))
	}
	require.Equal(t, []string{"a", "b", "c", "lost"}, got)
}

func TestUnits(t *testing.T) {
	t.Parallel()

	b := []byte("añb€c")
	assert.Equal(t, 8, units(b, false))
	assert.Equal(t, 5, units(b, true))

	assert.Equal(t, 2, unitOffset(b, 2, false))
	assert.Equal(t, 3, unitOffset(b, 2, true))
	assert.Equal(t, 7, unitOffset(b, 4, true))
	assert.Equal(t, len(b), unitOffset(b, 5, true))

	assert.Equal(t, 0, lineEnd([]byte("no separator")))
	assert.Equal(t, 3, lineEnd([]byte("ab\ncd\n")))
}

func TestReadWaiters(t *testing.T) {
	t.Parallel()

	w := readWaiters{DataPrimary: nil}
	require.False(t, w.busy(DataPrimary))

	c, err := w.register(DataPrimary)
	require.NoError(t, err)
	require.True(t, w.busy(DataPrimary))
	_, err = w.register(DataPrimary)
	require.ErrorIs(t, err, ErrConcurrentRead)

	// Wakes do not block and coalesce.
	w.wake(DataPrimary)
	w.wakeAll()
	<-c
	select {
	case <-c:
		t.Fatal("expected a single pending wake")
	default:
	}

	w.release(DataPrimary)
	require.False(t, w.busy(DataPrimary))
	w.wake(DataPrimary)
}

func TestDrainWaiters(t *testing.T) {
	t.Parallel()

	w := drainWaiters{}
	c1, c2 := w.add(), w.add()
	w.remove(c2)
	w.wakeAll()
	require.Empty(t, w)

	_, open := <-c1
	require.False(t, open)
	select {
	case <-c2:
		t.Fatal("removed waiter should not be woken")
	default:
	}
}
