package sshstream

import (
	"bytes"
	"unicode/utf8"
)

// recvItem is an entry in a receive queue: either a chunk of data or an error. Errors are terminal
// errors recorded when the channel was lost, or out-of-band markers like *SignalReceived.
type recvItem struct {
	data []byte
	err  error
}

// recvQueue is the ordered queue of pending items for one data type.
type recvQueue struct {
	items []recvItem
}

func (q *recvQueue) empty() bool { return len(q.items) == 0 }

func (q *recvQueue) push(item recvItem) { q.items = append(q.items, item) }

// pushFront returns data to the head of the queue, ahead of everything already queued.
func (q *recvQueue) pushFront(chunks [][]byte) {
	if len(chunks) == 0 {
		return
	}
	items := make([]recvItem, 0, len(chunks)+len(q.items))
	for _, c := range chunks {
		items = append(items, recvItem{data: c})
	}
	q.items = append(items, q.items...)
}

func (q *recvQueue) front() *recvItem { return &q.items[0] }

func (q *recvQueue) pop() recvItem {
	item := q.items[0]
	q.items[0] = recvItem{}
	q.items = q.items[1:]
	return item
}

// units counts b in the units of the channel: bytes, or runes for text channels.
func units(b []byte, text bool) int {
	if text {
		return utf8.RuneCount(b)
	}
	return len(b)
}

// unitOffset returns the byte offset in b just past the first n units. n must not exceed the number
// of units in b.
func unitOffset(b []byte, n int, text bool) int {
	if !text {
		return n
	}
	off := 0
	for i := 0; i < n; i++ {
		_, size := utf8.DecodeRune(b[off:])
		off += size
	}
	return off
}

// lineEnd returns the byte offset just past the first line separator in b, or 0 if b holds no
// separator. The separator is a single byte in both raw and text modes.
func lineEnd(b []byte) int {
	return bytes.IndexByte(b, '\n') + 1
}
