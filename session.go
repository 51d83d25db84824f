package sshstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotConnected is returned by reads attempted before the session was bound to a channel.
var ErrNotConnected = errors.New("session is not connected to a channel")

// Session buffers the data delivered by a Channel and serves it to readers. It implements
// StreamHandler and should be handed to the channel before the channel is established.
//
// Reads of one data type are served to one goroutine at a time. Reads of different data types, and
// Drain, may run concurrently.
type Session struct {
	// Fields in this block are protected by mu.
	//
	// recvBuf has one queue per data type declared by the channel, plus DataPrimary.
	// recvBufLen is the total length of the data chunks in recvBuf, in units of the channel.
	// lastErr is the error passed to ConnectionLost, if any.
	mu           sync.Mutex
	ch           Channel
	text         bool
	limit        int
	recvBuf      map[DataType]*recvQueue
	recvBufLen   int
	readWaiters  readWaiters
	drainWaiters drainWaiters
	writePaused  bool
	connLost     bool
	eofReceived  bool
	lastErr      error

	// lost is cancelled when the connection is lost.
	lost       context.Context
	cancelLost context.CancelFunc
}

// NewSession creates a session which is not yet bound to a channel.
func NewSession() *Session {
	lost, cancel := context.WithCancel(context.Background())
	return &Session{
		recvBuf:      map[DataType]*recvQueue{DataPrimary: {}},
		readWaiters:  readWaiters{DataPrimary: nil},
		drainWaiters: drainWaiters{},
		lost:         lost,
		cancelLost:   cancel,
	}
}

// NewClientSession creates a session for the client side of an SSH session channel. Clients need
// no hooks beyond the core stream handling.
func NewClientSession() *Session { return NewSession() }

// Channel returns the channel the session is bound to, or nil before ConnectionMade.
func (s *Session) Channel() Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// ConnectionMade implements StreamHandler.
func (s *Session) ConnectionMade(ch Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ch = ch
	s.limit = ch.RecvWindow()
	s.text = ch.Encoding() != ""
	for _, dt := range ch.ReadDataTypes() {
		s.recvBuf[dt] = &recvQueue{}
		s.readWaiters[dt] = nil
	}
}

// ConnectionLost implements StreamHandler. If EOF was not yet received, a non-nil err is queued
// behind the pending data of every data type and EOF is signaled.
func (s *Session) ConnectionLost(err error) {
	s.mu.Lock()
	s.connLost = true
	s.lastErr = err
	if !s.eofReceived {
		if err != nil {
			for _, q := range s.recvBuf {
				q.push(recvItem{err: err})
			}
		}
		s.eofLocked()
	}
	if s.writePaused {
		s.drainWaiters.wakeAll()
	}
	s.mu.Unlock()
	s.cancelLost()
}

// DataReceived implements StreamHandler. The session takes ownership of data.
func (s *Session) DataReceived(data []byte, dt DataType) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.recvBuf[dt]
	if !ok || s.eofReceived || len(data) == 0 {
		return
	}
	q.push(recvItem{data: data})
	s.recvBufLen += units(data, s.text)
	s.readWaiters.wake(dt)

	if s.recvBufLen >= s.limit {
		s.ch.PauseReading()
	}
}

// EOFReceived implements StreamHandler. The EOF is always accepted.
func (s *Session) EOFReceived() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eofLocked()
	return true
}

func (s *Session) eofLocked() {
	s.eofReceived = true
	s.readWaiters.wakeAll()
}

// PauseWriting implements StreamHandler.
func (s *Session) PauseWriting() {
	s.mu.Lock()
	s.writePaused = true
	s.mu.Unlock()
}

// ResumeWriting implements StreamHandler.
func (s *Session) ResumeWriting() {
	s.mu.Lock()
	s.writePaused = false
	s.drainWaiters.wakeAll()
	s.mu.Unlock()
}

// pushMarker queues an out-of-band marker, such as a *SignalReceived, on the primary data type.
// Markers received after the connection was lost are dropped.
func (s *Session) pushMarker(marker error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connLost {
		return
	}
	s.recvBuf[DataPrimary].push(recvItem{err: marker})
	s.readWaiters.wake(DataPrimary)
}

// AtEOF returns true if EOF was received and nothing is left to read on dt.
func (s *Session) AtEOF(dt DataType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.recvBuf[dt]
	return s.eofReceived && (!ok || q.empty())
}

// Read reads up to n units from dt, blocking until data is available.
//
// If n is negative, Read reads until EOF or until an out-of-band marker is reached. If n is zero,
// Read returns immediately. Otherwise, if exact is false, Read returns as soon as any data is
// available; if exact is true, Read returns exactly n units or fails with *IncompleteReadError.
//
// At EOF, Read returns an empty slice and a nil error. An error or marker queued on dt is returned
// once all data ahead of it has been read. If ctx is done before the read completes, any data
// collected so far is returned to the queue and ctx.Err() is returned.
func (s *Session) Read(ctx context.Context, n int, dt DataType, exact bool) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.queueLocked(dt)
	if err != nil {
		return nil, err
	}

	var (
		data      [][]byte
		collected int
	)
	for {
		// Set when an error or marker at the head of the queue ends the read.
		stopped := false

		for !q.empty() && n != 0 {
			head := q.front()
			if head.err != nil {
				if len(data) > 0 {
					stopped = true
					break
				}
				return nil, q.pop().err
			}

			l := units(head.data, s.text)
			if n > 0 && l > n {
				off := unitOffset(head.data, n, s.text)
				data = append(data, head.data[:off])
				head.data = head.data[off:]
				s.recvBufLen -= n
				collected += n
				n = 0
				break
			}

			data = append(data, q.pop().data)
			s.recvBufLen -= l
			collected += l
			if n > 0 {
				n -= l
			}
		}

		s.resumeReadingLocked()

		if n == 0 || (n > 0 && len(data) > 0 && !exact) || s.eofReceived || stopped {
			break
		}

		if err := s.waitLocked(ctx, dt); err != nil {
			s.unreadLocked(q, data, collected)
			return nil, err
		}
	}

	buf := bytes.Join(data, nil)
	if n > 0 && exact {
		return nil, &IncompleteReadError{Partial: buf, Expected: collected + n, Shortfall: n}
	}
	return buf, nil
}

// ReadLine reads one line from dt, including the trailing '\n'. If EOF is reached first, the
// partial line is returned without error; at EOF with nothing buffered the result is empty.
func (s *Session) ReadLine(ctx context.Context, dt DataType) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.queueLocked(dt)
	if err != nil {
		return nil, err
	}

	var (
		data      [][]byte
		collected int
	)
	for {
		for !q.empty() {
			head := q.front()
			if head.err != nil {
				s.resumeReadingLocked()
				if len(data) > 0 {
					return bytes.Join(data, nil), nil
				}
				return nil, q.pop().err
			}

			if idx := lineEnd(head.data); idx > 0 {
				line := head.data[:idx]
				data = append(data, line)
				if head.data = head.data[idx:]; len(head.data) == 0 {
					q.pop()
				}
				s.recvBufLen -= units(line, s.text)
				s.resumeReadingLocked()
				return bytes.Join(data, nil), nil
			}

			chunk := q.pop().data
			data = append(data, chunk)
			l := units(chunk, s.text)
			s.recvBufLen -= l
			collected += l
		}

		s.resumeReadingLocked()

		if s.eofReceived {
			return bytes.Join(data, nil), nil
		}

		if err := s.waitLocked(ctx, dt); err != nil {
			s.unreadLocked(q, data, collected)
			return nil, err
		}
	}
}

// Drain blocks while writing on the channel is paused. It returns the error which ended the
// connection if the connection was lost, or ErrBrokenPipe if the connection was lost with writing
// still paused and no error was recorded.
func (s *Session) Drain(ctx context.Context) error {
	s.mu.Lock()
	if s.writePaused && !s.connLost {
		c := s.drainWaiters.add()
		s.mu.Unlock()
		select {
		case <-c:
		case <-ctx.Done():
			s.mu.Lock()
			s.drainWaiters.remove(c)
			s.mu.Unlock()
			return ctx.Err()
		}
		s.mu.Lock()
	}
	defer s.mu.Unlock()

	if s.connLost {
		err := s.lastErr
		if err == nil && s.writePaused {
			err = ErrBrokenPipe
		}
		return err
	}
	return nil
}

func (s *Session) queueLocked(dt DataType) (*recvQueue, error) {
	if s.ch == nil {
		return nil, ErrNotConnected
	}
	q, ok := s.recvBuf[dt]
	if !ok {
		return nil, fmt.Errorf("data type %d is not read by this channel", dt)
	}
	if s.readWaiters.busy(dt) {
		return nil, ErrConcurrentRead
	}
	return q, nil
}

// waitLocked parks the caller on dt until the session signals new input or ctx is done. The
// session lock is released while waiting.
func (s *Session) waitLocked(ctx context.Context, dt DataType) error {
	wake, err := s.readWaiters.register(dt)
	if err != nil {
		return err
	}
	s.mu.Unlock()
	select {
	case <-wake:
	case <-ctx.Done():
		err = ctx.Err()
	}
	s.mu.Lock()
	s.readWaiters.release(dt)
	return err
}

// unreadLocked returns data consumed by an abandoned read to the head of q.
func (s *Session) unreadLocked(q *recvQueue, data [][]byte, collected int) {
	q.pushFront(data)
	s.recvBufLen += collected
	if collected > 0 && s.recvBufLen >= s.limit {
		s.ch.PauseReading()
	}
}

func (s *Session) resumeReadingLocked() {
	if s.recvBufLen < s.limit {
		s.ch.ResumeReading()
	}
}

// lostContext is cancelled once the connection is lost.
func (s *Session) lostContext() context.Context { return s.lost }
