package sshstream

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"time"
)

// deadline is a resettable point in time, modeled on the deadline used by net.Pipe. The channel
// returned by wait is closed once the deadline passes.
type deadline struct {
	sync.Mutex

	timer   *time.Timer
	expired chan struct{}
}

func newDeadline() *deadline {
	return &deadline{expired: make(chan struct{})}
}

// set the deadline. Points in the past are valid input and will immediately expire the deadline.
// A zero value for t unsets the deadline.
func (d *deadline) set(t time.Time) {
	d.Lock()
	defer d.Unlock()

	if d.timer != nil && !d.timer.Stop() {
		// The timer fired; wait for it to close the channel.
		<-d.expired
	}
	d.timer = nil

	closed := isClosedChan(d.expired)
	if t.IsZero() {
		if closed {
			d.expired = make(chan struct{})
		}
		return
	}
	if dur := time.Until(t); dur > 0 {
		if closed {
			d.expired = make(chan struct{})
		}
		expired := d.expired
		d.timer = time.AfterFunc(dur, func() { close(expired) })
		return
	}
	if !closed {
		close(d.expired)
	}
}

func (d *deadline) wait() <-chan struct{} {
	d.Lock()
	defer d.Unlock()
	return d.expired
}

func isClosedChan(c <-chan struct{}) bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}

// fullConn adds concurrency support and deadline handling to an almostConn. See the almostConn type
// for requirements and assumptions about the behavior of this wrapped connection.
//
// All exported methods are concurrency-safe. Reads are single-threaded, as are writes, but a Read
// can operate concurrently with a Write. All methods behave as defined by the net.Conn interface.
// Deadlines and Close cancel pending operations through their context; data consumed by a read
// which is cancelled is kept for the next Read.
type fullConn struct {
	wrapped almostConn

	readLock, writeLock         sync.Mutex
	readDeadline, writeDeadline *deadline

	// shakeErr is valid once shakeDone is closed.
	shakeOnce sync.Once
	shakeErr  error
	shakeDone chan struct{}

	// Fields in this block are protected by closeOnce.
	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}

	// We cannot call Handshake and Close concurrently on the wrapped connection. This binary
	// semaphore is used to synchronize calls to both methods.
	handshakeOrCloseSema chan struct{}
}

func newFullConn(conn almostConn) *fullConn {
	return &fullConn{
		wrapped:              conn,
		readDeadline:         newDeadline(),
		writeDeadline:        newDeadline(),
		shakeDone:            make(chan struct{}),
		closed:               make(chan struct{}),
		handshakeOrCloseSema: make(chan struct{}, 1),
	}
}

// Read implements net.Conn.Read.
func (c *fullConn) Read(b []byte) (n int, err error) {
	c.readLock.Lock()
	defer c.readLock.Unlock()

	ctx, cancel, err := c.startOp(c.readDeadline)
	if err != nil {
		return 0, err
	}
	defer cancel()

	n, err = c.wrapped.ReadContext(ctx, b)
	return n, c.opError(ctx, err)
}

// Write implements net.Conn.Write.
//
// Write may return os.ErrDeadlineExceeded or net.ErrClosed after the data has been queued on the
// channel, in which case the data may still be sent.
func (c *fullConn) Write(b []byte) (n int, err error) {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	ctx, cancel, err := c.startOp(c.writeDeadline)
	if err != nil {
		return 0, err
	}
	defer cancel()

	n, err = c.wrapped.WriteContext(ctx, b)
	return n, c.opError(ctx, err)
}

// startOp checks the state of the connection, completes the handshake, and returns a context which
// is cancelled when dl expires or the connection is closed.
func (c *fullConn) startOp(dl *deadline) (context.Context, context.CancelFunc, error) {
	if c.isClosed() {
		return nil, nil, net.ErrClosed
	}
	expired := dl.wait()
	if isClosedChan(expired) {
		return nil, nil, os.ErrDeadlineExceeded
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-expired:
		case <-c.closed:
		case <-ctx.Done():
		}
		cancel()
	}()

	if err := c.handshake(ctx); err != nil {
		cancel()
		return nil, nil, c.opError(ctx, err)
	}
	return ctx, cancel, nil
}

// opError translates cancellation of an operation's context into the error net.Conn callers expect.
func (c *fullConn) opError(ctx context.Context, err error) error {
	if err == nil || ctx.Err() == nil || !errors.Is(err, context.Canceled) {
		return err
	}
	if c.isClosed() {
		return net.ErrClosed
	}
	return os.ErrDeadlineExceeded
}

// Handshake initiates the connection if necessary. It is safe to call this function multiple times.
func (c *fullConn) Handshake() error {
	return c.handshake(context.Background())
}

func (c *fullConn) handshake(ctx context.Context) error {
	c.shakeOnce.Do(func() {
		go func() {
			select {
			case c.handshakeOrCloseSema <- struct{}{}:
				c.shakeErr = c.wrapped.Handshake()
				<-c.handshakeOrCloseSema
			default:
				// The connection must be closing. Abandon handshake.
				c.shakeErr = net.ErrClosed
			}
			close(c.shakeDone)
		}()
	})
	if c.isClosed() {
		return net.ErrClosed
	}
	select {
	case <-c.shakeDone:
		return c.shakeErr
	case <-c.closed:
		return net.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements net.Conn.Close. It is safe to call Close multiple times.
func (c *fullConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		select {
		case c.handshakeOrCloseSema <- struct{}{}:
			c.closeErr = c.wrapped.Close()
			// Retain the semaphore to prevent future handshakes.
		default:
			// Handshake ongoing. Launch a routine to wait and close. In this (likely rare) case, we
			// fib about the connection being completely closed.
			go func() {
				c.handshakeOrCloseSema <- struct{}{}
				c.wrapped.Close()
				// Retain the semaphore to prevent future handshakes.
			}()
		}
	})
	return c.closeErr
}

// LocalAddr implements net.Conn.LocalAddr.
func (c *fullConn) LocalAddr() net.Addr { return c.wrapped.LocalAddr() }

// RemoteAddr implements net.Conn.RemoteAddr.
func (c *fullConn) RemoteAddr() net.Addr { return c.wrapped.RemoteAddr() }

// SetReadDeadline implements net.Conn.SetReadDeadline.
func (c *fullConn) SetReadDeadline(t time.Time) error { c.readDeadline.set(t); return nil }

// SetWriteDeadline implements net.Conn.SetWriteDeadline.
func (c *fullConn) SetWriteDeadline(t time.Time) error { c.writeDeadline.set(t); return nil }

// SetDeadline implements net.Conn.SetDeadline.
func (c *fullConn) SetDeadline(t time.Time) error {
	c.readDeadline.set(t)
	c.writeDeadline.set(t)
	return nil
}

func (c *fullConn) isClosed() bool { return isClosedChan(c.closed) }
