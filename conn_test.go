package sshstream

import (
	"bytes"
	"crypto/rand"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/getlantern/nettest"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

var (
	noDeadline = time.Time{}
	inThePast  = time.Now().Add(-1 * time.Hour)
)

// makePipe returns a client and server Conn over a local TCP connection. Neither has handshaked.
func makePipe(t *testing.T, keyword string) (client, server Conn) {
	t.Helper()

	client, server, err := connPipe(newTestSigner(t), keyword)
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

// makeConformancePipe implements nettest.MakePipe.
func makeConformancePipe(hostKey ssh.Signer, keyword string) nettest.MakePipe {
	return func() (c1, c2 net.Conn, stop func(), err error) {
		client, server, err := connPipe(hostKey, keyword)
		if err != nil {
			return nil, nil, nil, err
		}
		return client, server, func() { client.Close(); server.Close() }, nil
	}
}

func connPipe(hostKey ssh.Signer, keyword string) (client, server Conn, err error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, err
	}
	defer l.Close()

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	acceptC := make(chan acceptResult, 1)
	go func() {
		conn, err := l.Accept()
		acceptC <- acceptResult{conn, err}
	}()

	transport, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		return nil, nil, err
	}
	res := <-acceptC
	if res.err != nil {
		transport.Close()
		return nil, nil, res.err
	}

	client = Client(transport, DialerConfig{
		ServerPublicKey:    hostKey.PublicKey(),
		ObfuscationKeyword: keyword,
	})
	server = Server(res.conn, ListenerConfig{
		HostKey:            hostKey,
		ObfuscationKeyword: keyword,
	})
	return client, server, nil
}

func handshakePair(t *testing.T, c1, c2 Conn) {
	t.Helper()
	errC := make(chan error, 1)
	go func() { errC <- c2.Handshake() }()
	require.NoError(t, c1.Handshake())
	require.NoError(t, <-errC)
}

func TestConn(t *testing.T) {
	for _, keyword := range []string{"", "obfuscation-keyword"} {
		keyword := keyword
		name := "plain"
		if keyword != "" {
			name = "obfuscated"
		}
		t.Run(name, func(t *testing.T) {
			// Tests I/O, deadline support, net.Conn adherence, and data races.
			t.Run("Conformance", func(t *testing.T) {
				nettest.TestConn(t, makeConformancePipe(newTestSigner(t), keyword))
			})
			t.Run("ReadWrite", func(t *testing.T) {
				t.Parallel()
				c1, c2 := makePipe(t, keyword)

				errC := make(chan error, 1)
				go func() {
					_, err := c1.Write([]byte("hello"))
					errC <- err
				}()
				buf := make([]byte, 5)
				_, err := io.ReadFull(c2, buf)
				require.NoError(t, err)
				require.Equal(t, "hello", string(buf))
				require.NoError(t, <-errC)

				_, err = c2.Write([]byte("world"))
				require.NoError(t, err)
				_, err = io.ReadFull(c1, buf)
				require.NoError(t, err)
				require.Equal(t, "world", string(buf))
			})
			t.Run("PartialReads", func(t *testing.T) {
				t.Parallel()
				c1, c2 := makePipe(t, keyword)
				handshakePair(t, c1, c2)

				_, err := c1.Write([]byte("hello world"))
				require.NoError(t, err)

				buf := make([]byte, 5)
				_, err = io.ReadFull(c2, buf)
				require.NoError(t, err)
				require.Equal(t, "hello", string(buf))

				buf = make([]byte, 6)
				_, err = io.ReadFull(c2, buf)
				require.NoError(t, err)
				require.Equal(t, " world", string(buf))
			})
			t.Run("LargeTransfer", func(t *testing.T) {
				t.Parallel()
				c1, c2 := makePipe(t, keyword)
				handshakePair(t, c1, c2)

				data := make([]byte, 1024*1024)
				_, err := rand.Read(data)
				require.NoError(t, err)

				errC := make(chan error, 1)
				go func() {
					for b := data; len(b) > 0; {
						n := 16 * 1024
						if n > len(b) {
							n = len(b)
						}
						if _, err := c1.Write(b[:n]); err != nil {
							errC <- err
							return
						}
						b = b[n:]
					}
					errC <- nil
				}()

				received := make([]byte, len(data))
				_, err = io.ReadFull(c2, received)
				require.NoError(t, err)
				require.NoError(t, <-errC)
				require.True(t, bytes.Equal(data, received))
			})
			t.Run("ReadDeadline", func(t *testing.T) {
				t.Parallel()
				c1, c2 := makePipe(t, keyword)
				handshakePair(t, c1, c2)

				require.NoError(t, c1.SetReadDeadline(time.Now().Add(goroutineStartTime)))
				_, err := c1.Read(make([]byte, 10))
				require.ErrorIs(t, err, os.ErrDeadlineExceeded)

				// Expired deadlines fail fast until they are reset.
				_, err = c1.Read(make([]byte, 10))
				require.ErrorIs(t, err, os.ErrDeadlineExceeded)

				_, err = c2.Write([]byte("late"))
				require.NoError(t, err)
				require.NoError(t, c1.SetReadDeadline(noDeadline))

				buf := make([]byte, 4)
				_, err = io.ReadFull(c1, buf)
				require.NoError(t, err)
				require.Equal(t, "late", string(buf))
			})
			t.Run("CloseUnblocksRead", func(t *testing.T) {
				t.Parallel()
				c1, c2 := makePipe(t, keyword)
				handshakePair(t, c1, c2)

				errC := make(chan error, 1)
				go func() {
					_, err := c1.Read(make([]byte, 10))
					errC <- err
				}()
				time.Sleep(goroutineStartTime)
				require.NoError(t, c1.Close())
				require.ErrorIs(t, <-errC, net.ErrClosed)

				_, err := c1.Write([]byte("closed"))
				require.ErrorIs(t, err, net.ErrClosed)
			})
			t.Run("PeerClose", func(t *testing.T) {
				t.Parallel()
				c1, c2 := makePipe(t, keyword)
				handshakePair(t, c1, c2)

				_, err := c2.Write([]byte("bye"))
				require.NoError(t, err)
				require.NoError(t, c2.Close())

				received, err := io.ReadAll(c1)
				require.NoError(t, err)
				require.Equal(t, "bye", string(received))
			})
			t.Run("CloseThenHandshake", func(t *testing.T) {
				t.Parallel()
				c1, _ := makePipe(t, keyword)

				require.NoError(t, c1.Close())
				require.ErrorIs(t, c1.Handshake(), net.ErrClosed)
				_, err := c1.Read(make([]byte, 10))
				require.ErrorIs(t, err, net.ErrClosed)
			})
			t.Run("CloseDuringHandshake", func(t *testing.T) {
				t.Parallel()
				c1, _ := makePipe(t, keyword)

				errC := make(chan error, 1)
				go func() { errC <- c1.Handshake() }()
				time.Sleep(goroutineStartTime)
				require.NoError(t, c1.Close())
				require.ErrorIs(t, <-errC, net.ErrClosed)
			})
			t.Run("TimeoutThenHandshake", func(t *testing.T) {
				t.Parallel()
				c1, c2 := makePipe(t, keyword)

				require.NoError(t, c1.SetDeadline(inThePast))
				_, err := c1.Read(make([]byte, 10))
				require.ErrorIs(t, err, os.ErrDeadlineExceeded)

				// Should be able to recover.
				require.NoError(t, c1.SetDeadline(noDeadline))
				handshakePair(t, c1, c2)
			})
			t.Run("Addrs", func(t *testing.T) {
				t.Parallel()
				c1, c2 := makePipe(t, keyword)

				require.NotNil(t, c1.LocalAddr())
				require.NotNil(t, c2.RemoteAddr())
				handshakePair(t, c1, c2)
				require.Equal(t, c1.LocalAddr().String(), c2.RemoteAddr().String())
				require.Equal(t, c2.LocalAddr().String(), c1.RemoteAddr().String())
			})
		})
	}
}

func TestListenAndDial(t *testing.T) {
	hostKey := newTestSigner(t)
	l, err := Listen("tcp", "127.0.0.1:0", ListenerConfig{HostKey: hostKey})
	require.NoError(t, err)
	defer l.Close()

	type acceptResult struct {
		conn Conn
		err  error
	}
	acceptC := make(chan acceptResult, 1)
	go func() {
		conn, err := l.Accept()
		acceptC <- acceptResult{conn, err}
	}()

	clientConn, err := Dial("tcp", l.Addr().String(), DialerConfig{ServerPublicKey: hostKey.PublicKey()})
	require.NoError(t, err)
	defer clientConn.Close()

	res := <-acceptC
	require.NoError(t, res.err)
	serverConn := res.conn
	defer serverConn.Close()

	msg := []byte("hello over ssh")
	errC := make(chan error, 1)
	go func() {
		_, err := clientConn.Write(msg)
		errC <- err
	}()
	buf := make([]byte, len(msg))
	_, err = io.ReadFull(serverConn, buf)
	require.NoError(t, err)
	require.Equal(t, msg, buf)
	require.NoError(t, <-errC)

	_, err = serverConn.Write([]byte("reply"))
	require.NoError(t, err)
	buf = make([]byte, len("reply"))
	_, err = io.ReadFull(clientConn, buf)
	require.NoError(t, err)
	require.Equal(t, "reply", string(buf))
}

func TestDeadline(t *testing.T) {
	t.Parallel()

	expired := func(d *deadline) bool { return isClosedChan(d.wait()) }

	d := newDeadline()
	require.False(t, expired(d))

	d.set(inThePast)
	require.True(t, expired(d))

	d.set(noDeadline)
	require.False(t, expired(d))

	d.set(time.Now().Add(goroutineStartTime))
	select {
	case <-d.wait():
	case <-time.After(testTimeout):
		t.Fatal("deadline did not expire")
	}

	d.set(time.Now().Add(goroutineStartTime))
	d.set(time.Now().Add(time.Hour))
	time.Sleep(2 * goroutineStartTime)
	require.False(t, expired(d))

	d.set(noDeadline)
	require.False(t, expired(d))
}
