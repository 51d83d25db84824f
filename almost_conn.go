package sshstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/Psiphon-Labs/psiphon-tunnel-core/psiphon/common"
	"github.com/Psiphon-Labs/psiphon-tunnel-core/psiphon/common/obfuscator"
	"github.com/Psiphon-Labs/psiphon-tunnel-core/psiphon/common/prng"
	"golang.org/x/crypto/ssh"
)

// connChannelType is the type of the single channel carrying a Conn.
const connChannelType = "sshstream-conn"

// How long Close waits for the peer to acknowledge the channel close before tearing down the SSH
// connection.
const channelCloseTimeout = time.Second

// almostConn is almost a net.Conn, but lacks concurrency support and deadline handling. The
// intended use case for an almostConn is as part of a fullConn and method behavior is defined in
// this context.
type almostConn interface {
	// ReadContext and WriteContext behave like Read and Write in the io package, but return
	// ctx.Err() once ctx is done. Neither will be called concurrently with itself.
	ReadContext(ctx context.Context, b []byte) (n int, err error)
	WriteContext(ctx context.Context, b []byte) (n int, err error)

	// Close must cause blocked reads and writes to unblock and return errors. This will only be
	// called once.
	Close() error

	// LocalAddr and RemoteAddr may be called at any time.
	LocalAddr() net.Addr
	RemoteAddr() net.Addr

	// Handshake initiates the connection. This method will be called exactly once. Reads and
	// writes will not be issued until this function returns and only if no error is returned.
	// Close will not be called concurrently, but may be called before or after.
	Handshake() error
}

func discardChannels(chans <-chan ssh.NewChannel) {
	for newChan := range chans {
		newChan.Reject(ssh.ResourceShortage, "not accepting any more channels")
	}
}

// baseConn is a byte stream over a Session bound to an SSH channel, used to implement the
// almostConn interface.
type baseConn struct {
	conn ssh.Conn
	ch   *sshChannel
	r    *Reader
	w    *Writer
}

func (conn *baseConn) bind(sshConn ssh.Conn, ch ssh.Channel, reqs <-chan *ssh.Request, cfg ChannelConfig, server bool) error {
	// Conns carry bytes.
	cfg.Encoding = ""

	s := NewSession()
	sc, err := bindChannel(ch, reqs, s, cfg, bindOptions{
		server:   server,
		chanType: connChannelType,
		meta:     sshConn,
		start:    true,
	})
	if err != nil {
		return err
	}
	conn.conn, conn.ch = sshConn, sc
	conn.r, conn.w = NewReader(s, sc, DataPrimary), NewWriter(s, sc, DataPrimary)
	return nil
}

func (conn *baseConn) ReadContext(ctx context.Context, b []byte) (n int, err error) {
	if len(b) == 0 {
		return 0, nil
	}
	for {
		data, err := conn.r.Read(ctx, len(b))
		if IsMarker(err) {
			// Out-of-band input has no meaning on a byte stream.
			continue
		}
		if err != nil {
			return 0, err
		}
		if len(data) == 0 {
			return 0, io.EOF
		}
		return copy(b, data), nil
	}
}

func (conn *baseConn) WriteContext(ctx context.Context, b []byte) (n int, err error) {
	if _, err := conn.w.Write(b); err != nil {
		return 0, err
	}
	// The data is queued on the channel and will be sent even if the drain is cut short.
	if err := conn.w.Drain(ctx); err != nil {
		return len(b), err
	}
	return len(b), nil
}

func (conn *baseConn) Close() error {
	if conn.ch == nil {
		return nil
	}
	conn.ch.Close()
	select {
	case <-conn.ch.Done():
	case <-time.After(channelCloseTimeout):
	}
	// If the peer has already closed the connection, we'll get net.ErrClosed. We ignore this.
	if err := conn.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to close SSH connection: %w", err)
	}
	return nil
}

// The obfuscated transports used below are obfuscator.ObfuscatedSSHConns. These do not define
// behavior for concurrent calls to one of Read or Write:
//
// https://pkg.go.dev/github.com/Psiphon-Labs/psiphon-tunnel-core@v2.0.14+incompatible/psiphon/common/obfuscator#ObfuscatedSSHConn
//
// This is okay because golang.org/x/crypto/ssh runs a single reader and serializes writes on its
// transport.

func clientSSHConn(transport net.Conn, cfg DialerConfig) (ssh.Conn, <-chan ssh.NewChannel, <-chan *ssh.Request, error) {
	if err := cfg.validate(); err != nil {
		return nil, nil, nil, err
	}

	conn := transport
	if cfg.ObfuscationKeyword != "" {
		prngSeed, err := prng.NewSeed()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to generate PRNG seed: %w", err)
		}
		osshConn, err := obfuscator.NewClientObfuscatedSSHConn(
			transport,
			cfg.ObfuscationKeyword,
			prngSeed,
			// Set min/max padding to nil to use obfuscator package defaults.
			nil, nil,
		)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("ossh handshake failed: %w", err)
		}
		conn = osshConn
	}

	sshCfg := ssh.ClientConfig{
		User:            cfg.User,
		HostKeyCallback: ssh.FixedHostKey(cfg.ServerPublicKey),
	}
	if cfg.ClientKey != nil {
		sshCfg.Auth = []ssh.AuthMethod{ssh.PublicKeys(cfg.ClientKey)}
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, "", &sshCfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("ssh handshake failed: %w", err)
	}
	return sshConn, chans, reqs, nil
}

func serverSSHConn(
	transport net.Conn, hostKey ssh.Signer, keyword string, authorized []ssh.PublicKey, logger Logger,
) (*ssh.ServerConn, <-chan ssh.NewChannel, <-chan *ssh.Request, error) {
	if hostKey == nil {
		return nil, nil, nil, errors.New("host key must be configured")
	}

	conn := transport
	if keyword != "" {
		osshConn, err := obfuscator.NewServerObfuscatedSSHConn(
			transport,
			keyword,
			obfuscator.NewSeedHistory(nil), // use the obfuscator package defaults
			psiphonLogger(logger),
		)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("ossh handshake failed: %w", err)
		}
		conn = osshConn
	}

	sshCfg := ssh.ServerConfig{NoClientAuth: len(authorized) == 0}
	if len(authorized) > 0 {
		sshCfg.PublicKeyCallback = func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			for _, k := range authorized {
				if bytes.Equal(k.Marshal(), key.Marshal()) {
					return nil, nil
				}
			}
			return nil, fmt.Errorf("unknown public key for %q", meta.User())
		}
	}
	sshCfg.AddHostKey(hostKey)

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, &sshCfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("ssh handshake failed: %w", err)
	}
	return sshConn, chans, reqs, nil
}

func psiphonLogger(logger Logger) func(string, error, common.LogFields) {
	return func(clientIP string, err error, fields common.LogFields) {
		if logger == nil {
			return
		}
		logger(clientIP, err, map[string]interface{}(fields))
	}
}

// clientConn implements the almostConn interface for the dialing side of a Conn.
type clientConn struct {
	transport net.Conn
	cfg       DialerConfig

	// Uninitialized until Handshake is called (iff no error is returned).
	baseConn
}

func (conn *clientConn) LocalAddr() net.Addr  { return conn.transport.LocalAddr() }
func (conn *clientConn) RemoteAddr() net.Addr { return conn.transport.RemoteAddr() }

// Per the almostConn interface, we expect this to be called only once and we do not expect reads
// or writes unless this function is called and returns no error.
func (conn *clientConn) Handshake() error {
	sshConn, chans, reqs, err := clientSSHConn(conn.transport, conn.cfg)
	if err != nil {
		return err
	}
	go discardChannels(chans)
	go ssh.DiscardRequests(reqs)

	ch, chReqs, err := sshConn.OpenChannel(connChannelType, nil)
	if err != nil {
		sshConn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if err := conn.bind(sshConn, ch, chReqs, conn.cfg.Channel, false); err != nil {
		sshConn.Close()
		return err
	}
	return nil
}

func (conn *clientConn) Close() error {
	if conn.baseConn.ch == nil {
		return conn.transport.Close()
	}
	return conn.baseConn.Close()
}

// serverConn implements the almostConn interface for the accepting side of a Conn.
type serverConn struct {
	transport net.Conn
	cfg       ListenerConfig

	// Uninitialized until Handshake is called (iff no error is returned).
	baseConn
}

func (conn *serverConn) LocalAddr() net.Addr  { return conn.transport.LocalAddr() }
func (conn *serverConn) RemoteAddr() net.Addr { return conn.transport.RemoteAddr() }

// Per the almostConn interface, we expect this to be called only once and we do not expect reads
// or writes unless this function is called and returns no error.
func (conn *serverConn) Handshake() error {
	sshConn, chans, reqs, err := serverSSHConn(
		conn.transport, conn.cfg.HostKey, conn.cfg.ObfuscationKeyword, nil, conn.cfg.Logger)
	if err != nil {
		return err
	}
	go ssh.DiscardRequests(reqs)

	newCh, ok := <-chans
	if !ok {
		sshConn.Close()
		return errors.New("connection closed before a channel was opened")
	}
	go discardChannels(chans)
	if newCh.ChannelType() != connChannelType {
		newCh.Reject(ssh.UnknownChannelType, "unexpected channel type")
		sshConn.Close()
		return fmt.Errorf("unexpected channel type %q", newCh.ChannelType())
	}
	ch, chReqs, err := newCh.Accept()
	if err != nil {
		sshConn.Close()
		return fmt.Errorf("failed to accept channel: %w", err)
	}
	if err := conn.bind(sshConn, ch, chReqs, conn.cfg.Channel, true); err != nil {
		sshConn.Close()
		return err
	}
	return nil
}

func (conn *serverConn) Close() error {
	if conn.baseConn.ch == nil {
		return conn.transport.Close()
	}
	return conn.baseConn.Close()
}
