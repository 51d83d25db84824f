package sshstream

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/crypto/ssh"
)

// DialerConfig specifies configuration for dialing.
type DialerConfig struct {
	// ServerPublicKey must be set.
	ServerPublicKey ssh.PublicKey `mapstructure:"server_public_key"`

	// ObfuscationKeyword, if set, enables the obfuscated SSH handshake. It must be agreed upon by the
	// client and the server.
	ObfuscationKeyword string `mapstructure:"obfuscation_keyword"`

	// User and ClientKey are used to authenticate to the server. ClientKey is optional.
	User      string     `mapstructure:"user"`
	ClientKey ssh.Signer `mapstructure:"client_key"`

	Channel ChannelConfig `mapstructure:"channel"`
}

// ListenerConfig specifies configuration for listening.
type ListenerConfig struct {
	// HostKey is provided to SSH clients trying to connect. Must be set.
	HostKey ssh.Signer `mapstructure:"host_key"`

	// ObfuscationKeyword, if set, enables the obfuscated SSH handshake. It must be agreed upon by the
	// client and the server.
	ObfuscationKeyword string `mapstructure:"obfuscation_keyword"`

	Channel ChannelConfig `mapstructure:"channel"`

	Logger Logger `mapstructure:"-"`
}

// Dialer is the interface implemented by sshstream dialers. Note that the methods return a Conn,
// not a net.Conn.
type Dialer interface {
	Dial(network, address string) (Conn, error)
	DialContext(ctx context.Context, network, address string) (Conn, error)
}

// NetDialer is the interface implemented by most network dialers.
type NetDialer interface {
	Dial(network, address string) (net.Conn, error)
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type dialer struct {
	NetDialer
	DialerConfig
}

func (d dialer) Dial(network, address string) (Conn, error) {
	return d.DialContext(context.Background(), network, address)
}

func (d dialer) DialContext(ctx context.Context, network, address string) (Conn, error) {
	transport, err := d.NetDialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", network, err)
	}
	return Client(transport, d.DialerConfig), nil
}

// WrapDialer wraps a network dialer, returning an sshstream dialer.
func WrapDialer(d NetDialer, cfg DialerConfig) Dialer {
	return dialer{d, cfg}
}

// Dial connects to the address on the named network using a net.Dialer.
func Dial(network, address string, cfg DialerConfig) (Conn, error) {
	return WrapDialer(&net.Dialer{}, cfg).Dial(network, address)
}

// Listener is the interface implemented by sshstream listeners. Note that the Accept method returns
// a Conn, not a net.Conn.
type Listener interface {
	Accept() (Conn, error)
	Addr() net.Addr
	Close() error
}

type listener struct {
	net.Listener
	ListenerConfig
}

func (l listener) Accept() (Conn, error) {
	transport, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return Server(transport, l.ListenerConfig), nil
}

// WrapListener wraps a network listener, returning an sshstream listener.
func WrapListener(l net.Listener, cfg ListenerConfig) Listener {
	return listener{l, cfg}
}

// Listen announces on the local network address.
func Listen(network, address string, cfg ListenerConfig) (Listener, error) {
	l, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	return WrapListener(l, cfg), nil
}

// Conn is a network connection between two peers, carried by a stream session over a single SSH
// channel.
//
// A net.Conn allows for cancellation of I/O operations via the Close or Set*Deadline methods. A
// Read cancelled this way loses no data. A Write cancelled this way may still be sent: Write queues
// its data on the channel before waiting for the channel to accept more.
type Conn interface {
	net.Conn

	// Handshake executes the SSH handshake with the peer and opens the channel. Most users of this
	// package need not call this function directly; the first Read or Write will trigger a
	// handshake if needed.
	//
	// The Set*Deadline functions do not apply to this function. If the handshake is initiated by
	// Read or Write, the corresponding deadline will apply.
	//
	// This function will unblock and return net.ErrClosed if the connection is closed before or
	// during the handshake. The handshake may still run to completion in the background.
	Handshake() error
}

// Client initializes a client-side connection.
func Client(transport net.Conn, cfg DialerConfig) Conn {
	return newFullConn(&clientConn{transport: transport, cfg: cfg})
}

// Server initializes a server-side connection.
func Server(transport net.Conn, cfg ListenerConfig) Conn {
	return newFullConn(&serverConn{transport: transport, cfg: cfg})
}

// NewClientConn runs the client side of the SSH handshake on transport. Channels and requests
// opened by the server are rejected. Use OpenSession to start processes on the server.
func NewClientConn(transport net.Conn, cfg DialerConfig) (ssh.Conn, error) {
	sshConn, chans, reqs, err := clientSSHConn(transport, cfg)
	if err != nil {
		return nil, err
	}
	go discardChannels(chans)
	go ssh.DiscardRequests(reqs)
	return sshConn, nil
}
