package sshstream

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"golang.org/x/crypto/ssh"
)

// ServerConfig configures an SSH server serving session and forwarded TCP channels.
type ServerConfig struct {
	// HostKey is provided to SSH clients trying to connect. Must be set.
	HostKey ssh.Signer `mapstructure:"host_key"`

	// ObfuscationKeyword, if set, enables the obfuscated SSH handshake. Clients must be configured
	// with the same keyword.
	ObfuscationKeyword string `mapstructure:"obfuscation_keyword"`

	// AuthorizedKeys, if non-empty, restricts access to clients holding one of these keys. By
	// default, no client authentication is performed.
	AuthorizedKeys []ssh.PublicKey `mapstructure:"authorized_keys"`

	Session ServerSessionConfig `mapstructure:"session"`

	// DirectTCPIP serves direct-tcpip channels. If nil, these are rejected.
	DirectTCPIP TCPHandler `mapstructure:"-"`

	Channel ChannelConfig `mapstructure:"channel"`

	Logger Logger `mapstructure:"-"`
}

func (cfg ServerConfig) sessionConfig() ServerSessionConfig {
	scfg := cfg.Session
	if scfg.Logger == nil {
		scfg.Logger = cfg.Logger
	}
	return scfg
}

func (cfg ServerConfig) channelConfig() ChannelConfig {
	ccfg := cfg.Channel
	if ccfg.Logger == nil {
		ccfg.Logger = cfg.Logger
	}
	return ccfg
}

// ServeConn runs the SSH server handshake on transport, then serves channels until the connection is
// closed.
func ServeConn(transport net.Conn, cfg ServerConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	sshConn, chans, reqs, err := serverSSHConn(transport, cfg.HostKey, cfg.ObfuscationKeyword,
		cfg.AuthorizedKeys, cfg.Logger)
	if err != nil {
		transport.Close()
		return err
	}
	go ssh.DiscardRequests(reqs)
	ServeChannels(sshConn, chans, cfg)
	sshConn.Close()
	return nil
}

// ServeChannels serves new channels until chans is closed. Session channels are served by a
// ServerSession; direct-tcpip channels are served by a TCPSession if cfg.DirectTCPIP is set. Other
// channels are rejected. meta may be nil.
func ServeChannels(meta ssh.ConnMetadata, chans <-chan ssh.NewChannel, cfg ServerConfig) {
	var wg sync.WaitGroup
	for newCh := range chans {
		newCh := newCh
		switch newCh.ChannelType() {
		case "session":
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := ServeSessionChannel(meta, newCh, cfg); err != nil {
					logRemoteError(cfg.Logger, meta, err)
				}
			}()
		case "direct-tcpip":
			if cfg.DirectTCPIP == nil {
				newCh.Reject(ssh.Prohibited, "port forwarding is disabled")
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := serveTCPChannel(meta, newCh, cfg); err != nil {
					logRemoteError(cfg.Logger, meta, err)
				}
			}()
		default:
			newCh.Reject(ssh.UnknownChannelType, "unknown channel type: "+newCh.ChannelType())
		}
	}
	wg.Wait()
}

// ServeSessionChannel accepts a session channel and binds it to a new ServerSession.
func ServeSessionChannel(meta ssh.ConnMetadata, newCh ssh.NewChannel, cfg ServerConfig) (*ServerSession, error) {
	ch, reqs, err := newCh.Accept()
	if err != nil {
		return nil, fmt.Errorf("failed to accept session channel: %w", err)
	}
	s := NewServerSession(cfg.sessionConfig())
	if _, err := bindChannel(ch, reqs, s, cfg.channelConfig(), bindOptions{
		server:   true,
		chanType: "session",
		meta:     meta,
		readDTs:  []DataType{DataPrimary},
	}); err != nil {
		ch.Close()
		return nil, err
	}
	return s, nil
}

func serveTCPChannel(meta ssh.ConnMetadata, newCh ssh.NewChannel, cfg ServerConfig) (*TCPSession, error) {
	var msg directTCPIPMsg
	if err := ssh.Unmarshal(newCh.ExtraData(), &msg); err != nil {
		newCh.Reject(ssh.ConnectionFailed, "malformed direct-tcpip request")
		return nil, fmt.Errorf("failed to parse direct-tcpip request: %w", err)
	}
	ch, reqs, err := newCh.Accept()
	if err != nil {
		return nil, fmt.Errorf("failed to accept direct-tcpip channel: %w", err)
	}
	s := NewTCPSession(cfg.DirectTCPIP, cfg.Logger)
	if _, err := bindChannel(ch, reqs, s, cfg.channelConfig(), bindOptions{
		server:   true,
		chanType: "direct-tcpip",
		meta:     meta,
		readDTs:  []DataType{DataPrimary},
		info: map[string]interface{}{
			InfoDestination: net.JoinHostPort(msg.DestAddr, strconv.Itoa(int(msg.DestPort))),
			InfoOrigin:      net.JoinHostPort(msg.OrigAddr, strconv.Itoa(int(msg.OrigPort))),
		},
		start: true,
	}); err != nil {
		ch.Close()
		return nil, err
	}
	return s, nil
}

// directTCPIPMsg is the extra data of a direct-tcpip channel open request (RFC 4254 7.2).
type directTCPIPMsg struct {
	DestAddr string
	DestPort uint32
	OrigAddr string
	OrigPort uint32
}

func logRemoteError(logger Logger, meta ssh.ConnMetadata, err error) {
	if logger == nil {
		return
	}
	remote := ""
	if meta != nil {
		remote = meta.RemoteAddr().String()
	}
	logger(remote, err, map[string]interface{}{})
}
