package sshstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/crypto/ssh"
)

// ClientSessionConfig describes the process to start when opening a session channel.
type ClientSessionConfig struct {
	// Command to execute. If both Command and Subsystem are empty, a shell is requested.
	Command string `mapstructure:"command"`

	// Subsystem to start, such as "sftp". Takes precedence over Command.
	Subsystem string `mapstructure:"subsystem"`

	// Env holds environment variables to send before starting the process. Servers are free to
	// ignore these.
	Env map[string]string `mapstructure:"env"`

	// Term, if set, requests a pseudo-terminal of this type.
	Term      string            `mapstructure:"term"`
	TermSize  TermSize          `mapstructure:"term_size"`
	TermModes ssh.TerminalModes `mapstructure:"-"`

	Channel ChannelConfig `mapstructure:"channel"`
}

// ClientProcess is a process started on an SSH server over a session channel.
type ClientProcess struct {
	Stdin  *Writer
	Stdout *Reader
	Stderr *Reader

	ch *sshChannel
}

// OpenSession opens a session channel on conn and starts a process as described by cfg.
func OpenSession(ctx context.Context, conn ssh.Conn, cfg ClientSessionConfig) (*ClientProcess, error) {
	ch, reqs, err := openChannel(ctx, conn, "session", nil)
	if err != nil {
		return nil, err
	}
	p, err := startProcess(ch, reqs, conn, cfg)
	if err != nil {
		ch.Close()
		return nil, err
	}
	return p, nil
}

// openChannel opens a channel, giving up when ctx is done. A channel opened after ctx is done is
// closed.
func openChannel(ctx context.Context, conn ssh.Conn, chanType string, extra []byte) (ssh.Channel, <-chan *ssh.Request, error) {
	type result struct {
		ch   ssh.Channel
		reqs <-chan *ssh.Request
		err  error
	}
	resC := make(chan result, 1)
	go func() {
		ch, reqs, err := conn.OpenChannel(chanType, extra)
		resC <- result{ch, reqs, err}
	}()

	select {
	case res := <-resC:
		if res.err != nil {
			return nil, nil, fmt.Errorf("failed to open %s channel: %w", chanType, res.err)
		}
		return res.ch, res.reqs, nil
	case <-ctx.Done():
		go func() {
			if res := <-resC; res.err == nil {
				res.ch.Close()
			}
		}()
		return nil, nil, ctx.Err()
	}
}

func startProcess(ch ssh.Channel, reqs <-chan *ssh.Request, conn ssh.Conn, cfg ClientSessionConfig) (*ClientProcess, error) {
	for name, value := range cfg.Env {
		// Servers commonly reject env requests; this is not an error.
		if _, err := ch.SendRequest("env", true, ssh.Marshal(envRequestMsg{name, value})); err != nil {
			return nil, fmt.Errorf("failed to send env request: %w", err)
		}
	}

	if cfg.Term != "" {
		msg := ptyRequestMsg{
			Term:     cfg.Term,
			Columns:  cfg.TermSize.Width,
			Rows:     cfg.TermSize.Height,
			Width:    cfg.TermSize.PixWidth,
			Height:   cfg.TermSize.PixHeight,
			Modelist: encodeTerminalModes(cfg.TermModes),
		}
		if err := sendRequest(ch, "pty-req", ssh.Marshal(msg)); err != nil {
			return nil, err
		}
	}

	var (
		reqType string
		payload []byte
	)
	switch {
	case cfg.Subsystem != "":
		reqType, payload = "subsystem", ssh.Marshal(subsystemRequestMsg{cfg.Subsystem})
	case cfg.Command != "":
		reqType, payload = "exec", ssh.Marshal(execMsg{cfg.Command})
	default:
		reqType = "shell"
	}
	if err := sendRequest(ch, reqType, payload); err != nil {
		return nil, err
	}

	s := NewClientSession()
	info := map[string]interface{}{}
	if cfg.Command != "" {
		info[InfoCommand] = cfg.Command
	}
	if cfg.Subsystem != "" {
		info[InfoSubsystem] = cfg.Subsystem
	}
	if cfg.Term != "" {
		info[InfoTerm] = cfg.Term
		info[InfoTermSize] = cfg.TermSize
	}
	sc, err := bindChannel(ch, reqs, s, cfg.Channel, bindOptions{
		chanType: "session",
		meta:     conn,
		readDTs:  []DataType{DataStderr},
		info:     info,
		start:    true,
	})
	if err != nil {
		return nil, err
	}
	return &ClientProcess{
		Stdin:  NewWriter(s, sc, DataPrimary),
		Stdout: NewReader(s, sc, DataPrimary),
		Stderr: NewReader(s, sc, DataStderr),
		ch:     sc,
	}, nil
}

func sendRequest(ch ssh.Channel, name string, payload []byte) error {
	ok, err := ch.SendRequest(name, true, payload)
	if err != nil {
		return fmt.Errorf("failed to send %s request: %w", name, err)
	}
	if !ok {
		return fmt.Errorf("%s request rejected by server", name)
	}
	return nil
}

// SendSignal delivers a signal to the remote process. sig is a signal name without the "SIG"
// prefix, such as "INT" or "TERM".
func (p *ClientProcess) SendSignal(sig string) error {
	if _, err := p.ch.ch.SendRequest("signal", false, ssh.Marshal(signalMsg{sig})); err != nil {
		return fmt.Errorf("failed to send signal: %w", err)
	}
	return nil
}

// SendBreak sends a break of the given length. It returns whether the server accepted the break.
func (p *ClientProcess) SendBreak(msec uint32) (bool, error) {
	ok, err := p.ch.ch.SendRequest("break", true, ssh.Marshal(breakMsg{msec}))
	if err != nil {
		return false, fmt.Errorf("failed to send break: %w", err)
	}
	return ok, nil
}

// ChangeTerminalSize reports a new terminal size to the server.
func (p *ClientProcess) ChangeTerminalSize(size TermSize) error {
	msg := windowChangeMsg{size.Width, size.Height, size.PixWidth, size.PixHeight}
	if _, err := p.ch.ch.SendRequest("window-change", false, ssh.Marshal(msg)); err != nil {
		return fmt.Errorf("failed to send window change: %w", err)
	}
	return nil
}

// ExtraInfo returns additional information about the session channel.
func (p *ClientProcess) ExtraInfo(name string, def interface{}) interface{} {
	return p.ch.ExtraInfo(name, def)
}

// ExitStatus returns the exit status reported by the server, if any.
func (p *ClientProcess) ExitStatus() (status int, ok bool) {
	status, ok = p.ch.ExtraInfo(InfoExitStatus, nil).(int)
	return
}

// Wait blocks until the channel is closed. If the process was killed by a signal or exited with a
// non-zero status, an *ExitError is returned.
func (p *ClientProcess) Wait(ctx context.Context) error {
	select {
	case <-p.ch.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if exitErr, ok := p.ch.ExtraInfo(InfoExitSignal, nil).(*ExitError); ok {
		return exitErr
	}
	status, ok := p.ExitStatus()
	if !ok {
		return errors.New("channel closed without an exit status")
	}
	if status != 0 {
		return &ExitError{Status: status}
	}
	return nil
}

// Close closes the session channel.
func (p *ClientProcess) Close() error { return p.ch.Close() }

// TCPStream is a direct-tcpip channel opened by the client.
type TCPStream struct {
	Reader *Reader
	Writer *Writer

	ch *sshChannel
}

// OpenTCPChannel asks the server to forward a connection to dest, a "host:port" address.
func OpenTCPChannel(ctx context.Context, conn ssh.Conn, dest string, cfg ChannelConfig) (*TCPStream, error) {
	host, portStr, err := net.SplitHostPort(dest)
	if err != nil {
		return nil, fmt.Errorf("bad destination address: %w", err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("bad destination port: %w", err)
	}
	origHost, origPortStr, _ := net.SplitHostPort(conn.LocalAddr().String())
	origPort, _ := strconv.ParseUint(origPortStr, 10, 16)

	extra := ssh.Marshal(directTCPIPMsg{host, uint32(port), origHost, uint32(origPort)})
	ch, reqs, err := openChannel(ctx, conn, "direct-tcpip", extra)
	if err != nil {
		return nil, err
	}
	s := NewClientSession()
	sc, err := bindChannel(ch, reqs, s, cfg, bindOptions{
		chanType: "direct-tcpip",
		meta:     conn,
		info:     map[string]interface{}{InfoDestination: dest},
		start:    true,
	})
	if err != nil {
		ch.Close()
		return nil, err
	}
	return &TCPStream{NewReader(s, sc, DataPrimary), NewWriter(s, sc, DataPrimary), sc}, nil
}

// Done is closed once the channel is gone.
func (ts *TCPStream) Done() <-chan struct{} { return ts.ch.Done() }
