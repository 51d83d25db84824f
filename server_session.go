package sshstream

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// SubsystemSFTP is the name of the SFTP subsystem.
const SubsystemSFTP = "sftp"

// SessionHandler runs an application over the streams of a server session channel. If the returned
// Task is non-nil, it is run on its own goroutine; when it returns, its exit status is reported to
// the client and the channel is closed. Return an *ExitError to report a specific status.
type SessionHandler func(stdin *Reader, stdout, stderr *Writer) Task

// TCPHandler runs an application over a forwarded TCP channel. If the returned Task is non-nil, it
// is run on its own goroutine and the channel is closed when it returns.
type TCPHandler func(r *Reader, w *Writer) Task

// Logger reports errors which cannot be returned to a caller. remote identifies the peer.
type Logger func(remote string, err error, fields map[string]interface{})

// ServerHooks is implemented by stream handlers which serve the server side of a session channel.
// Channels consult these hooks as the client issues requests.
type ServerHooks interface {
	PtyRequested(term string, size TermSize, modes ssh.TerminalModes) bool
	ShellRequested() bool
	ExecRequested(command string) bool
	SubsystemRequested(subsystem string) bool
	SessionStarted()
}

// SignalHooks is implemented by stream handlers which accept out-of-band input. *ServerSession
// implements SignalHooks by queueing markers on the primary data type. Other handlers reject
// break, signal and window-change requests.
type SignalHooks interface {
	BreakReceived(msec uint32) bool
	SignalReceived(signal string)
	TerminalSizeChanged(size TermSize)
}

// ServerSessionConfig configures a ServerSession. The zero value rejects every request.
type ServerSessionConfig struct {
	// AllowPTY permits clients to request a pseudo-terminal.
	AllowPTY bool `mapstructure:"allow_pty"`

	// Handler serves shells, commands and subsystems other than SFTP. If nil, these are rejected.
	Handler SessionHandler `mapstructure:"-"`

	// FileTransfer serves the SFTP subsystem. If nil, the SFTP subsystem is rejected.
	FileTransfer FileTransferFactory `mapstructure:"-"`

	// Logger, if set, receives errors returned by handler tasks and file-transfer servers.
	Logger Logger `mapstructure:"-"`
}

// ServerSession is a Session serving the server side of an SSH session channel.
type ServerSession struct {
	*Session
	cfg ServerSessionConfig
}

// NewServerSession creates a server session.
func NewServerSession(cfg ServerSessionConfig) *ServerSession {
	return &ServerSession{NewSession(), cfg}
}

// PtyRequested returns whether a pseudo-terminal may be allocated.
func (s *ServerSession) PtyRequested(term string, size TermSize, modes ssh.TerminalModes) bool {
	return s.cfg.AllowPTY
}

// ShellRequested returns whether a shell may be started.
func (s *ServerSession) ShellRequested() bool { return s.cfg.Handler != nil }

// ExecRequested returns whether a command may be executed.
func (s *ServerSession) ExecRequested(command string) bool { return s.cfg.Handler != nil }

// SubsystemRequested returns whether the named subsystem may be started.
func (s *ServerSession) SubsystemRequested(subsystem string) bool {
	if subsystem == SubsystemSFTP {
		return s.cfg.FileTransfer != nil
	}
	return s.cfg.Handler != nil
}

// BreakReceived queues a *BreakReceived marker on the primary data type. It returns true to accept
// the break.
func (s *ServerSession) BreakReceived(msec uint32) bool {
	s.pushMarker(&BreakReceived{Msec: msec})
	return true
}

// SignalReceived queues a *SignalReceived marker on the primary data type.
func (s *ServerSession) SignalReceived(signal string) {
	s.pushMarker(&SignalReceived{Signal: signal})
}

// TerminalSizeChanged queues a *TerminalSizeChanged marker on the primary data type.
func (s *ServerSession) TerminalSizeChanged(size TermSize) {
	s.pushMarker(&TerminalSizeChanged{size})
}

// SessionStarted hands the channel to the file-transfer server if the SFTP subsystem was requested
// and otherwise starts the session handler.
func (s *ServerSession) SessionStarted() {
	ch := s.Channel()
	if sc, ok := ch.(ServerChannel); ok && sc.Subsystem() == SubsystemSFTP {
		if err := sc.StartFileTransferServer(s.cfg.FileTransfer); err != nil {
			logChannelError(s.cfg.Logger, ch, fmt.Errorf("failed to start file-transfer server: %w", err))
		}
		return
	}
	if s.cfg.Handler == nil {
		return
	}
	task := s.cfg.Handler(
		NewReader(s.Session, ch, DataPrimary),
		NewWriter(s.Session, ch, DataPrimary),
		NewWriter(s.Session, ch, DataStderr),
	)
	runTask(s.Session, task, s.cfg.Logger, true)
}

// TCPSession is a Session serving a forwarded TCP channel.
type TCPSession struct {
	*Session
	handler TCPHandler
	logger  Logger
}

// NewTCPSession creates a TCP session. handler may be nil, in which case the session is only
// served through Readers and Writers created by the caller.
func NewTCPSession(handler TCPHandler, logger Logger) *TCPSession {
	return &TCPSession{NewSession(), handler, logger}
}

// SessionStarted starts the handler, if any.
func (s *TCPSession) SessionStarted() {
	if s.handler == nil {
		return
	}
	ch := s.Channel()
	task := s.handler(NewReader(s.Session, ch, DataPrimary), NewWriter(s.Session, ch, DataPrimary))
	runTask(s.Session, task, s.logger, false)
}

// exiter is implemented by channels which can report an exit status to the peer.
type exiter interface {
	Exit(status uint32) error
	ExitSignal(signal, message string) error
}

// runTask runs task on its own goroutine. Once the task returns, the channel is closed. If exit is
// set, the outcome is reported first: an *ExitError carrying a signal is sent as an exit-signal,
// otherwise the exit status is that of the *ExitError (1 if negative), 1 for other errors and 0
// for nil.
func runTask(s *Session, task Task, logger Logger, exit bool) {
	if task == nil {
		return
	}
	go func() {
		err := task(s.lostContext())
		ch := s.Channel()

		var (
			exitErr *ExitError
			status  = 0
		)
		switch {
		case errors.As(err, &exitErr):
			status = exitErr.Status
			if status < 0 {
				status = 1
			}
		case err != nil:
			status = 1
			logChannelError(logger, ch, fmt.Errorf("session handler failed: %w", err))
		}

		if e, ok := ch.(exiter); ok && exit {
			if exitErr != nil && exitErr.Signal != "" {
				e.ExitSignal(exitErr.Signal, exitErr.Message)
			} else {
				e.Exit(uint32(status))
			}
			return
		}
		ch.Close()
	}()
}

func logChannelError(logger Logger, ch Channel, err error) {
	if logger == nil {
		return
	}
	remote, _ := ch.ExtraInfo(InfoRemoteAddr, "").(string)
	logger(remote, err, map[string]interface{}{
		InfoSessionID:   ch.ExtraInfo(InfoSessionID, ""),
		InfoChannelType: ch.ExtraInfo(InfoChannelType, ""),
	})
}
