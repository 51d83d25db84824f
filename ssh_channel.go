package sshstream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/xid"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/encoding"
)

const (
	// DefaultRecvWindow matches the channel window used by golang.org/x/crypto/ssh.
	DefaultRecvWindow = 64 * maxPacketPayload

	// DefaultWriteHighWater is the amount of queued outbound data at which writing is paused.
	DefaultWriteHighWater = 64 * 1024

	maxPacketPayload = 32 * 1024
)

// Keys understood by ExtraInfo on channels bound by this package.
const (
	InfoSessionID   = "session_id"
	InfoChannelType = "channel_type"
	InfoLocalAddr   = "local_addr"
	InfoRemoteAddr  = "remote_addr"
	InfoUser        = "user"
	InfoTerm        = "term"
	InfoTermSize    = "term_size"
	InfoTermModes   = "term_modes"
	InfoEnv         = "env"
	InfoCommand     = "command"
	InfoSubsystem   = "subsystem"
	InfoDestination = "destination"
	InfoOrigin      = "origin"
	InfoExitStatus  = "exit_status"
	InfoExitSignal  = "exit_signal"
)

// ErrChannelClosed is returned by writes on a channel which has been closed.
var ErrChannelClosed = errors.New("channel is closed")

// ChannelConfig configures the binding of an SSH channel to a StreamHandler. The zero value is
// valid and yields a raw byte channel with default flow-control settings.
type ChannelConfig struct {
	// RecvWindow is the amount of buffered inbound data at which reading is paused. Defaults to
	// DefaultRecvWindow.
	RecvWindow int `mapstructure:"recv_window"`

	// WriteHighWater is the amount of queued outbound data at which writing is paused. Defaults to
	// DefaultWriteHighWater.
	WriteHighWater int `mapstructure:"write_high_water"`

	// WriteLowWater is the amount of queued outbound data at which paused writing resumes. Defaults
	// to a quarter of WriteHighWater.
	WriteLowWater int `mapstructure:"write_low_water"`

	// Encoding, if set, makes this a text channel: inbound data is decoded from this encoding into
	// UTF-8 and outbound data is encoded from UTF-8. Names are resolved per the WHATWG Encoding
	// Standard, e.g. "utf-8" or "iso-8859-1".
	Encoding string `mapstructure:"encoding"`

	// Logger, if set, receives errors which cannot be returned to a caller.
	Logger Logger `mapstructure:"-"`
}

func (cfg ChannelConfig) withDefaults() ChannelConfig {
	if cfg.RecvWindow <= 0 {
		cfg.RecvWindow = DefaultRecvWindow
	}
	if cfg.WriteHighWater <= 0 {
		cfg.WriteHighWater = DefaultWriteHighWater
	}
	if cfg.WriteLowWater <= 0 || cfg.WriteLowWater > cfg.WriteHighWater {
		cfg.WriteLowWater = cfg.WriteHighWater / 4
	}
	return cfg
}

type outKind int

const (
	outData outKind = iota
	outEOF
	outExit
	outExitSignal
	outClose
)

type outItem struct {
	kind   outKind
	data   []byte
	dt     DataType
	status uint32

	// signal and message describe an exit-signal.
	signal, message string
}

// bindOptions describe the channel being bound.
type bindOptions struct {
	server   bool
	chanType string
	meta     ssh.ConnMetadata
	readDTs  []DataType
	info     map[string]interface{}

	// start the session immediately rather than waiting for a shell, exec or subsystem request.
	start bool
}

// sshChannel implements ServerChannel over a golang.org/x/crypto/ssh channel and drives a
// StreamHandler:
//
//   - One pump per data type reads from the SSH channel and calls DataReceived. PauseReading stops
//     the pumps, so x/crypto/ssh stops extending the peer's window.
//   - A single writer goroutine sends queued writes in order. PauseWriting and ResumeWriting are
//     called as the queue crosses the configured water marks.
//   - The request loop translates channel requests into hook calls. When the request stream ends,
//     the channel is gone: the pumps drain and EOFReceived and ConnectionLost are called in order.
type sshChannel struct {
	ch      ssh.Channel
	reqs    <-chan *ssh.Request
	handler StreamHandler
	cfg     ChannelConfig
	enc     encoding.Encoding
	opts    bindOptions

	// Fields in this block are protected by infoMu.
	infoMu    sync.Mutex
	info      map[string]interface{}
	env       map[string]string
	subsystem string
	started   bool
	pumping   bool
	lostErr   error

	// Fields in this block are protected by gateMu.
	gateMu   sync.Mutex
	gate     *sync.Cond
	paused   bool
	released bool

	// Fields in this block are protected by outMu.
	//
	// outQueued is the number of bytes in outQueue. writeErr, if non-nil, is the error which stopped
	// the writer. outDone is set once the channel is gone and the writer should exit.
	outMu       sync.Mutex
	outCond     *sync.Cond
	outQueue    []outItem
	outQueued   int
	outPaused   bool
	eofQueued   bool
	closeQueued bool
	writeErr    error
	outDone     bool

	// Fields in this block are protected by closeMu. closed is set once the SSH channel has been
	// closed, locally or by the peer; later closes are no-ops.
	closeMu  sync.Mutex
	closed   bool
	closeErr error

	pumpsDone chan error
	done      chan struct{}
}

// bindChannel binds ch to h. h.ConnectionMade is called before bindChannel returns.
func bindChannel(
	ch ssh.Channel, reqs <-chan *ssh.Request, h StreamHandler, cfg ChannelConfig, opts bindOptions,
) (*sshChannel, error) {
	cfg = cfg.withDefaults()
	c := &sshChannel{
		ch:        ch,
		reqs:      reqs,
		handler:   h,
		cfg:       cfg,
		opts:      opts,
		info:      map[string]interface{}{},
		env:       map[string]string{},
		pumpsDone: make(chan error, 1),
		done:      make(chan struct{}),
	}
	c.gate = sync.NewCond(&c.gateMu)
	c.outCond = sync.NewCond(&c.outMu)

	if cfg.Encoding != "" {
		enc, err := lookupEncoding(cfg.Encoding)
		if err != nil {
			return nil, err
		}
		c.enc = enc
	}

	for k, v := range opts.info {
		c.info[k] = v
	}
	c.info[InfoSessionID] = xid.New().String()
	c.info[InfoChannelType] = opts.chanType
	if opts.meta != nil {
		c.info[InfoLocalAddr] = opts.meta.LocalAddr().String()
		c.info[InfoRemoteAddr] = opts.meta.RemoteAddr().String()
		c.info[InfoUser] = opts.meta.User()
	}

	h.ConnectionMade(c)
	go c.writeLoop()
	if opts.start {
		c.startSession()
	}
	go c.requestLoop()
	return c, nil
}

// RecvWindow implements Channel.
func (c *sshChannel) RecvWindow() int { return c.cfg.RecvWindow }

// ReadDataTypes implements Channel.
func (c *sshChannel) ReadDataTypes() []DataType { return c.opts.readDTs }

// Encoding implements Channel.
func (c *sshChannel) Encoding() string { return c.cfg.Encoding }

// PauseReading implements Channel.
func (c *sshChannel) PauseReading() {
	c.gateMu.Lock()
	c.paused = true
	c.gateMu.Unlock()
}

// ResumeReading implements Channel.
func (c *sshChannel) ResumeReading() {
	c.gateMu.Lock()
	if c.paused {
		c.paused = false
		c.gate.Broadcast()
	}
	c.gateMu.Unlock()
}

// waitGate blocks while reading is paused, unless the gate has been released for good.
func (c *sshChannel) waitGate() {
	c.gateMu.Lock()
	for c.paused && !c.released {
		c.gate.Wait()
	}
	c.gateMu.Unlock()
}

func (c *sshChannel) releaseGate() {
	c.gateMu.Lock()
	c.released = true
	c.gate.Broadcast()
	c.gateMu.Unlock()
}

// Write implements Channel. The data is queued and sent in order by the writer goroutine.
func (c *sshChannel) Write(data []byte, dt DataType) error {
	if dt != DataPrimary && dt != DataStderr {
		return fmt.Errorf("cannot write data type %d on an SSH channel", dt)
	}
	if c.enc != nil {
		encoded, err := encodeText(c.enc, data)
		if err != nil {
			return err
		}
		data = encoded
	} else {
		data = append([]byte(nil), data...)
	}
	return c.enqueue(outItem{kind: outData, data: data, dt: dt})
}

// WriteLines implements Channel.
func (c *sshChannel) WriteLines(lines [][]byte, dt DataType) error {
	for _, line := range lines {
		if err := c.Write(line, dt); err != nil {
			return err
		}
	}
	return nil
}

// WriteEOF implements Channel. EOF is sent once all data written before it.
func (c *sshChannel) WriteEOF() error { return c.enqueue(outItem{kind: outEOF}) }

// CanWriteEOF implements Channel.
func (c *sshChannel) CanWriteEOF() bool { return true }

// Close implements Channel. Data written before Close is sent before the channel is closed. It is
// safe to call Close multiple times.
func (c *sshChannel) Close() error {
	if err := c.enqueue(outItem{kind: outClose}); err != nil {
		// The writer has stopped; close immediately.
		c.closeNow()
	}
	return nil
}

// Exit reports an exit status to the peer, then sends EOF and closes the channel.
func (c *sshChannel) Exit(status uint32) error {
	return c.exit(outItem{kind: outExit, status: status})
}

// ExitSignal reports that the remote process was killed by signal, then sends EOF and closes the
// channel. signal has no "SIG" prefix.
func (c *sshChannel) ExitSignal(signal, message string) error {
	return c.exit(outItem{kind: outExitSignal, signal: signal, message: message})
}

func (c *sshChannel) exit(item outItem) error {
	if err := c.enqueue(item); err != nil {
		return err
	}
	if err := c.WriteEOF(); err != nil {
		return err
	}
	return c.Close()
}

func (c *sshChannel) closeNow() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed {
		return c.closeErr
	}
	c.closed = true
	if err := c.ch.Close(); err != nil && !errors.Is(err, io.EOF) {
		c.closeErr = fmt.Errorf("failed to close channel: %w", err)
	}
	return c.closeErr
}

// markClosed records that the peer has closed the channel, so closeNow has nothing left to do.
func (c *sshChannel) markClosed() {
	c.closeMu.Lock()
	c.closed = true
	c.closeMu.Unlock()
}

// ExtraInfo implements Channel.
func (c *sshChannel) ExtraInfo(name string, def interface{}) interface{} {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()
	if name == InfoEnv {
		env := make(map[string]string, len(c.env))
		for k, v := range c.env {
			env[k] = v
		}
		return env
	}
	if v, ok := c.info[name]; ok {
		return v
	}
	return def
}

// Subsystem implements ServerChannel.
func (c *sshChannel) Subsystem() string {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()
	return c.subsystem
}

// StartFileTransferServer implements ServerChannel. The file-transfer server reads and writes the
// SSH channel directly; the channel is closed when the server returns.
func (c *sshChannel) StartFileTransferServer(factory FileTransferFactory) error {
	if factory == nil {
		return errors.New("no file-transfer server configured")
	}
	go func() {
		if err := factory(c.ch); err != nil && !errors.Is(err, io.EOF) {
			logChannelError(c.cfg.Logger, c, fmt.Errorf("file-transfer server failed: %w", err))
		}
		c.Close()
	}()
	return nil
}

// Done is closed once the channel is gone and ConnectionLost has been called.
func (c *sshChannel) Done() <-chan struct{} { return c.done }

func (c *sshChannel) enqueue(item outItem) error {
	c.outMu.Lock()
	defer c.outMu.Unlock()

	switch {
	case c.writeErr != nil:
		return c.writeErr
	case c.closeQueued:
		if item.kind == outClose {
			return nil
		}
		return ErrChannelClosed
	case c.eofQueued && item.kind == outData:
		return io.EOF
	case c.eofQueued && item.kind == outEOF:
		return nil
	}

	switch item.kind {
	case outEOF:
		c.eofQueued = true
	case outClose:
		c.closeQueued = true
	}
	c.outQueue = append(c.outQueue, item)
	c.outQueued += len(item.data)
	if !c.outPaused && c.outQueued >= c.cfg.WriteHighWater {
		c.outPaused = true
		c.handler.PauseWriting()
	}
	c.outCond.Signal()
	return nil
}

func (c *sshChannel) writeLoop() {
	for {
		c.outMu.Lock()
		for len(c.outQueue) == 0 && !c.outDone {
			c.outCond.Wait()
		}
		if c.outDone {
			c.outQueue = nil
			c.outMu.Unlock()
			return
		}
		item := c.outQueue[0]
		c.outQueue = c.outQueue[1:]
		c.outMu.Unlock()

		err := c.send(item)

		c.outMu.Lock()
		c.outQueued -= len(item.data)
		if err != nil {
			c.writeErr = err
			c.outQueue, c.outQueued = nil, 0
		} else if c.outPaused && c.outQueued <= c.cfg.WriteLowWater {
			c.outPaused = false
			c.handler.ResumeWriting()
		}
		c.outMu.Unlock()

		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.recordLostErr(err)
				logChannelError(c.cfg.Logger, c, err)
			}
			c.closeNow()
		}
	}
}

func (c *sshChannel) send(item outItem) error {
	switch item.kind {
	case outData:
		w := io.Writer(c.ch)
		if item.dt == DataStderr {
			w = c.ch.Stderr()
		}
		if _, err := w.Write(item.data); err != nil {
			return fmt.Errorf("failed to write to channel: %w", err)
		}
	case outEOF:
		if err := c.ch.CloseWrite(); err != nil {
			return fmt.Errorf("failed to send EOF: %w", err)
		}
	case outExit:
		payload := ssh.Marshal(exitStatusMsg{item.status})
		if _, err := c.ch.SendRequest("exit-status", false, payload); err != nil {
			return fmt.Errorf("failed to send exit status: %w", err)
		}
	case outExitSignal:
		payload := ssh.Marshal(exitSignalMsg{Signal: item.signal, Error: item.message})
		if _, err := c.ch.SendRequest("exit-signal", false, payload); err != nil {
			return fmt.Errorf("failed to send exit signal: %w", err)
		}
	case outClose:
		return c.closeNow()
	}
	return nil
}

func (c *sshChannel) recordLostErr(err error) {
	c.infoMu.Lock()
	if c.lostErr == nil {
		c.lostErr = err
	}
	c.infoMu.Unlock()
}

// startSession starts the pumps (unless the channel is handed to a file-transfer server) and
// notifies the handler. Only the first call has any effect.
func (c *sshChannel) startSession() {
	c.infoMu.Lock()
	if c.started {
		c.infoMu.Unlock()
		return
	}
	c.started = true
	fileTransfer := c.opts.server && c.subsystem == SubsystemSFTP
	c.pumping = !fileTransfer
	c.infoMu.Unlock()

	if !fileTransfer {
		c.startPumps()
	}
	if starter, ok := c.handler.(interface{ SessionStarted() }); ok {
		starter.SessionStarted()
	}
}

func (c *sshChannel) startPumps() {
	var g errgroup.Group
	g.Go(func() error { return c.pump(DataPrimary, c.ch) })
	for _, dt := range c.opts.readDTs {
		if dt == DataStderr {
			g.Go(func() error { return c.pump(DataStderr, c.ch.Stderr()) })
		}
	}
	go func() {
		err := g.Wait()
		if err == nil && !c.handler.EOFReceived() {
			c.Close()
		}
		c.pumpsDone <- err
	}()
}

func (c *sshChannel) pump(dt DataType, r io.Reader) error {
	var dec *streamDecoder
	if c.enc != nil {
		dec = newStreamDecoder(c.enc)
	}
	for {
		c.waitGate()
		buf := make([]byte, maxPacketPayload)
		n, err := r.Read(buf)
		if n > 0 {
			if err := c.deliver(buf[:n], dt, dec, false); err != nil {
				return err
			}
		}
		if errors.Is(err, io.EOF) {
			return c.deliver(nil, dt, dec, true)
		}
		if err != nil {
			return fmt.Errorf("failed to read data type %d: %w", dt, err)
		}
	}
}

func (c *sshChannel) deliver(data []byte, dt DataType, dec *streamDecoder, atEOF bool) error {
	if dec != nil {
		decoded, err := dec.decode(data, atEOF)
		if err != nil {
			return fmt.Errorf("failed to decode data type %d: %w", dt, err)
		}
		data = decoded
	}
	if len(data) > 0 {
		c.handler.DataReceived(data, dt)
	}
	return nil
}

func (c *sshChannel) requestLoop() {
	for req := range c.reqs {
		ok, after := c.handleRequest(req)
		if req.WantReply {
			if err := req.Reply(ok, nil); err != nil {
				logChannelError(c.cfg.Logger, c, fmt.Errorf("failed to reply to %s request: %w", req.Type, err))
			}
		}
		if after != nil {
			after()
		}
	}
	c.finish()
}

// finish tears the channel down once the peer has closed it (or the connection is gone).
func (c *sshChannel) finish() {
	c.markClosed()
	c.releaseGate()

	c.infoMu.Lock()
	pumping := c.pumping
	c.infoMu.Unlock()

	var err error
	if pumping {
		err = <-c.pumpsDone
	}

	c.outMu.Lock()
	c.outDone = true
	c.closeQueued = true
	c.outCond.Broadcast()
	c.outMu.Unlock()

	c.infoMu.Lock()
	if err == nil {
		err = c.lostErr
	}
	c.infoMu.Unlock()

	c.handler.ConnectionLost(err)
	close(c.done)
}

// handleRequest processes one channel request. The returned function, if non-nil, is run after the
// reply has been sent.
func (c *sshChannel) handleRequest(req *ssh.Request) (ok bool, after func()) {
	server, _ := c.handler.(ServerHooks)
	signals, _ := c.handler.(SignalHooks)

	switch req.Type {
	case "pty-req":
		var msg ptyRequestMsg
		if server == nil || ssh.Unmarshal(req.Payload, &msg) != nil {
			return false, nil
		}
		size := TermSize{msg.Columns, msg.Rows, msg.Width, msg.Height}
		modes := parseTerminalModes([]byte(msg.Modelist))
		if !server.PtyRequested(msg.Term, size, modes) {
			return false, nil
		}
		c.setInfo(InfoTerm, msg.Term)
		c.setInfo(InfoTermSize, size)
		c.setInfo(InfoTermModes, modes)
		return true, nil

	case "env":
		var msg envRequestMsg
		if ssh.Unmarshal(req.Payload, &msg) != nil {
			return false, nil
		}
		c.infoMu.Lock()
		c.env[msg.Name] = msg.Value
		c.infoMu.Unlock()
		return true, nil

	case "shell":
		if server == nil || c.isStarted() || !server.ShellRequested() {
			return false, nil
		}
		return true, c.startSession

	case "exec":
		var msg execMsg
		if server == nil || c.isStarted() || ssh.Unmarshal(req.Payload, &msg) != nil {
			return false, nil
		}
		if !server.ExecRequested(msg.Command) {
			return false, nil
		}
		c.setInfo(InfoCommand, msg.Command)
		return true, c.startSession

	case "subsystem":
		var msg subsystemRequestMsg
		if server == nil || c.isStarted() || ssh.Unmarshal(req.Payload, &msg) != nil {
			return false, nil
		}
		if !server.SubsystemRequested(msg.Name) {
			return false, nil
		}
		c.infoMu.Lock()
		c.subsystem = msg.Name
		c.info[InfoSubsystem] = msg.Name
		c.infoMu.Unlock()
		return true, c.startSession

	case "window-change":
		var msg windowChangeMsg
		if signals == nil || ssh.Unmarshal(req.Payload, &msg) != nil {
			return false, nil
		}
		size := TermSize{msg.Columns, msg.Rows, msg.Width, msg.Height}
		c.setInfo(InfoTermSize, size)
		signals.TerminalSizeChanged(size)
		return true, nil

	case "signal":
		var msg signalMsg
		if signals == nil || ssh.Unmarshal(req.Payload, &msg) != nil {
			return false, nil
		}
		signals.SignalReceived(msg.Signal)
		return true, nil

	case "break":
		var msg breakMsg
		if signals == nil || ssh.Unmarshal(req.Payload, &msg) != nil {
			return false, nil
		}
		return signals.BreakReceived(msg.Length), nil

	case "exit-status":
		var msg exitStatusMsg
		if ssh.Unmarshal(req.Payload, &msg) != nil {
			return false, nil
		}
		c.setInfo(InfoExitStatus, int(msg.Status))
		return true, nil

	case "exit-signal":
		var msg exitSignalMsg
		if ssh.Unmarshal(req.Payload, &msg) != nil {
			return false, nil
		}
		c.setInfo(InfoExitSignal, &ExitError{Status: -1, Signal: msg.Signal, Message: msg.Error})
		return true, nil
	}
	return false, nil
}

func (c *sshChannel) setInfo(name string, v interface{}) {
	c.infoMu.Lock()
	c.info[name] = v
	c.infoMu.Unlock()
}

func (c *sshChannel) isStarted() bool {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()
	return c.started
}

// Request payloads, as defined in RFC 4254.

type ptyRequestMsg struct {
	Term     string
	Columns  uint32
	Rows     uint32
	Width    uint32
	Height   uint32
	Modelist string
}

type envRequestMsg struct {
	Name  string
	Value string
}

type execMsg struct {
	Command string
}

type subsystemRequestMsg struct {
	Name string
}

type windowChangeMsg struct {
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
}

type signalMsg struct {
	Signal string
}

type breakMsg struct {
	Length uint32
}

type exitStatusMsg struct {
	Status uint32
}

type exitSignalMsg struct {
	Signal     string
	CoreDumped bool
	Error      string
	Lang       string
}

// parseTerminalModes decodes the encoded terminal modes of a pty-req.
func parseTerminalModes(b []byte) ssh.TerminalModes {
	const ttyOpEnd = 0
	modes := ssh.TerminalModes{}
	for len(b) >= 5 && b[0] != ttyOpEnd && b[0] < 160 {
		modes[b[0]] = binary.BigEndian.Uint32(b[1:5])
		b = b[5:]
	}
	return modes
}

func encodeTerminalModes(modes ssh.TerminalModes) string {
	var b []byte
	for op, v := range modes {
		var arg [4]byte
		binary.BigEndian.PutUint32(arg[:], v)
		b = append(b, op)
		b = append(b, arg[:]...)
	}
	return string(append(b, 0))
}
