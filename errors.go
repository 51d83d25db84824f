package sshstream

import (
	"errors"
	"fmt"
	"syscall"
)

var (
	// ErrConcurrentRead is returned when a read is attempted on a data type while another read is
	// already waiting for data on that data type. Only one goroutine may read a given data type at a
	// time.
	ErrConcurrentRead = errors.New("read called while another read is already waiting to read")

	// ErrBrokenPipe is returned by Drain when the channel was lost while writing was paused and no
	// other error was recorded. It matches syscall.EPIPE under errors.Is.
	ErrBrokenPipe = fmt.Errorf("channel lost while writing was paused: %w", syscall.EPIPE)
)

// IncompleteReadError is returned by an exact read when end of file (or an out-of-band marker) is
// reached before the requested amount of data could be read. No data is lost: Partial holds
// everything consumed by the read.
type IncompleteReadError struct {
	// Partial is the data read before the read was cut short.
	Partial []byte

	// Expected is the total number of units (bytes, or runes on text channels) requested.
	Expected int

	// Shortfall is the number of units still missing when the read stopped.
	Shortfall int
}

func (err *IncompleteReadError) Error() string {
	return fmt.Sprintf("%d units read on a total of %d expected units",
		err.Expected-err.Shortfall, err.Expected)
}

// BreakReceived is delivered through the primary data type when the peer sends a break.
type BreakReceived struct {
	Msec uint32
}

func (br *BreakReceived) Error() string { return fmt.Sprintf("break received: %d ms", br.Msec) }

// SignalReceived is delivered through the primary data type when the peer sends a signal.
type SignalReceived struct {
	// Signal is the signal name without the "SIG" prefix, as defined in RFC 4254 section 6.10.
	Signal string
}

func (sr *SignalReceived) Error() string { return "signal received: " + sr.Signal }

// TerminalSizeChanged is delivered through the primary data type when the peer reports a new
// terminal size.
type TerminalSizeChanged struct {
	TermSize
}

func (tsc *TerminalSizeChanged) Error() string {
	return fmt.Sprintf("terminal size changed: %dx%d (%dx%d pixels)",
		tsc.Width, tsc.Height, tsc.PixWidth, tsc.PixHeight)
}

// TermSize describes the dimensions of a terminal.
type TermSize struct {
	Width, Height       uint32
	PixWidth, PixHeight uint32
}

// IsMarker reports whether err is one of the out-of-band markers (BreakReceived, SignalReceived,
// TerminalSizeChanged). Markers do not terminate a stream; reads may continue after observing one.
func IsMarker(err error) bool {
	var (
		br  *BreakReceived
		sr  *SignalReceived
		tsc *TerminalSizeChanged
	)
	return errors.As(err, &br) || errors.As(err, &sr) || errors.As(err, &tsc)
}

// ExitError is returned by ClientProcess.Wait when the remote command did not exit cleanly.
type ExitError struct {
	// Status is the exit status reported by the peer, or -1 if the command was killed by a signal.
	Status int

	// Signal and Message describe the signal which terminated the command, if any.
	Signal  string
	Message string
}

func (err *ExitError) Error() string {
	if err.Signal != "" {
		if err.Message != "" {
			return fmt.Sprintf("process killed by signal %s: %s", err.Signal, err.Message)
		}
		return "process killed by signal " + err.Signal
	}
	return fmt.Sprintf("process exited with status %d", err.Status)
}
