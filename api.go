// Package sshstream turns a callback-driven, flow-controlled SSH channel into blocking-style streams.
//
// A Session receives data, EOF and errors from a Channel through the StreamHandler callbacks and
// buffers them per data type. Reader and Writer handles expose reads of up to n bytes, exact reads,
// line reads, EOF checks and write backpressure (Drain) on top of a Session. At most one goroutine
// may wait to read a given data type at a time.
//
// The package includes an adapter binding Sessions to golang.org/x/crypto/ssh channels (see
// OpenSession and ServeChannels) and a net.Conn facade carried by a single SSH channel (see Dial and
// Listen).
package sshstream

import (
	"context"
	"io"
)

// DataType identifies a logical stream within a channel.
type DataType uint32

const (
	// DataPrimary is the ordinary data stream of a channel.
	DataPrimary DataType = 0

	// DataStderr is the extended data stream used for standard error (SSH_EXTENDED_DATA_STDERR).
	DataStderr DataType = 1
)

// Channel is the transport consumed by a Session. It is typically an SSH channel which already
// handles framing, window negotiation and encryption.
type Channel interface {
	// RecvWindow is the receive window of the channel. The session asks the channel to pause reading
	// once this much data is buffered.
	RecvWindow() int

	// ReadDataTypes lists the extended data types the channel may deliver, in addition to
	// DataPrimary.
	ReadDataTypes() []DataType

	// Encoding is the name of the text encoding of the channel, or the empty string if the channel
	// carries raw bytes. Data on text channels is delivered as UTF-8 and counted in runes.
	Encoding() string

	// PauseReading and ResumeReading are advisory flow-control requests. They are invoked with the
	// session lock held and must not call back into the session.
	PauseReading()
	ResumeReading()

	Write(data []byte, dt DataType) error
	WriteLines(lines [][]byte, dt DataType) error
	WriteEOF() error
	CanWriteEOF() bool
	Close() error

	// ExtraInfo returns additional information about the channel, or def if name is unknown.
	ExtraInfo(name string, def interface{}) interface{}
}

// ServerChannel is a Channel on the server side of a session, which may have been asked to start a
// subsystem.
type ServerChannel interface {
	Channel

	// Subsystem is the name of the requested subsystem, if any.
	Subsystem() string

	// StartFileTransferServer hands the channel over to a file-transfer server built by factory. No
	// further data is delivered to the session.
	StartFileTransferServer(factory FileTransferFactory) error
}

// StreamHandler is the callback contract between a channel and a Session. Channels call these
// methods as data arrives or the channel state changes.
type StreamHandler interface {
	ConnectionMade(ch Channel)
	ConnectionLost(err error)
	DataReceived(data []byte, dt DataType)

	// EOFReceived returns true if the EOF is accepted and the channel should stay open for writing.
	EOFReceived() bool

	PauseWriting()
	ResumeWriting()
}

// FileTransferFactory serves a file-transfer protocol (like SFTP) over rwc until the client is done.
type FileTransferFactory func(rwc io.ReadWriteCloser) error

// Task is a unit of work returned by a session handler. Non-nil tasks are run on their own
// goroutine. The context is cancelled when the channel is lost.
type Task func(ctx context.Context) error
