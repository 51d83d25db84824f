package sshstream

import "context"

// Reader is the read side of one data type of a channel. Readers hold no state of their own, so
// several may exist for the same data type, but only one goroutine may read a data type at a time.
type Reader struct {
	session *Session
	ch      Channel
	dt      DataType
}

// NewReader binds a reader to the dt stream of a session.
func NewReader(s *Session, ch Channel, dt DataType) *Reader {
	return &Reader{s, ch, dt}
}

// Channel returns the channel associated with this stream.
func (r *Reader) Channel() Channel { return r.ch }

// DataType returns the data type this reader reads.
func (r *Reader) DataType() DataType { return r.dt }

// ExtraInfo returns additional information about the channel of this stream.
func (r *Reader) ExtraInfo(name string, def interface{}) interface{} {
	return r.ch.ExtraInfo(name, def)
}

// Read reads up to n bytes (runes on text channels). If n is negative, Read reads until EOF or until
// an out-of-band marker is received. At EOF, the result is empty and the error is nil.
func (r *Reader) Read(ctx context.Context, n int) ([]byte, error) {
	return r.session.Read(ctx, n, r.dt, false)
}

// ReadLine reads one line, ending in '\n'. If EOF is received first, the partial line is returned.
func (r *Reader) ReadLine(ctx context.Context) ([]byte, error) {
	return r.session.ReadLine(ctx, r.dt)
}

// ReadExactly reads exactly n bytes (runes on text channels). If EOF is received first, an
// *IncompleteReadError holding the partial data is returned.
func (r *Reader) ReadExactly(ctx context.Context, n int) ([]byte, error) {
	return r.session.Read(ctx, n, r.dt, true)
}

// AtEOF returns true when EOF was received and all data on this stream has been read.
func (r *Reader) AtEOF() bool {
	return r.session.AtEOF(r.dt)
}

// Writer is the write side of one data type of a channel. Writes are passed straight to the
// channel; use Drain to wait for the channel to accept more data.
type Writer struct {
	session *Session
	ch      Channel
	dt      DataType
}

// NewWriter binds a writer to the dt stream of a session.
func NewWriter(s *Session, ch Channel, dt DataType) *Writer {
	return &Writer{s, ch, dt}
}

// Channel returns the channel associated with this stream.
func (w *Writer) Channel() Channel { return w.ch }

// DataType returns the data type this writer writes.
func (w *Writer) DataType() DataType { return w.dt }

// ExtraInfo returns additional information about the channel of this stream.
func (w *Writer) ExtraInfo(name string, def interface{}) interface{} {
	return w.ch.ExtraInfo(name, def)
}

// Write implements io.Writer. Either all of b is handed to the channel or an error is returned.
func (w *Writer) Write(b []byte) (n int, err error) {
	if err := w.ch.Write(b, w.dt); err != nil {
		return 0, err
	}
	return len(b), nil
}

// WriteLines writes each element of lines in turn.
func (w *Writer) WriteLines(lines [][]byte) error {
	return w.ch.WriteLines(lines, w.dt)
}

// WriteEOF sends an end-of-file indication on the channel. EOF applies to the channel as a whole,
// so writing EOF on one writer ends all writers of the channel.
func (w *Writer) WriteEOF() error { return w.ch.WriteEOF() }

// CanWriteEOF returns whether the channel supports WriteEOF.
func (w *Writer) CanWriteEOF() bool { return w.ch.CanWriteEOF() }

// Close closes the channel. After this, no data can be read or written on any stream of the
// channel.
func (w *Writer) Close() error { return w.ch.Close() }

// Drain blocks while the channel has paused writing, returning once enough data has been sent for
// writing to resume. This bounds the amount of data buffered ahead of the channel's send window.
func (w *Writer) Drain(ctx context.Context) error {
	return w.session.Drain(ctx)
}
