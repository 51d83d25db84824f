package sshstream

import (
	"errors"
	"fmt"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

// lookupEncoding resolves an encoding name like "utf-8" or "iso-8859-1".
func lookupEncoding(name string) (encoding.Encoding, error) {
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("unsupported encoding %q: %w", name, err)
	}
	return enc, nil
}

// streamDecoder decodes a byte stream into UTF-8 one chunk at a time. Sequences split across
// chunks are held back until the rest arrives.
type streamDecoder struct {
	t       transform.Transformer
	pending []byte
}

func newStreamDecoder(enc encoding.Encoding) *streamDecoder {
	return &streamDecoder{t: enc.NewDecoder()}
}

func (d *streamDecoder) decode(chunk []byte, atEOF bool) ([]byte, error) {
	src := append(d.pending, chunk...)
	d.pending = nil

	dst := make([]byte, 2*len(src)+8)
	nOut := 0
	for {
		nDst, nSrc, err := d.t.Transform(dst[nOut:], src, atEOF)
		nOut += nDst
		src = src[nSrc:]
		switch {
		case err == nil:
			return dst[:nOut], nil
		case errors.Is(err, transform.ErrShortDst):
			grown := make([]byte, 2*len(dst))
			copy(grown, dst[:nOut])
			dst = grown
		case errors.Is(err, transform.ErrShortSrc) && !atEOF:
			d.pending = append([]byte(nil), src...)
			return dst[:nOut], nil
		default:
			return dst[:nOut], err
		}
	}
}

// encodeText converts UTF-8 text written by the application into enc.
func encodeText(enc encoding.Encoding, b []byte) ([]byte, error) {
	out, err := enc.NewEncoder().Bytes(b)
	if err != nil {
		return nil, fmt.Errorf("failed to encode text: %w", err)
	}
	return out, nil
}
