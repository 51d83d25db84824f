package sshstream

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStreamDecoder(t *testing.T) {
	t.Parallel()

	t.Run("SplitUTF8", func(t *testing.T) {
		t.Parallel()

		enc, err := lookupEncoding("utf-8")
		require.NoError(t, err)
		dec := newStreamDecoder(enc)

		euro := []byte("€")
		out, err := dec.decode(append([]byte("price: "), euro[:1]...), false)
		require.NoError(t, err)
		require.Equal(t, "price: ", string(out))

		out, err = dec.decode(euro[1:], false)
		require.NoError(t, err)
		require.Equal(t, "€", string(out))
	})
	t.Run("TruncatedAtEOF", func(t *testing.T) {
		t.Parallel()

		enc, err := lookupEncoding("utf-8")
		require.NoError(t, err)
		dec := newStreamDecoder(enc)

		_, err = dec.decode([]byte("€")[:2], false)
		require.NoError(t, err)
		out, err := dec.decode(nil, true)
		require.NoError(t, err)
		require.Contains(t, string(out), "\uFFFD")
	})
	t.Run("Latin1", func(t *testing.T) {
		t.Parallel()

		enc, err := lookupEncoding("iso-8859-1")
		require.NoError(t, err)
		dec := newStreamDecoder(enc)

		out, err := dec.decode([]byte{'c', 'a', 'f', 0xE9}, false)
		require.NoError(t, err)
		require.Equal(t, "café", string(out))

		encoded, err := encodeText(enc, []byte("café"))
		require.NoError(t, err)
		require.Equal(t, []byte{'c', 'a', 'f', 0xE9}, encoded)
	})
	t.Run("LargeExpansion", func(t *testing.T) {
		t.Parallel()

		enc, err := lookupEncoding("iso-8859-1")
		require.NoError(t, err)
		dec := newStreamDecoder(enc)

		in := make([]byte, 4096)
		for i := range in {
			in[i] = 0xE9
		}
		out, err := dec.decode(in, true)
		require.NoError(t, err)
		require.Len(t, out, 2*len(in))
	})
	t.Run("Unknown", func(t *testing.T) {
		t.Parallel()

		_, err := lookupEncoding("no-such-encoding")
		require.Error(t, err)
	})
}
