package contenthash

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashIdentityMatchesSum(t *testing.T) {
	data := []byte("Hello, World!")
	want := Sum(data)

	buf := NewBufferFromBytes(data)
	got, err := buf.Hash()
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.Equal(t, want.String(), got.String())
}

func TestIncrementalAppendMatchesFullWrite(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")

	full := NewBufferFromBytes(data)
	fullHash, err := full.Hash()
	require.NoError(t, err)

	incremental := NewBuffer()
	for i := 0; i < len(data); i += 7 {
		end := i + 7
		if end > len(data) {
			end = len(data)
		}
		_, err := incremental.Write(data[i:end])
		require.NoError(t, err)
	}
	incHash, err := incremental.Hash()
	require.NoError(t, err)

	require.Equal(t, fullHash, incHash)
}

func TestOverwriteResetsIncrementalState(t *testing.T) {
	buf := NewBuffer()
	_, err := buf.Write([]byte("aaaaaaaaaa"))
	require.NoError(t, err)

	_, err = buf.WriteAt([]byte("XYZ"), 2)
	require.NoError(t, err)

	want := Sum([]byte("aaXYZaaaaa"))
	got, err := buf.Hash()
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestGapWriteForcesRecompute(t *testing.T) {
	buf := NewBuffer()
	_, err := buf.Write([]byte("abc"))
	require.NoError(t, err)

	_, err = buf.WriteAt([]byte("xyz"), 10)
	require.NoError(t, err)

	full := make([]byte, 13)
	copy(full, "abc")
	copy(full[10:], "xyz")

	want := Sum(full)
	got, err := buf.Hash()
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestTruncateBelowHashedResets(t *testing.T) {
	buf := NewBuffer()
	_, err := buf.Write([]byte("0123456789"))
	require.NoError(t, err)
	_, err = buf.Hash()
	require.NoError(t, err)

	require.NoError(t, buf.Truncate(4))

	want := Sum([]byte("0123"))
	got, err := buf.Hash()
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestSpillToFileAboveThreshold(t *testing.T) {
	data := bytes.Repeat([]byte{0x42}, memoryThreshold+1024)
	buf := NewBufferFromBytes(data)
	defer buf.Close()

	require.True(t, buf.spilled())
	require.Equal(t, Sum(data), mustHash(t, buf))

	out := make([]byte, len(data))
	_, err := buf.Seek(0, io.SeekStart)
	require.NoError(t, err)
	_, err = io.ReadFull(buf, out)
	require.NoError(t, err)
	require.Equal(t, data, out)
}

func TestReadHeaderClampsAndPreservesPosition(t *testing.T) {
	data := bytes.Repeat([]byte{0x01}, headerClamp*2)
	buf := NewBufferFromBytes(data)

	_, err := buf.Seek(123, io.SeekStart)
	require.NoError(t, err)

	header, err := buf.ReadHeader(1 << 20)
	require.NoError(t, err)
	require.Len(t, header, headerClamp)

	pos, err := buf.Seek(0, io.SeekCurrent)
	require.NoError(t, err)
	require.Equal(t, int64(123), pos)
}

func TestParseHexRoundTrip(t *testing.T) {
	h := Sum([]byte("round trip"))
	parsed, err := ParseHex(h.String())
	require.NoError(t, err)
	require.Equal(t, h, parsed)

	_, err = ParseHex("not-hex")
	require.Error(t, err)
}

func mustHash(t *testing.T, b *Buffer) Hash {
	t.Helper()
	h, err := b.Hash()
	require.NoError(t, err)
	return h
}
