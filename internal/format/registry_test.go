package format

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	r := NewRegistry()
	r.Register(ZipCriteria(), NewZipHandler)
	r.Register(TarCriteria(), NewTarHandler)
	r.Register(FallbackCriteria(), NewFallbackHandler)
	return r
}

func TestDetectPicksMagicMatchOverFallback(t *testing.T) {
	r := newTestRegistry()
	zipMagic := []byte{0x50, 0x4B, 0x03, 0x04, 0, 0, 0, 0}
	h := r.Detect("application/octet-stream", "archive.bin", zipMagic)
	require.NotNil(t, h)
	require.Equal(t, "zip", h.Name())
}

func TestDetectFallsBackOnNoMatch(t *testing.T) {
	r := newTestRegistry()
	h := r.Detect("text/plain", "notes.txt", []byte("hello world"))
	require.NotNil(t, h)
	require.Equal(t, "fallback", h.Name())
}

func TestDetectMatchesByExtension(t *testing.T) {
	r := newTestRegistry()
	h := r.Detect("application/octet-stream", "bundle.tar", nil)
	require.NotNil(t, h)
	require.Equal(t, "tar", h.Name())
}

func TestDetectionCriteriaMagicOffset(t *testing.T) {
	c := DetectionCriteria{Magic: []byte("MARK"), MagicOffset: 4}
	require.True(t, c.Matches("", "", []byte("XXXXMARK")))
	require.False(t, c.Matches("", "", []byte("XXXX")))
}
