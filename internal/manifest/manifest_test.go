package manifest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/libragraph-com/vault/internal/contenthash"
	"github.com/libragraph-com/vault/internal/format"
)

func sampleManifest() Manifest {
	return Manifest{
		FormatID:       1,
		CapabilityTier: format.TierReconstructable,
		Entries: []Entry{
			{
				Path:          "a.txt",
				Type:          EntryFile,
				ChildHash:     contenthash.Sum([]byte("hello")),
				ChildLeafSize: 5,
				MTimeMillis:   1700000000000,
				Metadata:      []byte(`{"k":"v"}`),
			},
			{
				Path:             "sub",
				Type:             EntryDirectory,
				ChildHash:        contenthash.Sum([]byte("sub-manifest")),
				ChildIsContainer: true,
			},
		},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := sampleManifest()
	raw := Encode(m)

	decoded, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, m, decoded)
}

func TestEncodeIsDeterministic(t *testing.T) {
	m := sampleManifest()
	require.Equal(t, Encode(m), Encode(m))
}

func TestDecodeRejectsVersionMismatch(t *testing.T) {
	raw := Encode(sampleManifest())
	raw[1] = 99 // corrupt the low byte of the big-endian version field

	_, err := Decode(raw)
	require.Error(t, err)
}

func TestDecodeRejectsTruncatedInput(t *testing.T) {
	raw := Encode(sampleManifest())
	_, err := Decode(raw[:len(raw)-3])
	require.Error(t, err)
}
