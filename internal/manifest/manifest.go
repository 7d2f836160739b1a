// Package manifest implements the canonical binary encoding of a
// container's child list: a versioned, deterministic wire format decoded
// back into the same ordered entries it was built from.
package manifest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/libragraph-com/vault/internal/contenthash"
	"github.com/libragraph-com/vault/internal/format"
)

// Version is the current wire format version. The decoder rejects any
// other value.
const Version uint16 = 1

// EntryType mirrors index.EntryType without importing it, keeping this
// package free of a dependency on the relational schema.
type EntryType uint8

const (
	EntryFile EntryType = iota
	EntryDirectory
	EntrySymlink
)

// Entry is one child of a container, as recorded in the manifest.
type Entry struct {
	Path             string
	Type             EntryType
	ChildHash        contenthash.Hash
	ChildLeafSize    uint64
	ChildIsContainer bool
	MTimeMillis      int64 // 0 means absent
	Metadata         []byte
}

// Manifest is the full decoded structure: container-level fields plus the
// ordered entry list.
type Manifest struct {
	FormatID       uint16
	CapabilityTier format.Tier
	Entries        []Entry
}

// Encode produces the canonical byte representation of m. Encoding is
// deterministic: identical Manifests yield byte-identical output, since
// every field is written in a fixed order with no map iteration.
func Encode(m Manifest) []byte {
	var buf bytes.Buffer

	writeU16(&buf, Version)
	writeU16(&buf, m.FormatID)
	buf.WriteByte(byte(m.CapabilityTier))
	writeVarint(&buf, uint64(len(m.Entries)))

	for _, e := range m.Entries {
		writeLPString(&buf, e.Path)
		buf.WriteByte(byte(e.Type))
		buf.WriteByte(boolByte(e.ChildIsContainer))
		buf.Write(e.ChildHash[:])
		writeU64(&buf, e.ChildLeafSize)
		writeI64(&buf, e.MTimeMillis)
		writeLPBytes(&buf, e.Metadata)
	}

	return buf.Bytes()
}

// Decode parses raw into a Manifest, rejecting a version mismatch.
// Unrecognized trailing bytes within an entry's reserved fields are
// never produced by this encoder, so "unknown optional fields preserved"
// reduces to: metadata_bytes round-trips opaquely, which it does since
// Decode never interprets its contents.
func Decode(raw []byte) (Manifest, error) {
	r := bytes.NewReader(raw)

	version, err := readU16(r)
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest: read version: %w", err)
	}
	if version != Version {
		return Manifest{}, fmt.Errorf("manifest: unsupported version %d (want %d)", version, Version)
	}

	formatID, err := readU16(r)
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest: read format id: %w", err)
	}
	tierByte, err := r.ReadByte()
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest: read capability tier: %w", err)
	}
	count, err := readVarint(r)
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest: read entry count: %w", err)
	}

	entries := make([]Entry, 0, count)
	for i := uint64(0); i < count; i++ {
		path, err := readLPString(r)
		if err != nil {
			return Manifest{}, fmt.Errorf("manifest: entry %d: read path: %w", i, err)
		}
		typeByte, err := r.ReadByte()
		if err != nil {
			return Manifest{}, fmt.Errorf("manifest: entry %d: read type: %w", i, err)
		}
		isContainerByte, err := r.ReadByte()
		if err != nil {
			return Manifest{}, fmt.Errorf("manifest: entry %d: read is_container: %w", i, err)
		}
		var hash contenthash.Hash
		if _, err := io.ReadFull(r, hash[:]); err != nil {
			return Manifest{}, fmt.Errorf("manifest: entry %d: read child hash: %w", i, err)
		}
		leafSize, err := readU64(r)
		if err != nil {
			return Manifest{}, fmt.Errorf("manifest: entry %d: read leaf size: %w", i, err)
		}
		mtime, err := readI64(r)
		if err != nil {
			return Manifest{}, fmt.Errorf("manifest: entry %d: read mtime: %w", i, err)
		}
		meta, err := readLPBytes(r)
		if err != nil {
			return Manifest{}, fmt.Errorf("manifest: entry %d: read metadata: %w", i, err)
		}

		entries = append(entries, Entry{
			Path:             path,
			Type:             EntryType(typeByte),
			ChildHash:        hash,
			ChildLeafSize:    leafSize,
			ChildIsContainer: isContainerByte != 0,
			MTimeMillis:      mtime,
			Metadata:         meta,
		})
	}

	return Manifest{FormatID: formatID, CapabilityTier: format.Tier(tierByte), Entries: entries}, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	buf.Write(tmp[:])
}

func readU16(r *bytes.Reader) (uint16, error) {
	var tmp [2]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(tmp[:]), nil
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

func readU64(r *bytes.Reader) (uint64, error) {
	var tmp [8]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(tmp[:]), nil
}

func writeI64(buf *bytes.Buffer, v int64) { writeU64(buf, uint64(v)) }

func readI64(r *bytes.Reader) (int64, error) {
	v, err := readU64(r)
	return int64(v), err
}

func writeVarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func readVarint(r *bytes.Reader) (uint64, error) {
	return binary.ReadUvarint(r)
}

func writeLPString(buf *bytes.Buffer, s string) { writeLPBytes(buf, []byte(s)) }

func readLPString(r *bytes.Reader) (string, error) {
	b, err := readLPBytes(r)
	return string(b), err
}

func writeLPBytes(buf *bytes.Buffer, b []byte) {
	writeVarint(buf, uint64(len(b)))
	buf.Write(b)
}

func readLPBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}
