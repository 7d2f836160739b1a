package contenthash

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// memoryThreshold is the size below which a Buffer stays in a heap byte
// slice; at or above it, writes spill to a scoped temp file.
const memoryThreshold = 4 * 1024 * 1024 // 4 MiB

// headerClamp bounds ReadHeader regardless of the requested size.
const headerClamp = 64 * 1024 // 64 KiB

// BinaryData is an abstract seekable byte sequence with a cached content
// hash. Implementations may be backed by memory or by a file on disk.
type BinaryData interface {
	io.ReadSeeker
	io.Closer

	// Size returns the total number of bytes currently stored.
	Size() int64

	// Hash returns the BLAKE3-128 digest of the full contents, computed
	// incrementally where possible.
	Hash() (Hash, error)

	// ReadHeader returns up to n bytes (clamped to 64 KiB) from the start
	// without disturbing the current read position.
	ReadHeader(n int) ([]byte, error)
}

// Buffer is a growable, writable BinaryData with incremental hashing. Small
// buffers live entirely in memory; buffers that grow past memoryThreshold
// spill to a temp file that is removed when the Buffer is closed.
type Buffer struct {
	mem  []byte
	file *os.File

	size int64
	pos  int64

	hasher     *Hasher
	hashedUpTo int64
	cached     *Hash
}

// NewBuffer returns an empty, writable Buffer.
func NewBuffer() *Buffer {
	return &Buffer{hasher: NewHasher()}
}

// NewBufferFromBytes returns a Buffer pre-populated with b's content, fully
// hashed incrementally so Hash() is immediately cheap.
func NewBufferFromBytes(b []byte) *Buffer {
	buf := NewBuffer()
	_, _ = buf.Write(b)
	return buf
}

func (b *Buffer) spilled() bool { return b.file != nil }

// Size returns the number of bytes written so far.
func (b *Buffer) Size() int64 { return b.size }

// Write appends or overwrites bytes starting at the current position,
// extending the buffer if necessary, and updates incremental hash state.
func (b *Buffer) Write(p []byte) (int, error) {
	n, err := b.WriteAt(p, b.pos)
	b.pos += int64(n)
	return n, err
}

// WriteAt writes p at the given offset without moving the read/write
// cursor, classifying the write as tailing, overwrite, or gap for the
// purposes of incremental hashing: a tailing write extends the rolling
// hash, an overwrite resets it, and a gap leaves Hash to recompute fully.
func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	switch {
	case off == b.hashedUpTo:
		// Tailing write: roll the hash forward and keep tracking.
		b.hasher.Write(p)
		b.hashedUpTo += int64(len(p))
	case off < b.hashedUpTo:
		// Overwrite inside already-hashed range: state is stale.
		b.resetHashState()
	default:
		// Gap beyond hashedUpTo: stop incremental tracking until next Hash().
		b.hashedUpTo = -1
	}
	b.cached = nil

	if err := b.ensureCapacity(off + int64(len(p))); err != nil {
		return 0, err
	}

	if b.spilled() {
		n, err := b.file.WriteAt(p, off)
		return n, err
	}
	n := copy(b.mem[off:], p)
	return n, nil
}

func (b *Buffer) resetHashState() {
	b.hasher = NewHasher()
	b.hashedUpTo = 0
	b.cached = nil
}

// ensureCapacity grows the backing store (spilling to disk once the
// threshold is crossed) so that end bytes are addressable.
func (b *Buffer) ensureCapacity(end int64) error {
	if end <= b.size {
		return nil
	}
	if !b.spilled() && end >= memoryThreshold {
		if err := b.spillToFile(); err != nil {
			return err
		}
	}
	if b.spilled() {
		if err := b.file.Truncate(end); err != nil {
			return fmt.Errorf("contenthash: grow temp file: %w", err)
		}
	} else {
		grown := make([]byte, end)
		copy(grown, b.mem)
		b.mem = grown
	}
	b.size = end
	return nil
}

func (b *Buffer) spillToFile() error {
	f, err := os.CreateTemp("", "vault-buffer-*.bin")
	if err != nil {
		return fmt.Errorf("contenthash: create temp file: %w", err)
	}
	if len(b.mem) > 0 {
		if _, err := f.WriteAt(b.mem, 0); err != nil {
			f.Close()
			os.Remove(f.Name())
			return fmt.Errorf("contenthash: spill to temp file: %w", err)
		}
	}
	b.file = f
	b.mem = nil
	return nil
}

// Read implements io.Reader, advancing the cursor.
func (b *Buffer) Read(p []byte) (int, error) {
	n, err := b.ReadAt(p, b.pos)
	b.pos += int64(n)
	if n > 0 && err == io.EOF {
		err = nil
	}
	return n, err
}

// ReadAt implements io.ReaderAt without moving the cursor.
func (b *Buffer) ReadAt(p []byte, off int64) (int, error) {
	if off >= b.size {
		return 0, io.EOF
	}
	end := off + int64(len(p))
	if end > b.size {
		end = b.size
	}
	if b.spilled() {
		return b.file.ReadAt(p[:end-off], off)
	}
	n := copy(p, b.mem[off:end])
	return n, nil
}

// Seek implements io.Seeker.
func (b *Buffer) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = b.pos + offset
	case io.SeekEnd:
		abs = b.size + offset
	default:
		return 0, errors.New("contenthash: invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("contenthash: negative seek position")
	}
	b.pos = abs
	return abs, nil
}

// ReadHeader returns up to n bytes (clamped to 64 KiB) from the start of
// the buffer without moving the current read position.
func (b *Buffer) ReadHeader(n int) ([]byte, error) {
	if n > headerClamp {
		n = headerClamp
	}
	if int64(n) > b.size {
		n = int(b.size)
	}
	out := make([]byte, n)
	if n == 0 {
		return out, nil
	}
	if _, err := b.ReadAt(out, 0); err != nil && err != io.EOF {
		return nil, err
	}
	return out, nil
}

// Truncate shrinks the buffer to n bytes, resetting incremental hash state
// if the cut falls below what has already been hashed.
func (b *Buffer) Truncate(n int64) error {
	if n < 0 || n > b.size {
		return fmt.Errorf("contenthash: truncate length %d out of range [0,%d]", n, b.size)
	}
	if n < b.hashedUpTo || b.hashedUpTo < 0 {
		b.resetHashState()
	}
	if b.spilled() {
		if err := b.file.Truncate(n); err != nil {
			return err
		}
	} else {
		b.mem = b.mem[:n]
	}
	b.size = n
	if b.pos > n {
		b.pos = n
	}
	return nil
}

// Hash returns the cached digest when the whole buffer is already covered
// by incremental hashing, otherwise streams the full contents through a
// fresh hasher and caches the result.
func (b *Buffer) Hash() (Hash, error) {
	if b.cached != nil {
		return *b.cached, nil
	}
	if b.hashedUpTo == b.size {
		h := b.hasher.Sum()
		b.cached = &h
		return h, nil
	}

	h := NewHasher()
	if b.spilled() {
		if _, err := b.file.Seek(0, io.SeekStart); err != nil {
			return Hash{}, err
		}
		if _, err := io.Copy(hashWriter{h}, b.file); err != nil {
			return Hash{}, fmt.Errorf("contenthash: hash temp file: %w", err)
		}
	} else {
		h.Write(b.mem)
	}
	sum := h.Sum()

	b.hasher = h
	b.hashedUpTo = b.size
	b.cached = &sum
	return sum, nil
}

type hashWriter struct{ h *Hasher }

func (w hashWriter) Write(p []byte) (int, error) { return w.h.Write(p) }

// Close releases the backing temp file, if any. Safe to call multiple
// times and on memory-backed buffers.
func (b *Buffer) Close() error {
	if b.file == nil {
		return nil
	}
	name := b.file.Name()
	err := b.file.Close()
	_ = os.Remove(name)
	b.file = nil
	return err
}

var _ BinaryData = (*Buffer)(nil)
