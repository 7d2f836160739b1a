package format

import (
	"io"
	"sync"

	"github.com/libragraph-com/vault/internal/contenthash"
)

// seekerReaderAt adapts a BinaryData (io.ReadSeeker) into an io.ReaderAt,
// needed by archive/zip.NewReader. Calls are serialized since Seek+Read is
// not atomic; this is fine, every caller in this package uses one handler
// per goroutine.
type seekerReaderAt struct {
	mu   sync.Mutex
	data contenthash.BinaryData
}

func asReaderAt(data contenthash.BinaryData) io.ReaderAt {
	return &seekerReaderAt{data: data}
}

func (s *seekerReaderAt) ReadAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.data.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return io.ReadFull(s.data, p)
}
