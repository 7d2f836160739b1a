package format

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/libragraph-com/vault/internal/contenthash"
)

// TarCriteria matches by extension and MIME; tar has no reliable magic
// bytes near the start of the stream (the "ustar" marker sits at offset
// 257), so offset-zero magic matching is not attempted.
func TarCriteria() DetectionCriteria {
	return DetectionCriteria{
		MIMEPatterns: []string{"application/x-tar"},
		Extensions:   []string{".tar"},
		Priority:     50,
	}
}

// tarHandler decomposes tar archives. Ustar headers round-trip exactly
// through archive/tar for the fields this format tracks, so tarHandler
// reports TierReconstructable.
type tarHandler struct{}

// NewTarHandler returns the tar container handler.
func NewTarHandler() Handler { return &tarHandler{} }

func (h *tarHandler) Name() string { return "tar" }
func (h *tarHandler) Tier() Tier   { return TierReconstructable }

func (h *tarHandler) HasChildren(data contenthash.BinaryData) bool { return true }

func (h *tarHandler) ExtractChildren(ctx context.Context, data contenthash.BinaryData) ([]ChildRef, error) {
	if _, err := data.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	tr := tar.NewReader(data)

	var out []ChildRef
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("format: tar: %w", err)
		}
		mtime := hdr.ModTime.UnixMilli()
		switch hdr.Typeflag {
		case tar.TypeDir:
			out = append(out, ChildRef{InternalPath: hdr.Name, IsDir: true, MTimeMillis: &mtime})
		case tar.TypeSymlink:
			out = append(out, ChildRef{
				InternalPath: hdr.Name,
				IsSymlink:    true,
				MTimeMillis:  &mtime,
				Data:         contenthash.NewBufferFromBytes([]byte(hdr.Linkname)),
			})
		default:
			content, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("format: tar: read %s: %w", hdr.Name, err)
			}
			out = append(out, ChildRef{
				InternalPath: hdr.Name,
				MTimeMillis:  &mtime,
				Data:         contenthash.NewBufferFromBytes(content),
			})
		}
	}
	return out, nil
}

func (h *tarHandler) ExtractMetadata(ctx context.Context, data contenthash.BinaryData) (map[string]any, error) {
	children, err := h.ExtractChildren(ctx, data)
	if err != nil {
		return nil, err
	}
	return map[string]any{"entryCount": len(children)}, nil
}

func (h *tarHandler) ExtractText(ctx context.Context, data contenthash.BinaryData) (string, error) {
	return "", nil
}

func (h *tarHandler) Reconstruct(ctx context.Context, children []ChildRef) (contenthash.BinaryData, error) {
	var buf bytes.Buffer
	w := tar.NewWriter(&buf)
	for _, c := range children {
		hdr := &tar.Header{Name: c.InternalPath}
		if c.MTimeMillis != nil {
			hdr.ModTime = time.UnixMilli(*c.MTimeMillis)
		}

		switch {
		case c.IsDir:
			hdr.Typeflag = tar.TypeDir
			hdr.Mode = 0o755
			if err := w.WriteHeader(hdr); err != nil {
				return nil, err
			}
		case c.IsSymlink:
			target, err := readAllFrom(c.Data)
			if err != nil {
				return nil, err
			}
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = string(target)
			if err := w.WriteHeader(hdr); err != nil {
				return nil, err
			}
		default:
			content, err := readAllFrom(c.Data)
			if err != nil {
				return nil, err
			}
			hdr.Typeflag = tar.TypeReg
			hdr.Mode = 0o644
			hdr.Size = int64(len(content))
			if err := w.WriteHeader(hdr); err != nil {
				return nil, err
			}
			if _, err := w.Write(content); err != nil {
				return nil, err
			}
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("format: tar: write: %w", err)
	}
	return contenthash.NewBufferFromBytes(buf.Bytes()), nil
}

func readAllFrom(data contenthash.BinaryData) ([]byte, error) {
	if data == nil {
		return nil, nil
	}
	if _, err := data.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(data)
}
