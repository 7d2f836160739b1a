package format

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/libragraph-com/vault/internal/contenthash"
)

// ZipCriteria matches the ZIP local-file-header magic "PK\x03\x04".
func ZipCriteria() DetectionCriteria {
	return DetectionCriteria{
		MIMEPatterns: []string{"application/zip"},
		Extensions:   []string{".zip"},
		Magic:        []byte{0x50, 0x4B, 0x03, 0x04},
		Priority:     50,
	}
}

// zipHandler decomposes ZIP archives. Every field this format tracks
// (path, deflate content, modified time) round-trips exactly through
// archive/zip, so zipHandler reports TierReconstructable: only the
// manifest is retained, not the original archive bytes.
type zipHandler struct{}

// NewZipHandler returns the ZIP container handler.
func NewZipHandler() Handler { return &zipHandler{} }

func (h *zipHandler) Name() string { return "zip" }
func (h *zipHandler) Tier() Tier   { return TierReconstructable }

func (h *zipHandler) HasChildren(data contenthash.BinaryData) bool { return true }

func (h *zipHandler) ExtractChildren(ctx context.Context, data contenthash.BinaryData) ([]ChildRef, error) {
	r, err := zip.NewReader(asReaderAt(data), data.Size())
	if err != nil {
		return nil, fmt.Errorf("format: zip: %w", err)
	}

	out := make([]ChildRef, 0, len(r.File))
	for _, f := range r.File {
		if strings.HasSuffix(f.Name, "/") {
			out = append(out, ChildRef{InternalPath: f.Name, IsDir: true})
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("format: zip: open %s: %w", f.Name, err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("format: zip: read %s: %w", f.Name, err)
		}
		// A zero MS-DOS date/time means the writer recorded no modified
		// time; leaving it unset keeps Reconstruct from adding one.
		var mtime *int64
		if f.ModifiedDate != 0 || f.ModifiedTime != 0 {
			ms := f.Modified.UnixMilli()
			mtime = &ms
		}
		out = append(out, ChildRef{
			InternalPath: f.Name,
			MTimeMillis:  mtime,
			Data:         contenthash.NewBufferFromBytes(content),
		})
	}
	return out, nil
}

func (h *zipHandler) ExtractMetadata(ctx context.Context, data contenthash.BinaryData) (map[string]any, error) {
	r, err := zip.NewReader(asReaderAt(data), data.Size())
	if err != nil {
		return nil, fmt.Errorf("format: zip: %w", err)
	}
	return map[string]any{"entryCount": len(r.File)}, nil
}

func (h *zipHandler) ExtractText(ctx context.Context, data contenthash.BinaryData) (string, error) {
	return "", nil
}

// Reconstruct rebuilds a ZIP archive from children, deflating each file
// entry and restoring its recorded modified time.
func (h *zipHandler) Reconstruct(ctx context.Context, children []ChildRef) (contenthash.BinaryData, error) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, c := range children {
		if c.IsDir {
			name := c.InternalPath
			if !strings.HasSuffix(name, "/") {
				name += "/"
			}
			if _, err := w.Create(name); err != nil {
				return nil, err
			}
			continue
		}
		hdr := &zip.FileHeader{Name: c.InternalPath, Method: zip.Deflate}
		if c.MTimeMillis != nil {
			hdr.Modified = time.UnixMilli(*c.MTimeMillis)
		}
		fw, err := w.CreateHeader(hdr)
		if err != nil {
			return nil, err
		}
		if c.Data != nil {
			if _, err := c.Data.Seek(0, io.SeekStart); err != nil {
				return nil, err
			}
			if _, err := io.Copy(fw, c.Data); err != nil {
				return nil, err
			}
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("format: zip: write: %w", err)
	}
	return contenthash.NewBufferFromBytes(buf.Bytes()), nil
}
