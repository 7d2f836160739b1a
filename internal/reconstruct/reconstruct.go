// Package reconstruct implements container reconstruction from a stored
// manifest and the two-pass SQL index rebuild from object storage alone.
package reconstruct

import (
	"context"
	"fmt"
	"io"

	"github.com/libragraph-com/vault/internal/contenthash"
	"github.com/libragraph-com/vault/internal/format"
	"github.com/libragraph-com/vault/internal/manifest"
	"github.com/libragraph-com/vault/internal/objectstore"
	"github.com/libragraph-com/vault/internal/vaulterr"
)

// Reconstructor rebuilds original container bytes from a manifest and its
// referenced children.
type Reconstructor struct {
	store    objectstore.Store
	registry *format.Registry
}

// New returns a Reconstructor over store. Handlers are chosen from the
// manifest's format id by handlerForFormat; registry is kept on the
// Reconstructor but is not consulted when choosing them.
func New(store objectstore.Store, registry *format.Registry) *Reconstructor {
	return &Reconstructor{store: store, registry: registry}
}

// Reconstruct rebuilds the original bytes of containerRef for tenantKey.
// If containerRef also exists as a leaf (TIER_2), the stored leaf bytes
// are returned directly without walking the manifest.
func (r *Reconstructor) Reconstruct(ctx context.Context, tenantKey string, containerRef objectstore.BlobRef) (contenthash.BinaryData, error) {
	leafRef := containerRef
	leafRef.Container = false
	if ok, err := r.store.Exists(ctx, tenantKey, leafRef); err != nil {
		return nil, fmt.Errorf("reconstruct: check leaf existence: %w", err)
	} else if ok {
		return r.store.Read(ctx, tenantKey, leafRef)
	}

	manifestData, err := r.store.Read(ctx, tenantKey, containerRef)
	if err != nil {
		return nil, fmt.Errorf("reconstruct: read manifest: %w", err)
	}
	raw, err := readAll(manifestData)
	if err != nil {
		return nil, err
	}
	m, err := manifest.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("reconstruct: decode manifest: %w", err)
	}

	children := make([]format.ChildRef, len(m.Entries))
	for i, e := range m.Entries {
		cref, err := r.resolveChild(ctx, tenantKey, e)
		if err != nil {
			return nil, fmt.Errorf("reconstruct: entry %q: %w", e.Path, err)
		}
		children[i] = cref
	}

	handler := r.handlerForFormat(m.FormatID)
	result, err := handler.Reconstruct(ctx, children)
	if err != nil {
		return nil, fmt.Errorf("reconstruct: handler %s: %w", handler.Name(), err)
	}

	gotHash, err := result.Hash()
	if err != nil {
		return nil, err
	}
	if gotHash != containerRef.Hash {
		return nil, fmt.Errorf("reconstruct: got %s want %s: %w", gotHash, containerRef.Hash, vaulterr.ErrHashMismatch)
	}
	return result, nil
}

func (r *Reconstructor) resolveChild(ctx context.Context, tenantKey string, e manifest.Entry) (format.ChildRef, error) {
	cref := format.ChildRef{
		InternalPath: e.Path,
		IsDir:        e.Type == manifest.EntryDirectory,
		IsSymlink:    e.Type == manifest.EntrySymlink,
	}
	if e.MTimeMillis != 0 {
		mt := e.MTimeMillis
		cref.MTimeMillis = &mt
	}

	childRef := objectstore.BlobRef{Hash: e.ChildHash, LeafSize: e.ChildLeafSize, Container: e.ChildIsContainer}
	if e.ChildIsContainer {
		data, err := r.Reconstruct(ctx, tenantKey, childRef)
		if err != nil {
			return format.ChildRef{}, err
		}
		cref.Data = data
		return cref, nil
	}

	data, err := r.store.Read(ctx, tenantKey, childRef)
	if err != nil {
		return format.ChildRef{}, fmt.Errorf("read leaf: %w", err)
	}
	cref.Data = data
	return cref, nil
}

// handlerForFormat resolves a stored container_format_id back to the
// handler that produced it. Unknown or zero ids get the fallback leaf
// handler, whose Reconstruct always returns an error, matching the
// forward path's "format id 0 means unknown" convention.
func (r *Reconstructor) handlerForFormat(formatID uint16) format.Handler {
	switch formatID {
	case 1:
		return format.NewZipHandler()
	case 2:
		return format.NewTarHandler()
	default:
		return format.NewFallbackHandler()
	}
}

func readAll(data contenthash.BinaryData) ([]byte, error) {
	defer data.Close()
	if _, err := data.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(data)
}
