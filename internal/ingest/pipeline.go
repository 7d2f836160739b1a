package ingest

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/libragraph-com/vault/internal/contenthash"
	"github.com/libragraph-com/vault/internal/format"
	"github.com/libragraph-com/vault/internal/index"
	"github.com/libragraph-com/vault/internal/manifest"
	"github.com/libragraph-com/vault/internal/objectstore"
	"github.com/libragraph-com/vault/internal/obslog"
)

// Pipeline wires the ingest stages to object storage and the
// relational index.
type Pipeline struct {
	store    objectstore.Store
	db       *index.DB
	registry *format.Registry
	logger   zerolog.Logger
}

// New builds a Pipeline over the given object store, index, and format
// registry.
func New(store objectstore.Store, db *index.DB, registry *format.Registry) *Pipeline {
	return &Pipeline{store: store, db: db, registry: registry, logger: obslog.WithComponent("ingest")}
}

// Ingest runs the full identify/store/decompose/fan-in pipeline over data,
// named filename at the root of a new ingest, and returns the blob id
// (tenant-scoped) and whether it was stored as a container.
func (p *Pipeline) Ingest(ctx context.Context, tenant index.Tenant, filename string, data contenthash.BinaryData) (blobID int64, isContainer bool, err error) {
	r, err := p.ingestNode(ctx, tenant, format.ChildRef{InternalPath: filename, Data: data})
	if err != nil {
		return 0, false, err
	}
	return r.BlobID, r.IsContainer, nil
}

// ingestNode dispatches a single extracted child (or the ingest root) to
// the leaf/container path appropriate to its kind.
func (p *Pipeline) ingestNode(ctx context.Context, tenant index.Tenant, c format.ChildRef) (ChildResult, error) {
	switch {
	case c.IsDir:
		return p.ingestDirectory(ctx, tenant)
	case c.IsSymlink:
		return p.ingestSymlink(ctx, tenant, c.Data)
	default:
		return p.ingestFile(ctx, tenant, c.InternalPath, c.Data)
	}
}

func (p *Pipeline) ingestDirectory(ctx context.Context, tenant index.Tenant) (ChildResult, error) {
	blobID, hash, size, err := p.storeLeaf(ctx, tenant, contenthash.NewBuffer(), "")
	if err != nil {
		return ChildResult{}, err
	}
	return ChildResult{BlobID: blobID, Hash: hash, LeafSize: size, IsContainer: false, EntryType: index.EntryDirectory}, nil
}

func (p *Pipeline) ingestSymlink(ctx context.Context, tenant index.Tenant, target contenthash.BinaryData) (ChildResult, error) {
	blobID, hash, size, err := p.storeLeaf(ctx, tenant, target, "")
	if err != nil {
		return ChildResult{}, err
	}
	return ChildResult{BlobID: blobID, Hash: hash, LeafSize: size, IsContainer: false, EntryType: index.EntrySymlink}, nil
}

func (p *Pipeline) ingestFile(ctx context.Context, tenant index.Tenant, internalPath string, data contenthash.BinaryData) (ChildResult, error) {
	hash, err := data.Hash()
	if err != nil {
		return ChildResult{}, fmt.Errorf("ingest: hash: %w", err)
	}
	size := uint64(data.Size())
	header, err := data.ReadHeader(4096)
	if err != nil {
		return ChildResult{}, fmt.Errorf("ingest: read header: %w", err)
	}

	sniffedMIME := mime.TypeByExtension(filepath.Ext(internalPath))
	handler := p.registry.Detect(sniffedMIME, internalPath, header)
	if handler == nil {
		return ChildResult{}, fmt.Errorf("ingest: no handler matched (registry must include a catch-all)")
	}

	if !handler.HasChildren(data) {
		blobID, _, _, err := p.storeLeaf(ctx, tenant, data, handler.Name())
		if err != nil {
			return ChildResult{}, err
		}
		if err := p.enrich(ctx, blobID, handler, data); err != nil {
			return ChildResult{}, err
		}
		return ChildResult{BlobID: blobID, Hash: hash, LeafSize: size, IsContainer: false, EntryType: index.EntryFile}, nil
	}

	switch handler.Tier() {
	case format.TierStored:
		// TIER_2: store the original bytes as the leaf and report that
		// identity to the parent; the decomposition also runs (the
		// "bonus" manifest) but is not reported upward — a TIER_2 child
		// appears to its parent as a leaf reference, not a container one.
		blobID, _, _, err := p.storeLeaf(ctx, tenant, data, handler.Name())
		if err != nil {
			return ChildResult{}, err
		}
		if err := p.enrich(ctx, blobID, handler, data); err != nil {
			return ChildResult{}, err
		}
		if _, err := p.decompose(ctx, tenant, data, handler, hash, size, false); err != nil {
			return ChildResult{}, fmt.Errorf("ingest: bonus manifest for %s: %w", handler.Name(), err)
		}
		return ChildResult{BlobID: blobID, Hash: hash, LeafSize: size, IsContainer: false, EntryType: index.EntryFile}, nil

	case format.TierReconstructable:
		containerBlobID, err := p.decompose(ctx, tenant, data, handler, hash, size, true)
		if err != nil {
			return ChildResult{}, err
		}
		if err := p.enrich(ctx, containerBlobID, handler, data); err != nil {
			return ChildResult{}, err
		}
		return ChildResult{BlobID: containerBlobID, Hash: hash, LeafSize: size, IsContainer: true, EntryType: index.EntryFile}, nil

	default:
		return ChildResult{}, fmt.Errorf("ingest: handler %s reports HasChildren but tier %v has no decomposition path", handler.Name(), handler.Tier())
	}
}

// enrich runs a handler's text/metadata extraction over data and records
// the result against blobID, populating BlobContent. Text extraction is
// best-effort by handler design (the fallback handler reports empty text
// for anything that doesn't look like UTF-8), never an ingest failure.
func (p *Pipeline) enrich(ctx context.Context, blobID int64, handler format.Handler, data contenthash.BinaryData) error {
	meta, err := handler.ExtractMetadata(ctx, data)
	if err != nil {
		return fmt.Errorf("ingest: extract metadata via %s: %w", handler.Name(), err)
	}
	text, err := handler.ExtractText(ctx, data)
	if err != nil {
		return fmt.Errorf("ingest: extract text via %s: %w", handler.Name(), err)
	}
	if err := index.UpsertBlobContent(ctx, p.db, blobID, text, meta); err != nil {
		return fmt.Errorf("ingest: record enrichment: %w", err)
	}
	return nil
}

// storeLeaf writes data to object storage under its own content hash and
// upserts the owning BlobRef/Blob rows. Idempotent: re-ingesting the same
// bytes for the same tenant resolves to the same blob id (re-ingesting
// identical bytes is a no-op).
func (p *Pipeline) storeLeaf(ctx context.Context, tenant index.Tenant, data contenthash.BinaryData, mime string) (blobID int64, hash contenthash.Hash, size uint64, err error) {
	hash, err = data.Hash()
	if err != nil {
		return 0, contenthash.Hash{}, 0, fmt.Errorf("ingest: hash leaf: %w", err)
	}
	size = uint64(data.Size())
	ref := objectstore.BlobRef{Hash: hash, LeafSize: size, Container: false}

	if err := p.store.Write(ctx, tenant.TenantKey(), ref, data, mime); err != nil {
		return 0, contenthash.Hash{}, 0, fmt.Errorf("ingest: write leaf: %w", err)
	}
	blobRefID, err := index.FindOrInsertBlobRef(ctx, p.db, hash.String(), size, false, mime)
	if err != nil {
		return 0, contenthash.Hash{}, 0, err
	}
	blobID, err = index.FindOrInsertBlob(ctx, p.db, tenant.ID, blobRefID)
	if err != nil {
		return 0, contenthash.Hash{}, 0, err
	}
	return blobID, hash, size, nil
}

const manifestMIME = "application/vnd.vault.manifest"

// decompose extracts a container's children concurrently: one goroutine
// per child converges on a shared FanInContext, and whichever goroutine's
// addResult call observes the remaining counter reach zero is the unique
// assembler for this container — it is the one that calls assemble, every
// other goroutine simply returns. When selfKeyed is true (TIER_1) the
// manifest is stored under the *original* container's (hash, size); when
// false (TIER_2's bonus pass) it is stored under the manifest bytes' own
// hash, since the original identity is already claimed by the leaf.
func (p *Pipeline) decompose(ctx context.Context, tenant index.Tenant, data contenthash.BinaryData, handler format.Handler, originalHash contenthash.Hash, originalSize uint64, selfKeyed bool) (int64, error) {
	children, err := handler.ExtractChildren(ctx, data)
	if err != nil {
		return 0, fmt.Errorf("ingest: extract children via %s: %w", handler.Name(), err)
	}

	n := len(children)
	if n == 0 {
		return p.assemble(ctx, tenant, nil, handler, originalHash, originalSize, selfKeyed)
	}

	fc := NewFanInContext(n)
	var mu sync.Mutex
	var failed error
	type outcome struct {
		blobID int64
		err    error
	}
	done := make(chan outcome, 1)

	for i, child := range children {
		i, child := i, child
		go func() {
			r, err := p.ingestNode(ctx, tenant, child)
			if err != nil {
				mu.Lock()
				if failed == nil {
					failed = fmt.Errorf("ingest: child %s: %w", child.InternalPath, err)
				}
				mu.Unlock()
				r = ChildResult{}
			} else {
				r.InternalPath = child.InternalPath
				r.MTimeMillis = child.MTimeMillis
			}

			if assembler := fc.addResult(i, r); assembler {
				mu.Lock()
				cause := failed
				mu.Unlock()
				if cause != nil {
					done <- outcome{err: cause}
					return
				}
				blobID, err := p.assemble(ctx, tenant, fc.ordered(), handler, originalHash, originalSize, selfKeyed)
				done <- outcome{blobID: blobID, err: err}
			}
		}()
	}

	select {
	case o := <-done:
		return o.blobID, o.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// assemble builds the Manifest from a container's already-resolved
// children (in their original extraction order), stores it, and writes
// the Container + Entry rows. Called exactly once per decompose, by the
// single goroutine that the fan-in identifies as the assembler.
func (p *Pipeline) assemble(ctx context.Context, tenant index.Tenant, ordered []ChildResult, handler format.Handler, originalHash contenthash.Hash, originalSize uint64, selfKeyed bool) (int64, error) {
	n := len(ordered)
	entries := make([]manifest.Entry, n)
	rows := make([]index.EntryInsert, n)
	for i, r := range ordered {
		entries[i] = manifest.Entry{
			Path:             r.InternalPath,
			Type:             entryTypeToManifest(r.EntryType),
			ChildHash:        r.Hash,
			ChildLeafSize:    r.LeafSize,
			ChildIsContainer: r.IsContainer,
			MTimeMillis:      deref(r.MTimeMillis),
		}
		rows[i] = index.EntryInsert{
			BlobID:       r.BlobID,
			EntryType:    r.EntryType,
			InternalPath: r.InternalPath,
			Order:        i,
			MTimeMillis:  r.MTimeMillis,
		}
	}

	m := manifest.Manifest{FormatID: formatID(handler.Name()), CapabilityTier: handler.Tier(), Entries: entries}
	raw := manifest.Encode(m)
	buf := contenthash.NewBufferFromBytes(raw)

	var ref objectstore.BlobRef
	if selfKeyed {
		ref = objectstore.BlobRef{Hash: originalHash, LeafSize: originalSize, Container: true}
	} else {
		manifestHash, err := buf.Hash()
		if err != nil {
			return 0, err
		}
		ref = objectstore.BlobRef{Hash: manifestHash, LeafSize: uint64(len(raw)), Container: true}
	}

	if err := p.store.Write(ctx, tenant.TenantKey(), ref, buf, manifestMIME); err != nil {
		return 0, fmt.Errorf("ingest: write manifest: %w", err)
	}
	blobRefID, err := index.FindOrInsertBlobRef(ctx, p.db, ref.Hash.String(), ref.LeafSize, true, manifestMIME)
	if err != nil {
		return 0, err
	}
	blobID, err := index.FindOrInsertBlob(ctx, p.db, tenant.ID, blobRefID)
	if err != nil {
		return 0, err
	}
	if err := index.InsertContainer(ctx, p.db, blobID, n); err != nil {
		return 0, err
	}
	if err := index.BatchInsertEntries(ctx, p.db, blobID, rows); err != nil {
		return 0, err
	}
	return blobID, nil
}

func deref(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

func entryTypeToManifest(t index.EntryType) manifest.EntryType {
	switch t {
	case index.EntryDirectory:
		return manifest.EntryDirectory
	case index.EntrySymlink:
		return manifest.EntrySymlink
	default:
		return manifest.EntryFile
	}
}

// formatID assigns a small stable identifier per handler name. Handlers
// outside this fixed set still decompose correctly; their container_format_id
// is simply 0 (unknown), which Decode does not interpret.
func formatID(name string) uint16 {
	switch name {
	case "zip":
		return 1
	case "tar":
		return 2
	default:
		return 0
	}
}
