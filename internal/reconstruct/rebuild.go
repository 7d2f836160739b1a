package reconstruct

import (
	"context"
	"fmt"

	"github.com/libragraph-com/vault/internal/index"
	"github.com/libragraph-com/vault/internal/manifest"
	"github.com/libragraph-com/vault/internal/objectstore"
)

// Progress reports rebuild progress after each tenant/container pass
// completes, so a caller driving a rebuild across many tenants gets
// visibility without polling the database.
type Progress struct {
	Tenant         string
	ContainersSeen int
	Pass           int // 1 or 2
}

// SqlRebuild reconstructs the relational index from object storage alone,
// in two passes: pass 1 upserts every BlobRef/Blob row referenced by any
// manifest (the container and all of its children), guaranteeing every
// foreign key pass 2 needs already exists; pass 2 inserts Container and
// Entry rows. If truncateFirst, the rows of every index table (entry,
// container, blob_content, blob, blob_ref, tenant, organization) are
// cleared before the rebuild begins; the scheduler's tables are left as
// they are.
func SqlRebuild(ctx context.Context, store objectstore.Store, db *index.DB, truncateFirst bool, onProgress func(Progress)) error {
	if truncateFirst {
		if err := truncateIndex(ctx, db); err != nil {
			return err
		}
	}

	tenants, errc := store.ListTenants(ctx)
	var tenantKeys []string
	for t := range tenants {
		tenantKeys = append(tenantKeys, t)
	}
	if err := <-errc; err != nil {
		return fmt.Errorf("rebuild: list tenants: %w", err)
	}

	for _, tenantKey := range tenantKeys {
		orgID, err := index.FindOrInsertOrganization(ctx, db, "rebuilt")
		if err != nil {
			return err
		}
		tenant, err := index.FindOrInsertTenant(ctx, db, orgID, tenantKey, tenantKey)
		if err != nil {
			return err
		}

		containers, err := collectContainers(ctx, store, tenantKey)
		if err != nil {
			return err
		}

		// Pass 1: every BlobRef + Blob this tenant's manifests reference.
		manifests := make(map[objectstore.BlobRef]manifest.Manifest, len(containers))
		for _, ref := range containers {
			m, err := readManifest(ctx, store, tenantKey, ref)
			if err != nil {
				return fmt.Errorf("rebuild: tenant %s: read manifest %s: %w", tenantKey, ref.Hash, err)
			}
			manifests[ref] = m

			if _, err := upsertBlob(ctx, db, tenant.ID, ref.Hash.String(), ref.LeafSize, true, ""); err != nil {
				return err
			}
			for _, e := range m.Entries {
				if _, err := upsertBlob(ctx, db, tenant.ID, e.ChildHash.String(), e.ChildLeafSize, e.ChildIsContainer, ""); err != nil {
					return err
				}
			}
		}
		if onProgress != nil {
			onProgress(Progress{Tenant: tenantKey, ContainersSeen: len(containers), Pass: 1})
		}

		// Pass 2: Container + Entry rows, now that every referenced blob
		// has a row to foreign-key against.
		for _, ref := range containers {
			m := manifests[ref]
			blobRefID, err := index.FindOrInsertBlobRef(ctx, db, ref.Hash.String(), ref.LeafSize, true, "")
			if err != nil {
				return err
			}
			containerBlobID, err := index.FindOrInsertBlob(ctx, db, tenant.ID, blobRefID)
			if err != nil {
				return err
			}
			if err := index.InsertContainer(ctx, db, containerBlobID, len(m.Entries)); err != nil {
				return err
			}

			rows := make([]index.EntryInsert, len(m.Entries))
			for i, e := range m.Entries {
				childBlobRefID, err := index.FindOrInsertBlobRef(ctx, db, e.ChildHash.String(), e.ChildLeafSize, e.ChildIsContainer, "")
				if err != nil {
					return err
				}
				childBlobID, err := index.FindOrInsertBlob(ctx, db, tenant.ID, childBlobRefID)
				if err != nil {
					return err
				}
				var mtime *int64
				if e.MTimeMillis != 0 {
					v := e.MTimeMillis
					mtime = &v
				}
				rows[i] = index.EntryInsert{
					BlobID:       childBlobID,
					EntryType:    entryTypeFromManifest(e.Type),
					InternalPath: e.Path,
					Order:        i,
					MTimeMillis:  mtime,
				}
			}
			if err := index.BatchInsertEntries(ctx, db, containerBlobID, rows); err != nil {
				return err
			}
		}
		if onProgress != nil {
			onProgress(Progress{Tenant: tenantKey, ContainersSeen: len(containers), Pass: 2})
		}
	}

	return nil
}

func collectContainers(ctx context.Context, store objectstore.Store, tenantKey string) ([]objectstore.BlobRef, error) {
	refs, errc := store.ListContainers(ctx, tenantKey)
	var out []objectstore.BlobRef
	for r := range refs {
		out = append(out, r)
	}
	if err := <-errc; err != nil {
		return nil, fmt.Errorf("rebuild: list containers for %s: %w", tenantKey, err)
	}
	return out, nil
}

func readManifest(ctx context.Context, store objectstore.Store, tenantKey string, ref objectstore.BlobRef) (manifest.Manifest, error) {
	data, err := store.Read(ctx, tenantKey, ref)
	if err != nil {
		return manifest.Manifest{}, err
	}
	raw, err := readAll(data)
	if err != nil {
		return manifest.Manifest{}, err
	}
	return manifest.Decode(raw)
}

func upsertBlob(ctx context.Context, db *index.DB, tenantID int64, hash string, leafSize uint64, container bool, mime string) (int64, error) {
	blobRefID, err := index.FindOrInsertBlobRef(ctx, db, hash, leafSize, container, mime)
	if err != nil {
		return 0, err
	}
	return index.FindOrInsertBlob(ctx, db, tenantID, blobRefID)
}

func entryTypeFromManifest(t manifest.EntryType) index.EntryType {
	switch t {
	case manifest.EntryDirectory:
		return index.EntryDirectory
	case manifest.EntrySymlink:
		return index.EntrySymlink
	default:
		return index.EntryFile
	}
}

func truncateIndex(ctx context.Context, db *index.DB) error {
	tables := []string{"entry", "container", "blob_content", "blob", "blob_ref", "tenant", "organization"}
	for _, t := range tables {
		if _, err := db.Exec(ctx, "DELETE FROM "+t); err != nil {
			return fmt.Errorf("rebuild: truncate %s: %w", t, err)
		}
	}
	return nil
}
