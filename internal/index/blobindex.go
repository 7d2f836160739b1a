package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// FindOrInsertBlobRef upserts the deduplicated (hash, leaf_size, container)
// identity row and returns its id. mime is recorded only on
// first insert.
func FindOrInsertBlobRef(ctx context.Context, db *DB, hash string, leafSize uint64, container bool, mime string) (int64, error) {
	_, err := db.Exec(ctx, `
		INSERT INTO blob_ref (hash, leaf_size, container, mime_type)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(hash, leaf_size, container) DO NOTHING`,
		hash, leafSize, boolInt(container), nullableString(mime))
	if err != nil {
		return 0, fmt.Errorf("index: insert blob_ref: %w", err)
	}

	var id int64
	row := db.QueryRow(ctx, `
		SELECT id FROM blob_ref WHERE hash = ? AND leaf_size = ? AND container = ?`,
		hash, leafSize, boolInt(container))
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("index: select blob_ref: %w", err)
	}
	return id, nil
}

// FindOrInsertBlob upserts per-tenant ownership of a BlobRefRow and returns
// the blob id.
func FindOrInsertBlob(ctx context.Context, db *DB, tenantID, blobRefID int64) (int64, error) {
	_, err := db.Exec(ctx, `
		INSERT INTO blob (tenant_id, blob_ref_id)
		VALUES (?, ?)
		ON CONFLICT(tenant_id, blob_ref_id) DO NOTHING`,
		tenantID, blobRefID)
	if err != nil {
		return 0, fmt.Errorf("index: insert blob: %w", err)
	}

	var id int64
	row := db.QueryRow(ctx, `SELECT id FROM blob WHERE tenant_id = ? AND blob_ref_id = ?`, tenantID, blobRefID)
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("index: select blob: %w", err)
	}
	return id, nil
}

// InsertContainer creates the Container row for a blob, recording its
// entry count (a no-op if the row already exists, since fan-in assembly
// guarantees single-writer but re-ingest of identical bytes must also be
// idempotent).
func InsertContainer(ctx context.Context, db *DB, blobID int64, entryCount int) error {
	_, err := db.Exec(ctx, `
		INSERT INTO container (blob_id, entry_count) VALUES (?, ?)
		ON CONFLICT(blob_id) DO NOTHING`, blobID, entryCount)
	if err != nil {
		return fmt.Errorf("index: insert container: %w", err)
	}
	return nil
}

// EntryInsert is one row to batch-insert via BatchInsertEntries.
type EntryInsert struct {
	BlobID       int64
	EntryType    EntryType
	InternalPath string
	Order        int
	MTimeMillis  *int64
	Metadata     map[string]any
}

// BatchInsertEntries inserts every child entry of a container in a single
// transaction, preserving the manifest's child order bit-exactly as the
// Entry order.
func BatchInsertEntries(ctx context.Context, db *DB, containerID int64, rows []EntryInsert) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin batch insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO entry (container_id, blob_id, entry_type, internal_path, entry_order, mtime, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(container_id, internal_path) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("index: prepare entry insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		meta, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("index: marshal entry metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, containerID, r.BlobID, string(r.EntryType), r.InternalPath, r.Order, r.MTimeMillis, string(meta)); err != nil {
			return fmt.Errorf("index: insert entry %s: %w", r.InternalPath, err)
		}
	}

	return tx.Commit()
}

// UpsertBlobContent records a handler's text/metadata extraction against
// blobID, overwriting any prior enrichment for the same blob.
func UpsertBlobContent(ctx context.Context, db *DB, blobID int64, text string, metadata map[string]any) error {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("index: marshal blob_content metadata: %w", err)
	}
	_, err = db.Exec(ctx, `
		INSERT INTO blob_content (blob_id, extracted_text, metadata) VALUES (?, ?, ?)
		ON CONFLICT(blob_id) DO UPDATE SET extracted_text = excluded.extracted_text, metadata = excluded.metadata`,
		blobID, nullableString(text), string(meta))
	if err != nil {
		return fmt.Errorf("index: upsert blob_content %d: %w", blobID, err)
	}
	return nil
}

// ListEntries returns a container's entries ordered as stored, matching
// manifest order exactly.
func ListEntries(ctx context.Context, db *DB, containerID int64) ([]Entry, error) {
	rows, err := db.Query(ctx, `
		SELECT id, container_id, blob_id, entry_type, internal_path, entry_order, mtime, metadata
		FROM entry WHERE container_id = ? ORDER BY entry_order ASC`, containerID)
	if err != nil {
		return nil, fmt.Errorf("index: list entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var mtime sql.NullInt64
		var meta string
		if err := rows.Scan(&e.ID, &e.ContainerID, &e.BlobID, &e.EntryType, &e.InternalPath, &e.Order, &mtime, &meta); err != nil {
			return nil, fmt.Errorf("index: scan entry: %w", err)
		}
		if mtime.Valid {
			e.MTimeMillis = &mtime.Int64
		}
		e.Metadata = []byte(meta)
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetBlobRef looks up a BlobRefRow by its numeric id.
func GetBlobRef(ctx context.Context, db *DB, id int64) (BlobRefRow, error) {
	var r BlobRefRow
	var mime, handler sql.NullString
	row := db.QueryRow(ctx, `SELECT id, hash, leaf_size, container, mime_type, handler FROM blob_ref WHERE id = ?`, id)
	if err := row.Scan(&r.ID, &r.Hash, &r.LeafSize, &r.Container, &mime, &handler); err != nil {
		return BlobRefRow{}, fmt.Errorf("index: get blob_ref %d: %w", id, err)
	}
	r.MimeType = mime.String
	r.Handler = handler.String
	return r, nil
}

// FindOrInsertOrganization upserts an Organization by unique name.
func FindOrInsertOrganization(ctx context.Context, db *DB, name string) (int64, error) {
	_, err := db.Exec(ctx, `INSERT INTO organization (name) VALUES (?) ON CONFLICT(name) DO NOTHING`, name)
	if err != nil {
		return 0, fmt.Errorf("index: insert organization: %w", err)
	}
	var id int64
	if err := db.QueryRow(ctx, `SELECT id FROM organization WHERE name = ?`, name).Scan(&id); err != nil {
		return 0, fmt.Errorf("index: select organization: %w", err)
	}
	return id, nil
}

// FindOrInsertTenant upserts a Tenant by unique (org_id, name).
func FindOrInsertTenant(ctx context.Context, db *DB, orgID int64, name, uuid string) (Tenant, error) {
	_, err := db.Exec(ctx, `
		INSERT INTO tenant (org_id, name, uuid) VALUES (?, ?, ?)
		ON CONFLICT(org_id, name) DO NOTHING`, orgID, name, nullableString(uuid))
	if err != nil {
		return Tenant{}, fmt.Errorf("index: insert tenant: %w", err)
	}
	var t Tenant
	var u sql.NullString
	row := db.QueryRow(ctx, `SELECT id, org_id, name, uuid FROM tenant WHERE org_id = ? AND name = ?`, orgID, name)
	if err := row.Scan(&t.ID, &t.OrgID, &t.Name, &u); err != nil {
		return Tenant{}, fmt.Errorf("index: select tenant: %w", err)
	}
	t.UUID = u.String
	return t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
