package reconstruct

import (
	"archive/zip"
	"bytes"
	"context"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/libragraph-com/vault/internal/contenthash"
	"github.com/libragraph-com/vault/internal/format"
	"github.com/libragraph-com/vault/internal/index"
	"github.com/libragraph-com/vault/internal/ingest"
	"github.com/libragraph-com/vault/internal/objectstore"
)

type testEnv struct {
	store    objectstore.Store
	db       *index.DB
	registry *format.Registry
	pipeline *ingest.Pipeline
	recon    *Reconstructor
	tenant   index.Tenant
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	ctx := context.Background()

	store, err := objectstore.Open(filepath.Join(t.TempDir(), "objects"), 100)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	db, err := index.Open(filepath.Join(t.TempDir(), "index.db"), index.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, index.Migrate(ctx, db))

	orgID, err := index.FindOrInsertOrganization(ctx, db, "acme")
	require.NoError(t, err)
	tenant, err := index.FindOrInsertTenant(ctx, db, orgID, "default", "")
	require.NoError(t, err)

	registry := format.NewRegistry()
	registry.Register(format.ZipCriteria(), format.NewZipHandler)
	registry.Register(format.TarCriteria(), format.NewTarHandler)
	registry.Register(format.FallbackCriteria(), format.NewFallbackHandler)

	return testEnv{
		store:    store,
		db:       db,
		registry: registry,
		pipeline: ingest.New(store, db, registry),
		recon:    New(store, registry),
		tenant:   tenant,
	}
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		content := files[name]
		fw, err := w.Create(name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func readAllBytes(t *testing.T, data contenthash.BinaryData) []byte {
	t.Helper()
	raw, err := readAll(data)
	require.NoError(t, err)
	return raw
}

func TestReconstructPlainLeafShortCircuits(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	content := []byte("hello world")
	_, isContainer, err := env.pipeline.Ingest(ctx, env.tenant, "notes.txt", contenthash.NewBufferFromBytes(content))
	require.NoError(t, err)
	require.False(t, isContainer)

	data := contenthash.NewBufferFromBytes(content)
	hash, err := data.Hash()
	require.NoError(t, err)
	ref := objectstore.BlobRef{Hash: hash, LeafSize: uint64(len(content)), Container: true}

	got, err := env.recon.Reconstruct(ctx, env.tenant.TenantKey(), ref)
	require.NoError(t, err)
	require.Equal(t, content, readAllBytes(t, got))
}

func TestReconstructZipRoundTrips(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	raw := buildZip(t, map[string]string{"a.txt": "aaa", "b.txt": "bbb"})
	_, isContainer, err := env.pipeline.Ingest(ctx, env.tenant, "bundle.zip", contenthash.NewBufferFromBytes(raw))
	require.NoError(t, err)
	require.True(t, isContainer)

	data := contenthash.NewBufferFromBytes(raw)
	hash, err := data.Hash()
	require.NoError(t, err)
	ref := objectstore.BlobRef{Hash: hash, LeafSize: uint64(len(raw)), Container: true}

	got, err := env.recon.Reconstruct(ctx, env.tenant.TenantKey(), ref)
	require.NoError(t, err)

	gotHash, err := got.Hash()
	require.NoError(t, err)
	require.Equal(t, hash, gotHash, "reconstructed zip must hash identically to the original")
}

func TestReconstructNestedZipRoundTrips(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	inner := buildZip(t, map[string]string{"deep.txt": "deep"})
	outer := buildZip(t, map[string]string{})
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	fw, err := w.Create("inner.zip")
	require.NoError(t, err)
	_, err = fw.Write(inner)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	outer = buf.Bytes()

	data := contenthash.NewBufferFromBytes(outer)
	hash, err := data.Hash()
	require.NoError(t, err)

	_, isContainer, err := env.pipeline.Ingest(ctx, env.tenant, "outer.zip", contenthash.NewBufferFromBytes(outer))
	require.NoError(t, err)
	require.True(t, isContainer)

	ref := objectstore.BlobRef{Hash: hash, LeafSize: uint64(len(outer)), Container: true}
	got, err := env.recon.Reconstruct(ctx, env.tenant.TenantKey(), ref)
	require.NoError(t, err)

	gotHash, err := got.Hash()
	require.NoError(t, err)
	require.Equal(t, hash, gotHash)
}

func TestSqlRebuildReproducesEntriesFromObjectStorageAlone(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	raw := buildZip(t, map[string]string{"a.txt": "aaa", "b.txt": "bbb"})
	blobID, isContainer, err := env.pipeline.Ingest(ctx, env.tenant, "bundle.zip", contenthash.NewBufferFromBytes(raw))
	require.NoError(t, err)
	require.True(t, isContainer)

	before, err := index.ListEntries(ctx, env.db, blobID)
	require.NoError(t, err)
	require.Len(t, before, 2)

	var seenPasses []int
	err = SqlRebuild(ctx, env.store, env.db, true, func(p Progress) {
		seenPasses = append(seenPasses, p.Pass)
	})
	require.NoError(t, err)
	require.Contains(t, seenPasses, 1)
	require.Contains(t, seenPasses, 2)

	orgID, err := index.FindOrInsertOrganization(ctx, env.db, "rebuilt")
	require.NoError(t, err)
	rebuiltTenant, err := index.FindOrInsertTenant(ctx, env.db, orgID, env.tenant.TenantKey(), env.tenant.TenantKey())
	require.NoError(t, err)

	data := contenthash.NewBufferFromBytes(raw)
	hash, err := data.Hash()
	require.NoError(t, err)
	blobRefID, err := index.FindOrInsertBlobRef(ctx, env.db, hash.String(), uint64(len(raw)), true, "")
	require.NoError(t, err)
	rebuiltBlobID, err := index.FindOrInsertBlob(ctx, env.db, rebuiltTenant.ID, blobRefID)
	require.NoError(t, err)

	after, err := index.ListEntries(ctx, env.db, rebuiltBlobID)
	require.NoError(t, err)
	require.Len(t, after, 2)
	require.Equal(t, "a.txt", after[0].InternalPath)
	require.Equal(t, "b.txt", after[1].InternalPath)
}
