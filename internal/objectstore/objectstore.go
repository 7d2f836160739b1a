// Package objectstore implements the vault's tenant-scoped, content-addressed
// object storage: a deterministic key derived from (tenant, hash, size,
// kind) backs every blob and manifest byte stream.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	ds "github.com/ipfs/go-datastore"
	badger4 "github.com/ipfs/go-ds-badger4"

	"github.com/libragraph-com/vault/internal/contenthash"
	"github.com/libragraph-com/vault/internal/vaulterr"
)

// Kind distinguishes a blob's leaf bytes from a container manifest stored
// under the same (hash, size) identity.
type Kind string

const (
	KindLeaf      Kind = "leaf"
	KindContainer Kind = "container"
)

// BlobRef identifies stored content: a hash, its leaf size, and whether
// this identity names the original bytes (leaf) or a manifest describing
// its decomposition (container).
type BlobRef struct {
	Hash      contenthash.Hash
	LeafSize  uint64
	Container bool
}

func (r BlobRef) kind() Kind {
	if r.Container {
		return KindContainer
	}
	return KindLeaf
}

// Store is the tenant-scoped object storage contract.
type Store interface {
	io.Closer

	// Write persists data under (tenant, ref). Conditionally idempotent:
	// if the key already holds bytes whose hash matches ref.Hash, this is
	// a no-op success; if it holds bytes hashing to something else, it
	// returns vaulterr.ErrBlobAlreadyExists.
	Write(ctx context.Context, tenantKey string, ref BlobRef, data contenthash.BinaryData, mime string) error

	// Read streams back previously written bytes. Returns
	// vaulterr.ErrBlobNotFound if absent.
	Read(ctx context.Context, tenantKey string, ref BlobRef) (contenthash.BinaryData, error)

	// Exists reports whether (tenant, ref) has been written.
	Exists(ctx context.Context, tenantKey string, ref BlobRef) (bool, error)

	// Delete removes a single object.
	Delete(ctx context.Context, tenantKey string, ref BlobRef) error

	// DeleteTenant removes every object under a tenant's key prefix.
	DeleteTenant(ctx context.Context, tenantKey string) error

	// ListTenants lazily yields every tenant key with at least one object.
	ListTenants(ctx context.Context) (<-chan string, <-chan error)

	// ListContainers lazily yields every container BlobRef owned by tenant.
	ListContainers(ctx context.Context, tenantKey string) (<-chan BlobRef, <-chan error)
}

// key derives the deterministic object key:
// tenants/{tenantKey}/blobs/{hashHex}/{leafSize}/{kind}
func key(tenantKey string, ref BlobRef) ds.Key {
	return ds.NewKey("tenants").
		ChildString(tenantKey).
		ChildString("blobs").
		ChildString(ref.Hash.String()).
		ChildString(strconv.FormatUint(ref.LeafSize, 10)).
		ChildString(string(ref.kind()))
}

type blobStore struct {
	ds    *badger4.Datastore
	mu    sync.RWMutex
	cache *lru.Cache[string, []byte]
}

// Open opens (creating if necessary) a badger-backed object store rooted
// at path, with a read-through cache of cacheSize small objects — the
// same pairing of persistent KV plus bounded LRU the corpus uses for its
// blockstore.
func Open(path string, cacheSize int) (Store, error) {
	bds, err := badger4.NewDatastore(path, nil)
	if err != nil {
		return nil, fmt.Errorf("objectstore: open badger at %s: %w", path, err)
	}
	if cacheSize <= 0 {
		cacheSize = 1000
	}
	cache, err := lru.New[string, []byte](cacheSize)
	if err != nil {
		bds.Close()
		return nil, err
	}
	return &blobStore{ds: bds, cache: cache}, nil
}

func (s *blobStore) cacheGet(k string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache.Get(k)
}

func (s *blobStore) cachePut(k string, v []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Add(k, v)
}

func (s *blobStore) cacheDrop(k string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Remove(k)
}

func (s *blobStore) Write(ctx context.Context, tenantKey string, ref BlobRef, data contenthash.BinaryData, mime string) error {
	k := key(tenantKey, ref)

	if existing, ok := s.cacheGet(k.String()); ok {
		return checkIdempotent(existing, ref)
	}
	if existing, err := s.ds.Get(ctx, k); err == nil {
		return checkIdempotent(existing, ref)
	} else if !errors.Is(err, ds.ErrNotFound) {
		return fmt.Errorf("objectstore: read existing key %s: %w", k, err)
	}

	if _, err := data.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("objectstore: seek source: %w", err)
	}
	buf, err := io.ReadAll(data)
	if err != nil {
		return fmt.Errorf("objectstore: read source: %w", err)
	}
	if err := s.ds.Put(ctx, k, buf); err != nil {
		return fmt.Errorf("objectstore: put %s: %w", k, err)
	}
	s.cachePut(k.String(), buf)
	return nil
}

func checkIdempotent(existing []byte, ref BlobRef) error {
	if contenthash.Sum(existing) != ref.Hash {
		return fmt.Errorf("objectstore: key already holds different content: %w", vaulterr.ErrBlobAlreadyExists)
	}
	return nil
}

func (s *blobStore) Read(ctx context.Context, tenantKey string, ref BlobRef) (contenthash.BinaryData, error) {
	k := key(tenantKey, ref)
	if cached, ok := s.cacheGet(k.String()); ok {
		return contenthash.NewBufferFromBytes(cached), nil
	}
	raw, err := s.ds.Get(ctx, k)
	if err != nil {
		if errors.Is(err, ds.ErrNotFound) {
			return nil, fmt.Errorf("objectstore: %s: %w", k, vaulterr.ErrBlobNotFound)
		}
		return nil, fmt.Errorf("objectstore: get %s: %w", k, err)
	}
	s.cachePut(k.String(), raw)
	return contenthash.NewBufferFromBytes(raw), nil
}

func (s *blobStore) Exists(ctx context.Context, tenantKey string, ref BlobRef) (bool, error) {
	k := key(tenantKey, ref)
	if _, ok := s.cacheGet(k.String()); ok {
		return true, nil
	}
	ok, err := s.ds.Has(ctx, k)
	if err != nil {
		return false, fmt.Errorf("objectstore: has %s: %w", k, err)
	}
	return ok, nil
}

func (s *blobStore) Delete(ctx context.Context, tenantKey string, ref BlobRef) error {
	k := key(tenantKey, ref)
	s.cacheDrop(k.String())
	if err := s.ds.Delete(ctx, k); err != nil {
		return fmt.Errorf("objectstore: delete %s: %w", k, err)
	}
	return nil
}

func (s *blobStore) DeleteTenant(ctx context.Context, tenantKey string) error {
	prefix := ds.NewKey("tenants").ChildString(tenantKey)
	results, err := s.ds.Query(ctx, dsquery(prefix.String(), true))
	if err != nil {
		return fmt.Errorf("objectstore: query tenant %s: %w", tenantKey, err)
	}
	defer results.Close()

	for entry := range results.Next() {
		if entry.Error != nil {
			return entry.Error
		}
		k := ds.NewKey(entry.Key)
		s.cacheDrop(k.String())
		if err := s.ds.Delete(ctx, k); err != nil {
			return fmt.Errorf("objectstore: delete %s: %w", k, err)
		}
	}
	return nil
}

func (s *blobStore) ListTenants(ctx context.Context) (<-chan string, <-chan error) {
	out := make(chan string)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		results, err := s.ds.Query(ctx, dsquery(ds.NewKey("tenants").String(), true))
		if err != nil {
			errc <- err
			return
		}
		defer results.Close()

		seen := make(map[string]struct{})
		for entry := range results.Next() {
			if entry.Error != nil {
				errc <- entry.Error
				return
			}
			parts := ds.NewKey(entry.Key).Namespaces()
			if len(parts) < 2 {
				continue
			}
			tenant := parts[1]
			if _, ok := seen[tenant]; ok {
				continue
			}
			seen[tenant] = struct{}{}
			select {
			case out <- tenant:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()

	return out, errc
}

func (s *blobStore) ListContainers(ctx context.Context, tenantKey string) (<-chan BlobRef, <-chan error) {
	out := make(chan BlobRef)
	errc := make(chan error, 1)

	prefix := ds.NewKey("tenants").ChildString(tenantKey).ChildString("blobs")

	go func() {
		defer close(out)
		defer close(errc)

		results, err := s.ds.Query(ctx, dsquery(prefix.String(), true))
		if err != nil {
			errc <- err
			return
		}
		defer results.Close()

		for entry := range results.Next() {
			if entry.Error != nil {
				errc <- entry.Error
				return
			}
			ref, ok := parseBlobKey(entry.Key)
			if !ok || !ref.Container {
				continue
			}
			select {
			case out <- ref:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()

	return out, errc
}

func (s *blobStore) Close() error {
	return s.ds.Close()
}

var _ Store = (*blobStore)(nil)
