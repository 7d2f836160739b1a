package objectstore

import (
	"strconv"
	"strings"

	"github.com/ipfs/go-datastore/query"

	"github.com/libragraph-com/vault/internal/contenthash"
)

func dsquery(prefix string, keysOnly bool) query.Query {
	return query.Query{Prefix: prefix, KeysOnly: keysOnly}
}

// parseBlobKey reverses key() for listing: tenants/{t}/blobs/{hash}/{size}/{kind}.
func parseBlobKey(raw string) (BlobRef, bool) {
	parts := strings.Split(strings.TrimPrefix(raw, "/"), "/")
	if len(parts) != 6 || parts[0] != "tenants" || parts[2] != "blobs" {
		return BlobRef{}, false
	}
	h, err := contenthash.ParseHex(parts[3])
	if err != nil {
		return BlobRef{}, false
	}
	size, err := strconv.ParseUint(parts[4], 10, 64)
	if err != nil {
		return BlobRef{}, false
	}
	ref := BlobRef{Hash: h, LeafSize: size, Container: parts[5] == string(KindContainer)}
	return ref, true
}
