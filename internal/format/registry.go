// Package format implements the detection registry and container handlers:
// matching a buffer to a handler by magic bytes, MIME pattern, or
// extension, and exposing that handler's decomposition capability tier to
// the ingest pipeline.
package format

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/libragraph-com/vault/internal/contenthash"
)

// Tier is a container handler's decomposition capability.
type Tier int

const (
	// TierLeaf means the handler does not decompose at all; the bytes are
	// stored as-is.
	TierLeaf Tier = iota
	// TierReconstructable means decomposition is lossless: only the
	// manifest is retained, not the original bytes.
	TierReconstructable
	// TierStored means decomposition cannot guarantee byte-exact
	// reconstruction: the original bytes are stored as a leaf alongside a
	// bonus manifest.
	TierStored
)

// DetectionCriteria is the match rule a handler factory registers under.
type DetectionCriteria struct {
	MIMEPatterns []string // e.g. "application/zip", "text/*"
	Extensions   []string // e.g. ".zip", ".tar"
	Magic        []byte
	MagicOffset  int
	Priority     int
}

// Matches reports whether header (the first bytes of the candidate file),
// mime, and filename satisfy c: a magic-byte match at MagicOffset, OR a
// MIME/extension match (wildcards allowed via a trailing "/*" or ".*").
func (c DetectionCriteria) Matches(mime, filename string, header []byte) bool {
	if len(c.Magic) > 0 {
		end := c.MagicOffset + len(c.Magic)
		if end <= len(header) && string(header[c.MagicOffset:end]) == string(c.Magic) {
			return true
		}
	}
	for _, pat := range c.MIMEPatterns {
		if mimeMatches(pat, mime) {
			return true
		}
	}
	ext := extensionOf(filename)
	for _, e := range c.Extensions {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}

func mimeMatches(pattern, mime string) bool {
	if pattern == "*/*" {
		return true
	}
	if pattern == mime {
		return true
	}
	if strings.HasSuffix(pattern, "/*") {
		return strings.HasPrefix(mime, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

func extensionOf(filename string) string {
	i := strings.LastIndexByte(filename, '.')
	if i < 0 {
		return ""
	}
	return filename[i:]
}

// ChildRef describes one child extracted from a container, before it has
// been ingested.
type ChildRef struct {
	InternalPath string
	IsDir        bool
	IsSymlink    bool
	MTimeMillis  *int64
	Data         contenthash.BinaryData
}

// Handler is the per-format behavior the registry dispatches to. Leaf
// handlers return HasChildren() == false; container handlers implement
// ExtractChildren and Reconstruct.
type Handler interface {
	Name() string
	Tier() Tier
	HasChildren(data contenthash.BinaryData) bool
	ExtractChildren(ctx context.Context, data contenthash.BinaryData) ([]ChildRef, error)
	ExtractMetadata(ctx context.Context, data contenthash.BinaryData) (map[string]any, error)
	ExtractText(ctx context.Context, data contenthash.BinaryData) (string, error)
	Reconstruct(ctx context.Context, children []ChildRef) (contenthash.BinaryData, error)
}

// Factory produces a Handler along with the criteria it is registered
// under.
type Factory struct {
	Criteria DetectionCriteria
	New      func() Handler
}

// Registry holds every registered handler factory and resolves the
// best match for a candidate file.
type Registry struct {
	mu        sync.RWMutex
	factories []Factory
}

// NewRegistry returns an empty registry. Handlers are added with Register.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a handler factory under criteria. Registration order is
// preserved as the tie-break among equal-priority matches (intentionally
// unspecified beyond that): a deterministic order, first registered first
// matched, keeps this registry's behavior reproducible across runs with
// the same wiring.
func (r *Registry) Register(criteria DetectionCriteria, newHandler func() Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories = append(r.factories, Factory{Criteria: criteria, New: newHandler})
}

// Detect returns the highest-priority handler whose criteria match, or
// the registered catch-all (priority 0) if nothing more specific does.
// Returns nil only if the registry has no matching handler at all, which
// should not happen once a catch-all is registered.
func (r *Registry) Detect(mime, filename string, header []byte) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []Factory
	for _, f := range r.factories {
		if f.Criteria.Matches(mime, filename, header) {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Criteria.Priority > candidates[j].Criteria.Priority
	})
	return candidates[0].New()
}
