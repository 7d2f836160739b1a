package format

import (
	"bytes"
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/libragraph-com/vault/internal/contenthash"
)

// FallbackCriteria matches everything at the lowest priority, acting as
// the Tika-equivalent catch-all so UnknownFormat is never returned by a
// correctly wired registry.
func FallbackCriteria() DetectionCriteria {
	return DetectionCriteria{
		MIMEPatterns: []string{"*/*"},
		Priority:     0,
	}
}

// fallbackHandler treats any input as an opaque leaf, extracting text only
// when the header looks like valid UTF-8 text.
type fallbackHandler struct{}

// NewFallbackHandler returns the catch-all leaf handler.
func NewFallbackHandler() Handler { return &fallbackHandler{} }

func (h *fallbackHandler) Name() string { return "fallback" }
func (h *fallbackHandler) Tier() Tier   { return TierLeaf }

func (h *fallbackHandler) HasChildren(data contenthash.BinaryData) bool { return false }

func (h *fallbackHandler) ExtractChildren(ctx context.Context, data contenthash.BinaryData) ([]ChildRef, error) {
	return nil, nil
}

func (h *fallbackHandler) ExtractMetadata(ctx context.Context, data contenthash.BinaryData) (map[string]any, error) {
	return map[string]any{"size": data.Size()}, nil
}

func (h *fallbackHandler) ExtractText(ctx context.Context, data contenthash.BinaryData) (string, error) {
	header, err := data.ReadHeader(64 * 1024)
	if err != nil {
		return "", fmt.Errorf("format: fallback: read header: %w", err)
	}
	if !utf8.Valid(header) || bytes.ContainsRune(header, 0) {
		return "", nil
	}
	return string(header), nil
}

func (h *fallbackHandler) Reconstruct(ctx context.Context, children []ChildRef) (contenthash.BinaryData, error) {
	return nil, fmt.Errorf("format: fallback: leaf handler has no children to reconstruct")
}
