package usage

import (
	"github.com/opencontainers/go-digest"

	"github.com/regdu/regdu/internal/registry"
)

// Layer is one (digest, size) reference counted by the aggregator.
type Layer struct {
	Digest digest.Digest `json:"digest"`
	Size   int64         `json:"size"`
}

// ResolveLayers extracts the ordered blob references of a normalized
// manifest: the config blob first (it occupies registry storage like any
// layer), then the layers in manifest order. Pure function, no network
// I/O; multi-platform reduction already happened in the fetcher.
func ResolveLayers(m *registry.Manifest) []Layer {
	if m == nil {
		return nil
	}
	layers := make([]Layer, 0, len(m.Layers)+1)
	if m.Config != nil {
		layers = append(layers, Layer{Digest: m.Config.Digest, Size: m.Config.Size})
	}
	for _, l := range m.Layers {
		layers = append(layers, Layer{Digest: l.Digest, Size: l.Size})
	}
	return layers
}
