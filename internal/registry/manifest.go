package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Docker media types predating the OCI image spec. Old registries still
// serve these, so they stay in the Accept header alongside the OCI ones.
const (
	mediaTypeDockerManifest      = "application/vnd.docker.distribution.manifest.v2+json"
	mediaTypeDockerManifestList  = "application/vnd.docker.distribution.manifest.list.v2+json"
	mediaTypeDockerSchema1       = "application/vnd.docker.distribution.manifest.v1+json"
	mediaTypeDockerSchema1Signed = "application/vnd.docker.distribution.manifest.v1+prettyjws"
)

var manifestAcceptHeader = strings.Join([]string{
	ocispec.MediaTypeImageIndex,
	ocispec.MediaTypeImageManifest,
	mediaTypeDockerManifestList,
	mediaTypeDockerManifest,
	mediaTypeDockerSchema1,
	mediaTypeDockerSchema1Signed,
}, ", ")

// Descriptor references a content-addressed blob or manifest.
type Descriptor struct {
	MediaType string
	Digest    digest.Digest
	Size      int64
}

// Manifest is the unified shape every schema variant (OCI manifest,
// Docker schema 2, schema 1, and reduced manifest lists) normalizes to:
// an ordered layer list plus an optional config blob.
type Manifest struct {
	Digest    digest.Digest
	MediaType string
	Config    *Descriptor
	Layers    []Descriptor
	// Platform is set when the manifest was selected out of a
	// multi-platform index, e.g. "linux/amd64".
	Platform string
}

// Manifest fetches and normalizes the manifest for a tag or digest
// reference. Multi-platform indexes are reduced to a single sub-manifest:
// the first listed entry, or the entry matching platform ("os/arch") when
// given. A 404, a malformed body, or an index without a matching platform
// all report ErrManifestNotFound; the caller records the tag as
// unavailable and moves on.
func (c *Client) Manifest(ctx context.Context, repository, reference, platform string) (*Manifest, error) {
	return c.manifest(ctx, repository, reference, platform, 0)
}

// ManifestDigest resolves a reference to its manifest digest with a HEAD
// request, without transferring the body. Used for cache lookups.
func (c *Client) ManifestDigest(ctx context.Context, repository, reference string) (digest.Digest, error) {
	scope := fmt.Sprintf("repository:%s:pull", repository)
	u := c.manifestURL(repository, reference)
	resp, err := c.do(ctx, http.MethodHead, u, manifestAcceptHeader, scope, maxListBytes)
	if err != nil {
		return "", err
	}
	dgst := digest.Digest(strings.TrimSpace(resp.header.Get("Docker-Content-Digest")))
	if dgst == "" {
		return "", fmt.Errorf("no Docker-Content-Digest header for %s:%s", repository, reference)
	}
	if err := dgst.Validate(); err != nil {
		return "", fmt.Errorf("invalid digest %q for %s:%s: %w", dgst, repository, reference, err)
	}
	return dgst, nil
}

// BlobSize probes a blob's byte size with a HEAD request. Registries
// backed by object storage answer with a redirect, which the HTTP client
// follows (dropping the Authorization header on the way out).
func (c *Client) BlobSize(ctx context.Context, repository string, dgst digest.Digest) (int64, error) {
	scope := fmt.Sprintf("repository:%s:pull", repository)
	u := fmt.Sprintf("%s/v2/%s/blobs/%s", c.baseURL, strings.Trim(repository, "/"), dgst)
	resp, err := c.do(ctx, http.MethodHead, u, "", scope, maxListBytes)
	if err != nil {
		return 0, fmt.Errorf("probing blob %s in %s: %w", dgst, repository, err)
	}
	size := parseContentLength(resp.header, resp.contentLength)
	if size < 0 {
		return 0, fmt.Errorf("blob %s in %s has no Content-Length", dgst, repository)
	}
	return size, nil
}

func (c *Client) manifest(ctx context.Context, repository, reference, platform string, depth int) (*Manifest, error) {
	if depth > 2 {
		return nil, fmt.Errorf("%w: manifest index nesting too deep for %s:%s", ErrManifestNotFound, repository, reference)
	}

	scope := fmt.Sprintf("repository:%s:pull", repository)
	u := c.manifestURL(repository, reference)
	resp, err := c.do(ctx, http.MethodGet, u, manifestAcceptHeader, scope, maxManifestBytes)
	if err != nil {
		return nil, err
	}

	dgst := digest.Digest(strings.TrimSpace(resp.header.Get("Docker-Content-Digest")))
	if dgst == "" {
		dgst = digest.FromBytes(resp.body)
	}
	if err := dgst.Validate(); err != nil {
		return nil, fmt.Errorf("%w: invalid digest %q for %s:%s", ErrManifestNotFound, dgst, repository, reference)
	}

	mediaType := strings.TrimSpace(strings.Split(resp.header.Get("Content-Type"), ";")[0])
	switch manifestKind(mediaType, resp.body) {
	case kindIndex:
		return c.reduceIndex(ctx, repository, reference, platform, resp.body, depth)
	case kindManifest:
		return normalizeManifest(dgst, mediaType, resp.body, repository, reference)
	case kindSchema1:
		return c.normalizeSchema1(ctx, dgst, mediaType, resp.body, repository, reference)
	default:
		return nil, fmt.Errorf("%w: unrecognized manifest media type %q for %s:%s", ErrManifestNotFound, mediaType, repository, reference)
	}
}

// reduceIndex picks one sub-manifest out of a manifest list and fetches
// it by digest. The first listed entry wins unless a platform is
// requested; that keeps results deterministic across runs.
func (c *Client) reduceIndex(ctx context.Context, repository, reference, platform string, body []byte, depth int) (*Manifest, error) {
	var idx ocispec.Index
	if err := json.Unmarshal(body, &idx); err != nil {
		return nil, fmt.Errorf("%w: malformed manifest index for %s:%s", ErrManifestNotFound, repository, reference)
	}
	if len(idx.Manifests) == 0 {
		return nil, fmt.Errorf("%w: empty manifest index for %s:%s", ErrManifestNotFound, repository, reference)
	}

	selected := idx.Manifests[0]
	if platform != "" {
		found := false
		for _, m := range idx.Manifests {
			if m.Platform != nil && m.Platform.OS+"/"+m.Platform.Architecture == platform {
				selected = m
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: no %s entry in manifest index for %s:%s", ErrManifestNotFound, platform, repository, reference)
		}
	}
	if err := selected.Digest.Validate(); err != nil {
		return nil, fmt.Errorf("%w: invalid sub-manifest digest in index for %s:%s", ErrManifestNotFound, repository, reference)
	}

	sub, err := c.manifest(ctx, repository, selected.Digest.String(), platform, depth+1)
	if err != nil {
		return nil, err
	}
	if sub.Platform == "" && selected.Platform != nil {
		sub.Platform = selected.Platform.OS + "/" + selected.Platform.Architecture
	}
	return sub, nil
}

func normalizeManifest(dgst digest.Digest, mediaType string, body []byte, repository, reference string) (*Manifest, error) {
	var mf ocispec.Manifest
	if err := json.Unmarshal(body, &mf); err != nil {
		return nil, fmt.Errorf("%w: malformed manifest for %s:%s", ErrManifestNotFound, repository, reference)
	}

	out := &Manifest{Digest: dgst, MediaType: mediaType}
	if mf.Config.Digest != "" {
		if err := mf.Config.Digest.Validate(); err != nil {
			return nil, fmt.Errorf("%w: invalid config digest for %s:%s", ErrManifestNotFound, repository, reference)
		}
		out.Config = &Descriptor{
			MediaType: mf.Config.MediaType,
			Digest:    mf.Config.Digest,
			Size:      mf.Config.Size,
		}
	}
	for _, layer := range mf.Layers {
		if err := layer.Digest.Validate(); err != nil {
			return nil, fmt.Errorf("%w: invalid layer digest for %s:%s", ErrManifestNotFound, repository, reference)
		}
		out.Layers = append(out.Layers, Descriptor{
			MediaType: layer.MediaType,
			Digest:    layer.Digest,
			Size:      layer.Size,
		})
	}
	return out, nil
}

// schema1Manifest is the ancient v1 shape: blob digests only, listed
// base-last, with no sizes.
type schema1Manifest struct {
	SchemaVersion int `json:"schemaVersion"`
	FSLayers      []struct {
		BlobSum digest.Digest `json:"blobSum"`
	} `json:"fsLayers"`
}

// normalizeSchema1 converts a v1 manifest. Layer sizes are not part of
// the document, so each distinct blob is probed with a HEAD request.
func (c *Client) normalizeSchema1(ctx context.Context, dgst digest.Digest, mediaType string, body []byte, repository, reference string) (*Manifest, error) {
	var mf schema1Manifest
	if err := json.Unmarshal(body, &mf); err != nil {
		return nil, fmt.Errorf("%w: malformed schema1 manifest for %s:%s", ErrManifestNotFound, repository, reference)
	}
	if len(mf.FSLayers) == 0 {
		return &Manifest{Digest: dgst, MediaType: mediaType}, nil
	}

	sizes := make(map[digest.Digest]int64)
	out := &Manifest{Digest: dgst, MediaType: mediaType}
	// fsLayers list the base layer last; reverse to match the
	// base-first order of schema 2 and OCI manifests.
	for i := len(mf.FSLayers) - 1; i >= 0; i-- {
		blobSum := mf.FSLayers[i].BlobSum
		if err := blobSum.Validate(); err != nil {
			return nil, fmt.Errorf("%w: invalid blobSum for %s:%s", ErrManifestNotFound, repository, reference)
		}
		size, ok := sizes[blobSum]
		if !ok {
			var err error
			size, err = c.BlobSize(ctx, repository, blobSum)
			if err != nil {
				return nil, err
			}
			sizes[blobSum] = size
		}
		out.Layers = append(out.Layers, Descriptor{Digest: blobSum, Size: size})
	}
	return out, nil
}

type kind int

const (
	kindUnknown kind = iota
	kindIndex
	kindManifest
	kindSchema1
)

func manifestKind(mediaType string, body []byte) kind {
	switch strings.ToLower(mediaType) {
	case ocispec.MediaTypeImageIndex, mediaTypeDockerManifestList:
		return kindIndex
	case ocispec.MediaTypeImageManifest, mediaTypeDockerManifest:
		return kindManifest
	case mediaTypeDockerSchema1, mediaTypeDockerSchema1Signed:
		return kindSchema1
	}

	// Some registries omit or mangle the Content-Type; sniff the body.
	var probe struct {
		Manifests []json.RawMessage `json:"manifests"`
		Layers    []json.RawMessage `json:"layers"`
		FSLayers  []json.RawMessage `json:"fsLayers"`
		Config    json.RawMessage   `json:"config"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return kindUnknown
	}
	switch {
	case len(probe.Manifests) > 0:
		return kindIndex
	case len(probe.Layers) > 0 || probe.Config != nil:
		return kindManifest
	case len(probe.FSLayers) > 0:
		return kindSchema1
	}
	return kindUnknown
}

func (c *Client) manifestURL(repository, reference string) string {
	return fmt.Sprintf("%s/v2/%s/manifests/%s", c.baseURL, strings.Trim(repository, "/"), reference)
}
