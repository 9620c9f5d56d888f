package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

func mustDigest(s string) digest.Digest {
	return digest.FromString(s)
}

func v2ManifestBody(t *testing.T, config ocispec.Descriptor, layers ...ocispec.Descriptor) []byte {
	t.Helper()
	body, err := json.Marshal(ocispec.Manifest{
		MediaType: mediaTypeDockerManifest,
		Config:    config,
		Layers:    layers,
	})
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func TestManifest_NormalizesSchema2(t *testing.T) {
	body := v2ManifestBody(t,
		ocispec.Descriptor{MediaType: "application/vnd.docker.container.image.v1+json", Digest: mustDigest("config"), Size: 7},
		ocispec.Descriptor{Digest: mustDigest("base"), Size: 100},
		ocispec.Descriptor{Digest: mustDigest("app"), Size: 50},
	)
	headerDigest := digest.FromBytes(body)

	srv := newAuthedRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/my/app/manifests/latest" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", mediaTypeDockerManifest)
		w.Header().Set("Docker-Content-Digest", headerDigest.String())
		_, _ = w.Write(body)
	})

	got, err := newTestClient(srv).Manifest(context.Background(), "my/app", "latest", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := &Manifest{
		Digest:    headerDigest,
		MediaType: mediaTypeDockerManifest,
		Config:    &Descriptor{MediaType: "application/vnd.docker.container.image.v1+json", Digest: mustDigest("config"), Size: 7},
		Layers: []Descriptor{
			{Digest: mustDigest("base"), Size: 100},
			{Digest: mustDigest("app"), Size: 50},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("manifest mismatch (-want +got):\n%s", diff)
	}
}

func TestManifest_DigestFallsBackToBody(t *testing.T) {
	body := v2ManifestBody(t, ocispec.Descriptor{Digest: mustDigest("config"), Size: 1})

	srv := newAuthedRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", mediaTypeDockerManifest)
		_, _ = w.Write(body)
	})

	got, err := newTestClient(srv).Manifest(context.Background(), "my/app", "latest", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Digest != digest.FromBytes(body) {
		t.Errorf("digest = %s, want body digest %s", got.Digest, digest.FromBytes(body))
	}
}

func TestManifest_SniffsMissingContentType(t *testing.T) {
	body := v2ManifestBody(t,
		ocispec.Descriptor{Digest: mustDigest("config"), Size: 1},
		ocispec.Descriptor{Digest: mustDigest("base"), Size: 10},
	)

	srv := newAuthedRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(body)
	})

	got, err := newTestClient(srv).Manifest(context.Background(), "my/app", "latest", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Layers) != 1 || got.Layers[0].Digest != mustDigest("base") {
		t.Errorf("layers = %+v, want single base layer", got.Layers)
	}
}

func TestManifest_ReducesIndex(t *testing.T) {
	amd := v2ManifestBody(t, ocispec.Descriptor{Digest: mustDigest("amd-config"), Size: 1},
		ocispec.Descriptor{Digest: mustDigest("amd-layer"), Size: 100})
	arm := v2ManifestBody(t, ocispec.Descriptor{Digest: mustDigest("arm-config"), Size: 1},
		ocispec.Descriptor{Digest: mustDigest("arm-layer"), Size: 200})
	amdDigest, armDigest := digest.FromBytes(amd), digest.FromBytes(arm)

	index, err := json.Marshal(ocispec.Index{
		MediaType: ocispec.MediaTypeImageIndex,
		Manifests: []ocispec.Descriptor{
			{Digest: amdDigest, Size: int64(len(amd)), Platform: &ocispec.Platform{OS: "linux", Architecture: "amd64"}},
			{Digest: armDigest, Size: int64(len(arm)), Platform: &ocispec.Platform{OS: "linux", Architecture: "arm64"}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	srv := newAuthedRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/my/app/manifests/latest":
			w.Header().Set("Content-Type", ocispec.MediaTypeImageIndex)
			_, _ = w.Write(index)
		case "/v2/my/app/manifests/" + amdDigest.String():
			w.Header().Set("Content-Type", mediaTypeDockerManifest)
			_, _ = w.Write(amd)
		case "/v2/my/app/manifests/" + armDigest.String():
			w.Header().Set("Content-Type", mediaTypeDockerManifest)
			_, _ = w.Write(arm)
		default:
			http.NotFound(w, r)
		}
	})
	client := newTestClient(srv)

	t.Run("first entry by default", func(t *testing.T) {
		got, err := client.Manifest(context.Background(), "my/app", "latest", "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Digest != amdDigest {
			t.Errorf("digest = %s, want first-listed %s", got.Digest, amdDigest)
		}
		if got.Platform != "linux/amd64" {
			t.Errorf("platform = %q, want linux/amd64", got.Platform)
		}
	})

	t.Run("named platform", func(t *testing.T) {
		got, err := client.Manifest(context.Background(), "my/app", "latest", "linux/arm64")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Digest != armDigest {
			t.Errorf("digest = %s, want arm64 entry %s", got.Digest, armDigest)
		}
		if got.Layers[0].Size != 200 {
			t.Errorf("layer size = %d, want 200", got.Layers[0].Size)
		}
	})

	t.Run("missing platform", func(t *testing.T) {
		_, err := client.Manifest(context.Background(), "my/app", "latest", "windows/amd64")
		if !errors.Is(err, ErrManifestNotFound) {
			t.Errorf("error = %v, want ErrManifestNotFound", err)
		}
	})
}

func TestManifest_EmptyIndex(t *testing.T) {
	index, _ := json.Marshal(ocispec.Index{MediaType: ocispec.MediaTypeImageIndex})

	srv := newAuthedRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", ocispec.MediaTypeImageIndex)
		_, _ = w.Write(index)
	})

	_, err := newTestClient(srv).Manifest(context.Background(), "my/app", "latest", "")
	if !errors.Is(err, ErrManifestNotFound) {
		t.Errorf("error = %v, want ErrManifestNotFound", err)
	}
}

func TestManifest_Schema1ProbesBlobSizes(t *testing.T) {
	base, app := mustDigest("s1-base"), mustDigest("s1-app")
	body, err := json.Marshal(map[string]any{
		"schemaVersion": 1,
		// Listed base-last, as schema 1 does.
		"fsLayers": []map[string]string{
			{"blobSum": app.String()},
			{"blobSum": base.String()},
			{"blobSum": base.String()},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	blobSizes := map[digest.Digest]int64{base: 1000, app: 42}

	var headProbes int
	srv := newAuthedRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v2/my/app/manifests/old":
			w.Header().Set("Content-Type", mediaTypeDockerSchema1Signed)
			_, _ = w.Write(body)
		case r.Method == http.MethodHead && r.URL.Path == "/v2/my/app/blobs/"+base.String():
			headProbes++
			w.Header().Set("Content-Length", strconv.FormatInt(blobSizes[base], 10))
		case r.Method == http.MethodHead && r.URL.Path == "/v2/my/app/blobs/"+app.String():
			headProbes++
			w.Header().Set("Content-Length", strconv.FormatInt(blobSizes[app], 10))
		default:
			http.NotFound(w, r)
		}
	})

	got, err := newTestClient(srv).Manifest(context.Background(), "my/app", "old", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []Descriptor{
		{Digest: base, Size: 1000},
		{Digest: base, Size: 1000},
		{Digest: app, Size: 42},
	}
	if diff := cmp.Diff(want, got.Layers); diff != "" {
		t.Errorf("layers mismatch (-want +got):\n%s", diff)
	}
	// The repeated base layer is probed once.
	if headProbes != 2 {
		t.Errorf("HEAD probes = %d, want 2", headProbes)
	}
}

func TestManifest_MalformedBody(t *testing.T) {
	srv := newAuthedRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", mediaTypeDockerManifest)
		fmt.Fprint(w, `{"layers": "not a list"`)
	})

	_, err := newTestClient(srv).Manifest(context.Background(), "my/app", "latest", "")
	if !errors.Is(err, ErrManifestNotFound) {
		t.Errorf("error = %v, want ErrManifestNotFound", err)
	}
}

func TestManifestDigest(t *testing.T) {
	dgst := mustDigest("head-digest")
	srv := newAuthedRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("method = %s, want HEAD", r.Method)
		}
		if r.URL.Path != "/v2/my/app/manifests/v1" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Docker-Content-Digest", dgst.String())
	})

	got, err := newTestClient(srv).ManifestDigest(context.Background(), "my/app", "v1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != dgst {
		t.Errorf("digest = %s, want %s", got, dgst)
	}
}

func TestManifestDigest_MissingHeader(t *testing.T) {
	srv := newAuthedRegistry(t, func(w http.ResponseWriter, r *http.Request) {})

	_, err := newTestClient(srv).ManifestDigest(context.Background(), "my/app", "v1")
	if err == nil {
		t.Fatal("expected an error for the missing digest header")
	}
}

func TestBlobSize(t *testing.T) {
	dgst := mustDigest("blob")
	srv := newAuthedRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead || r.URL.Path != "/v2/my/app/blobs/"+dgst.String() {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Length", "12345")
	})

	size, err := newTestClient(srv).BlobSize(context.Background(), "my/app", dgst)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if size != 12345 {
		t.Errorf("size = %d, want 12345", size)
	}
}
