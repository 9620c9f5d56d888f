package usage

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/opencontainers/go-digest"
)

// Metrics hold the two size figures computed for a tag, a repository or
// the whole registry: Size counts every layer reference, DiskSize counts
// each distinct blob once. DiskSize <= Size always holds.
type Metrics struct {
	Size     int64 `json:"size"`
	DiskSize int64 `json:"diskSize"`
}

// Repository is one entry of the result tree.
type Repository struct {
	Name string `json:"name"`
	// Tags maps tag name to its metrics. Tags whose manifest could
	// not be retrieved are listed in Unavailable instead.
	Tags        map[string]Metrics `json:"tags"`
	Unavailable []string           `json:"unavailable,omitempty"`
	// NoInfo marks a repository whose tag listing itself failed; no
	// per-tag data exists and the repository contributes nothing to
	// the totals.
	NoInfo  bool `json:"noInfo,omitempty"`
	Metrics `json:"metrics"`
}

// IntegrityWarning records a digest observed with two different sizes.
// Content-addressed storage guarantees this never happens on a healthy
// registry; the first-seen size stays in effect and the run continues.
type IntegrityWarning struct {
	Digest     digest.Digest
	FirstSize  int64
	SecondSize int64
	Repository string
	Tag        string
}

func (w IntegrityWarning) String() string {
	return fmt.Sprintf("digest %s reported with size %d by %s:%s but first seen with size %d",
		w.Digest, w.SecondSize, w.Repository, w.Tag, w.FirstSize)
}

// Tree is the immutable result of a run: per-repository tag metrics plus
// registry-wide totals. Presentation sorting lives in report.go; the
// tree itself keeps repositories addressable by name.
type Tree struct {
	Repositories  map[string]*Repository `json:"repositories"`
	TotalSize     int64                  `json:"totalSize"`
	TotalDiskSize int64                  `json:"totalDiskSize"`
	Warnings      []IntegrityWarning     `json:"-"`
}

// RepositoryNames returns the repository names in lexicographic order.
func (t *Tree) RepositoryNames() []string {
	names := make([]string, 0, len(t.Repositories))
	for name := range t.Repositories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// digestIndex maps digests to their first-seen byte size.
type digestIndex struct {
	sizes map[digest.Digest]int64
}

func newDigestIndex() *digestIndex {
	return &digestIndex{sizes: make(map[digest.Digest]int64)}
}

// record stores the digest on first sight and reports whether this was
// the first occurrence plus the canonical (first-seen) size. A size
// mismatch on a later occurrence leaves the stored size untouched.
func (ix *digestIndex) record(d digest.Digest, size int64) (first bool, canonical int64, mismatch bool) {
	if known, ok := ix.sizes[d]; ok {
		return false, known, known != size
	}
	ix.sizes[d] = size
	return true, size, false
}

// Aggregator folds per-tag layer lists into tag, repository and registry
// metrics. It is a single-writer structure: callers feed it tags in the
// canonical order (repositories sorted by name, tags sorted within a
// repository), one at a time. The first tag to reference a blob pays for
// it; TotalDiskSize is nonetheless order-independent because it is the
// sum over the set of distinct digests seen.
type Aggregator struct {
	index    *digestIndex
	tree     *Tree
	current  *Repository
	warnings []IntegrityWarning
	logger   *slog.Logger
	finished bool
}

// NewAggregator creates an aggregator with empty indexes.
func NewAggregator(logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		index:  newDigestIndex(),
		tree:   &Tree{Repositories: make(map[string]*Repository)},
		logger: logger,
	}
}

// StartRepository opens a new repository scope. Tags fed afterwards
// belong to it until the next StartRepository call.
func (a *Aggregator) StartRepository(name string) {
	repo := &Repository{Name: name, Tags: make(map[string]Metrics)}
	a.tree.Repositories[name] = repo
	a.current = repo
}

// MarkRepositoryUnfetchable records a repository whose tag listing
// failed; it stays in the tree without metrics.
func (a *Aggregator) MarkRepositoryUnfetchable(name string) {
	repo := &Repository{Name: name, NoInfo: true}
	a.tree.Repositories[name] = repo
	a.current = repo
}

// AddTag folds one tag's ordered layer list into the running totals.
// Size counts every reference; DiskSize counts a digest only the first
// time it is seen across the run, using the first-seen size whenever a
// later manifest disagrees about a digest's size.
func (a *Aggregator) AddTag(tag string, layers []Layer) {
	if a.current == nil || a.current.NoInfo {
		panic("usage: AddTag called outside a repository scope")
	}

	var m Metrics
	for _, layer := range layers {
		first, canonical, mismatch := a.index.record(layer.Digest, layer.Size)
		if mismatch {
			w := IntegrityWarning{
				Digest:     layer.Digest,
				FirstSize:  canonical,
				SecondSize: layer.Size,
				Repository: a.current.Name,
				Tag:        tag,
			}
			a.warnings = append(a.warnings, w)
			a.logger.Warn("digest size mismatch", "digest", layer.Digest,
				"first_size", canonical, "reported_size", layer.Size,
				"repository", a.current.Name, "tag", tag)
		}
		m.Size += canonical
		if first {
			m.DiskSize += canonical
		}
	}

	a.current.Tags[tag] = m
	a.current.Size += m.Size
	a.current.DiskSize += m.DiskSize
}

// SkipTag records a tag whose manifest could not be retrieved. It
// contributes nothing to any total and shows up as unavailable instead
// of as a zero-sized tag.
func (a *Aggregator) SkipTag(tag string) {
	if a.current == nil || a.current.NoInfo {
		panic("usage: SkipTag called outside a repository scope")
	}
	a.current.Unavailable = append(a.current.Unavailable, tag)
}

// Finish seals the tree and returns it. The aggregator must not be used
// afterwards.
func (a *Aggregator) Finish() *Tree {
	if a.finished {
		return a.tree
	}
	a.finished = true
	for _, repo := range a.tree.Repositories {
		a.tree.TotalSize += repo.Size
		a.tree.TotalDiskSize += repo.DiskSize
	}
	a.tree.Warnings = a.warnings
	a.current = nil
	return a.tree
}
