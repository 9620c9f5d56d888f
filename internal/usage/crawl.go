package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/opencontainers/go-digest"

	"github.com/regdu/regdu/internal/registry"
)

// RegistryAPI is the slice of the registry client the crawler needs.
type RegistryAPI interface {
	Repositories(ctx context.Context) ([]string, error)
	Tags(ctx context.Context, repository string) ([]string, error)
	Manifest(ctx context.Context, repository, reference, platform string) (*registry.Manifest, error)
	ManifestDigest(ctx context.Context, repository, reference string) (digest.Digest, error)
}

// Cache is the optional manifest-digest cache consulted before fetching
// a manifest body. Implementations must be safe for concurrent use.
type Cache interface {
	Get(d digest.Digest) ([]Layer, bool)
	Put(d digest.Digest, layers []Layer)
}

// Crawler walks the whole registry and aggregates storage usage.
// Manifest fetches run on a bounded worker pool; aggregation itself is
// applied by a single goroutine in canonical order (repositories and
// tags sorted by name), independent of the order network responses
// arrive in.
type Crawler struct {
	api      RegistryAPI
	workers  int
	platform string
	cache    Cache
	logger   *slog.Logger
}

// NewCrawler creates a crawler. workers bounds concurrent manifest
// fetches, platform selects the sub-manifest of multi-platform indexes
// ("" means first listed), cache may be nil.
func NewCrawler(api RegistryAPI, workers int, platform string, cache Cache, logger *slog.Logger) *Crawler {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Crawler{api: api, workers: workers, platform: platform, cache: cache, logger: logger}
}

// Run enumerates the registry and returns the finished result tree.
// Only authentication failures and catalog errors abort the run; a tag
// whose manifest cannot be retrieved is recorded as unavailable and a
// repository whose tag listing fails is kept without metrics.
func (c *Crawler) Run(ctx context.Context) (*Tree, error) {
	repos, err := c.api.Repositories(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerating catalog: %w", err)
	}

	type repoEntry struct {
		name     string
		tags     []string
		listFail bool
	}

	entries := make([]repoEntry, 0, len(repos))
	var jobs []fetchJob
	for _, repo := range repos {
		tags, err := c.api.Tags(ctx, repo)
		if err != nil {
			var authErr *registry.AuthError
			if errors.As(err, &authErr) {
				return nil, err
			}
			c.logger.Warn("failed to list tags", "repository", repo, "error", err)
			entries = append(entries, repoEntry{name: repo, listFail: true})
			continue
		}
		entries = append(entries, repoEntry{name: repo, tags: tags})
		for _, tag := range tags {
			jobs = append(jobs, fetchJob{repository: repo, tag: tag, index: len(jobs)})
		}
	}

	results := c.fetchAll(ctx, jobs)

	agg := NewAggregator(c.logger)
	next := 0
	for _, entry := range entries {
		if entry.listFail {
			agg.MarkRepositoryUnfetchable(entry.name)
			continue
		}
		agg.StartRepository(entry.name)
		for _, tag := range entry.tags {
			res := results[next]
			next++
			if res.err != nil {
				var authErr *registry.AuthError
				if errors.As(res.err, &authErr) {
					return nil, res.err
				}
				c.logger.Warn("manifest unavailable", "repository", entry.name, "tag", tag, "error", res.err)
				agg.SkipTag(tag)
				continue
			}
			agg.AddTag(tag, res.layers)
		}
	}

	tree := agg.Finish()
	c.logger.Info("crawl finished",
		"repositories", len(tree.Repositories),
		"total_size", tree.TotalSize,
		"total_disk_size", tree.TotalDiskSize,
		"warnings", len(tree.Warnings))
	return tree, nil
}

type fetchJob struct {
	repository string
	tag        string
	index      int
}

type fetchResult struct {
	layers []Layer
	err    error
	index  int
}

// fetchAll runs the jobs on the worker pool and hands the results back
// in submission order, buffering whatever finishes early.
func (c *Crawler) fetchAll(ctx context.Context, jobs []fetchJob) []fetchResult {
	if len(jobs) == 0 {
		return nil
	}

	jobsChan := make(chan fetchJob, len(jobs))
	resultsChan := make(chan fetchResult, len(jobs))

	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go c.worker(ctx, jobsChan, resultsChan, &wg)
	}

	for _, job := range jobs {
		jobsChan <- job
	}
	close(jobsChan)

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	results := make([]fetchResult, 0, len(jobs))
	for result := range resultsChan {
		results = append(results, result)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].index < results[j].index
	})
	return results
}

func (c *Crawler) worker(ctx context.Context, jobsChan <-chan fetchJob, resultsChan chan<- fetchResult, wg *sync.WaitGroup) {
	defer wg.Done()
	for job := range jobsChan {
		select {
		case <-ctx.Done():
			resultsChan <- fetchResult{err: ctx.Err(), index: job.index}
			continue
		default:
		}
		layers, err := c.fetchTag(ctx, job.repository, job.tag)
		resultsChan <- fetchResult{layers: layers, err: err, index: job.index}
	}
}

// fetchTag resolves one tag to its layer list. With a cache configured,
// a HEAD request resolves the manifest digest first so an unchanged
// manifest skips the body fetch entirely.
func (c *Crawler) fetchTag(ctx context.Context, repository, tag string) ([]Layer, error) {
	if c.cache != nil {
		dgst, err := c.api.ManifestDigest(ctx, repository, tag)
		if err == nil {
			if layers, ok := c.cache.Get(dgst); ok {
				c.logger.Debug("manifest cache hit", "repository", repository, "tag", tag, "digest", dgst)
				return layers, nil
			}
			m, err := c.api.Manifest(ctx, repository, tag, c.platform)
			if err != nil {
				return nil, err
			}
			layers := ResolveLayers(m)
			c.cache.Put(dgst, layers)
			return layers, nil
		}
		var authErr *registry.AuthError
		if errors.As(err, &authErr) {
			return nil, err
		}
		// HEAD unsupported or failed; fall back to a plain fetch.
	}

	m, err := c.api.Manifest(ctx, repository, tag, c.platform)
	if err != nil {
		return nil, err
	}
	return ResolveLayers(m), nil
}
