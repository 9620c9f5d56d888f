package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// catalogScope is the token scope needed to list repositories.
const catalogScope = "registry:catalog:*"

// Repositories lists every repository in the registry catalog, following
// Link-header pagination until the server stops supplying a next page.
// An empty catalog yields an empty slice, not an error. The result is
// sorted so callers process repositories in a deterministic order.
func (c *Client) Repositories(ctx context.Context) ([]string, error) {
	var repos []string
	pageURL := fmt.Sprintf("%s/v2/_catalog?n=%d", c.baseURL, pageSize)
	for pageURL != "" {
		resp, err := c.do(ctx, http.MethodGet, pageURL, "application/json", catalogScope, maxListBytes)
		if err != nil {
			return nil, fmt.Errorf("listing catalog: %w", err)
		}
		var page struct {
			Repositories []string `json:"repositories"`
		}
		if err := json.Unmarshal(resp.body, &page); err != nil {
			return nil, fmt.Errorf("parsing catalog page: %w", err)
		}
		repos = append(repos, page.Repositories...)
		pageURL = nextPageURL(resp.header, pageURL)
	}
	sort.Strings(repos)
	return repos, nil
}

// Tags lists the tags of a repository, following pagination. A
// repository without tags yields an empty slice; the repository itself
// remains a valid catalog entry. The result is sorted.
func (c *Client) Tags(ctx context.Context, repository string) ([]string, error) {
	scope := fmt.Sprintf("repository:%s:pull", repository)
	var tags []string
	pageURL := fmt.Sprintf("%s/v2/%s/tags/list?n=%d", c.baseURL, strings.Trim(repository, "/"), pageSize)
	for pageURL != "" {
		resp, err := c.do(ctx, http.MethodGet, pageURL, "application/json", scope, maxListBytes)
		if err != nil {
			return nil, fmt.Errorf("listing tags for %s: %w", repository, err)
		}
		var page struct {
			Tags []string `json:"tags"`
		}
		if err := json.Unmarshal(resp.body, &page); err != nil {
			return nil, fmt.Errorf("parsing tag list for %s: %w", repository, err)
		}
		tags = append(tags, page.Tags...)
		pageURL = nextPageURL(resp.header, pageURL)
	}
	sort.Strings(tags)
	return tags, nil
}

const pageSize = 100
