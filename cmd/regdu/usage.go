package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/regdu/regdu/internal/store"
	"github.com/regdu/regdu/internal/usage"
)

var (
	usageRegistry  string
	usageUser      string
	usageCredsFile string
	usageSort      string
	usageWorkers   int
	usagePlatform  string
	usageNoCache   bool
	usageStrict    bool
)

func newUsageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Crawl the registry and report per-tag and per-repository sizes",
		Long: `Enumerate every repository and tag, fetch the manifests and print the
logical size and the deduplicated disk size at tag, repository and registry
scope. Tags whose manifest cannot be retrieved are reported as unavailable
and excluded from the totals.`,
		Example: `  regdu usage --registry registry.example.com --credentials-file ~/.regdu-creds
  regdu usage --sort size
  regdu usage --platform linux/arm64 --workers 8`,
		RunE: usageRun,
	}

	cmd.Flags().StringVarP(&usageRegistry, "registry", "r", "", "registry endpoint (overrides config)")
	cmd.Flags().StringVarP(&usageUser, "user", "u", "", "username for the token endpoint (overrides config)")
	cmd.Flags().StringVarP(&usageCredsFile, "credentials-file", "c", "", "file with username and password on two lines")
	cmd.Flags().StringVarP(&usageSort, "sort", "s", "", "sorting order: name, size or disksize")
	cmd.Flags().IntVar(&usageWorkers, "workers", 0, "concurrent manifest fetches (overrides config)")
	cmd.Flags().StringVar(&usagePlatform, "platform", "", "platform (os/arch) picked from multi-platform images")
	cmd.Flags().BoolVar(&usageNoCache, "no-cache", false, "disable the on-disk manifest cache")
	cmd.Flags().BoolVar(&usageStrict, "strict", false, "exit non-zero when any tag was unavailable or an integrity warning was raised")

	return cmd
}

func usageRun(cmd *cobra.Command, args []string) error {
	if usageRegistry != "" {
		globalCfg.Registry.Endpoint = usageRegistry
	}
	if usageUser != "" {
		globalCfg.Registry.Username = usageUser
	}
	if usageCredsFile != "" {
		globalCfg.Registry.CredentialsFile = usageCredsFile
	}
	if usageWorkers > 0 {
		globalCfg.Crawl.Workers = usageWorkers
	}
	if usagePlatform != "" {
		globalCfg.Crawl.Platform = usagePlatform
	}

	order, err := usage.ParseSortOrder(firstNonEmpty(usageSort, globalCfg.Report.Sort))
	if err != nil {
		return err
	}

	client, err := newRegistryClient()
	if err != nil {
		return err
	}

	var cache *store.Cache
	if globalCfg.Cache.Enabled && !usageNoCache {
		cache, err = store.Open(globalCfg.Cache.Path, globalCfg.Crawl.Platform, logger)
		if err != nil {
			logger.Warn("manifest cache unavailable, crawling without it", "error", err)
			cache = nil
		}
	}

	// A nil *store.Cache must stay a nil interface, not a typed nil.
	var crawlCache usage.Cache
	if cache != nil {
		crawlCache = cache
	}
	crawler := usage.NewCrawler(client, globalCfg.Crawl.Workers, globalCfg.Crawl.Platform, crawlCache, logger)
	tree, err := crawler.Run(cmd.Context())
	if err != nil {
		return err
	}

	if cache != nil {
		if err := cache.Flush(); err != nil {
			logger.Warn("failed to flush manifest cache", "error", err)
		}
		if err := cache.Close(); err != nil {
			logger.Warn("failed to close manifest cache", "error", err)
		}
	}

	renderTree(os.Stdout, tree, order)

	if usageStrict && treeHasGaps(tree) {
		return fmt.Errorf("run finished with unavailable tags or integrity warnings")
	}
	return nil
}

func treeHasGaps(tree *usage.Tree) bool {
	if len(tree.Warnings) > 0 {
		return true
	}
	for _, repo := range tree.Repositories {
		if repo.NoInfo || len(repo.Unavailable) > 0 {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func formatBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}
