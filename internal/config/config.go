package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Registry RegistryConfig `yaml:"registry"`
	Crawl    CrawlConfig    `yaml:"crawl"`
	Cache    CacheConfig    `yaml:"cache"`
	Report   ReportConfig   `yaml:"report"`
}

// RegistryConfig holds endpoint and credential settings.
type RegistryConfig struct {
	// Endpoint is the registry host, with or without scheme.
	Endpoint string `yaml:"endpoint"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// CredentialsFile points to a file holding username and password
	// (or access token) on two separate lines. It takes precedence
	// over the inline fields.
	CredentialsFile string `yaml:"credentials_file"`
	// RequestTimeoutSeconds applies per HTTP request.
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
}

// CrawlConfig tunes the enumeration run.
type CrawlConfig struct {
	// Workers bounds concurrent manifest fetches.
	Workers int `yaml:"workers"`
	// Platform selects the sub-manifest of multi-platform images,
	// e.g. "linux/amd64". Empty selects the first listed entry.
	Platform string `yaml:"platform"`
}

// CacheConfig controls the optional on-disk manifest cache.
type CacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ReportConfig holds presentation defaults.
type ReportConfig struct {
	// Sort is one of name, size, disksize.
	Sort string `yaml:"sort"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Registry: RegistryConfig{
			RequestTimeoutSeconds: 90,
		},
		Crawl: CrawlConfig{
			Workers: 4,
		},
		Cache: CacheConfig{
			Path: defaultCachePath(),
		},
		Report: ReportConfig{
			Sort: "name",
		},
	}
}

// Load reads a config file from the given path, merged over defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// FindConfigFile searches for a config file in standard locations.
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"regdu.yaml",
		"/etc/regdu/regdu.yaml",
	}
	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "regdu", "regdu.yaml"),
		)
	}
	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// Validate checks that the config is usable for a run.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Registry.Endpoint) == "" {
		return fmt.Errorf("registry endpoint is required")
	}
	if c.Crawl.Workers < 0 {
		return fmt.Errorf("crawl workers must not be negative")
	}
	if p := c.Crawl.Platform; p != "" {
		parts := strings.Split(p, "/")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return fmt.Errorf("platform must look like os/arch, got %q", p)
		}
	}
	return nil
}

// ResolveCredentials loads the credentials file when one is configured,
// overriding inline username and password. The file format is two
// lines: username, then password or access token.
func (c *Config) ResolveCredentials() error {
	if c.Registry.CredentialsFile == "" {
		return nil
	}
	f, err := os.Open(c.Registry.CredentialsFile)
	if err != nil {
		return fmt.Errorf("opening credentials file: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	var lines []string
	for scanner.Scan() && len(lines) < 2 {
		lines = append(lines, strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading credentials file: %w", err)
	}
	if len(lines) < 2 || lines[0] == "" {
		return fmt.Errorf("credentials file must hold username and password on two lines")
	}
	c.Registry.Username = lines[0]
	c.Registry.Password = lines[1]
	return nil
}

func defaultCachePath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "regdu", "manifests.db")
	}
	return "regdu-manifests.db"
}
