package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/eapache/go-resiliency/retrier"

	"github.com/regdu/regdu/internal/safety"
)

const (
	maxManifestBytes int64 = 16 * 1024 * 1024
	maxListBytes     int64 = 4 * 1024 * 1024

	// The retrier makes one attempt plus one per backoff step, so two
	// steps give the three bounded attempts a transient failure gets.
	retryBackoffSteps = 2
	retryInitialDelay = 500 * time.Millisecond
)

// Client talks to a Docker Registry HTTP API v2 endpoint. Requests are
// authenticated through the token challenge flow and transient failures
// (network errors, timeouts, 5xx) are retried with bounded exponential
// backoff before the error is handed back to the caller.
type Client struct {
	baseURL string
	auth    *Authenticator
	http    *http.Client
	retry   *retrier.Retrier
	logger  *slog.Logger
}

// Options tune a Client beyond its defaults.
type Options struct {
	// Timeout applies per HTTP request. Zero means 90 seconds.
	Timeout time.Duration
	// HTTPClient overrides the constructed client, used by tests.
	HTTPClient *http.Client
}

// NewClient creates a registry client for the given endpoint, which may
// be a bare host ("registry.example.com") or a full URL.
func NewClient(endpoint string, creds Credentials, logger *slog.Logger, opts Options) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = safety.NewHTTPClient(opts.Timeout)
	}
	return &Client{
		baseURL: normalizeEndpoint(endpoint),
		auth:    NewAuthenticator(creds, httpClient, logger),
		http:    httpClient,
		retry:   retrier.New(retrier.ExponentialBackoff(retryBackoffSteps, retryInitialDelay), transientClassifier{}),
		logger:  logger,
	}
}

// BaseURL returns the normalized registry endpoint, scheme included.
func (c *Client) BaseURL() string { return c.baseURL }

// DeleteManifest removes a manifest by digest. The registry answers 202
// on success; anything else is an error.
func (c *Client) DeleteManifest(ctx context.Context, repository, dgst string) error {
	scope := fmt.Sprintf("repository:%s:pull,delete", repository)
	u := fmt.Sprintf("%s/v2/%s/manifests/%s", c.baseURL, strings.Trim(repository, "/"), dgst)
	_, err := c.do(ctx, http.MethodDelete, u, "", scope, maxListBytes)
	if err != nil {
		return fmt.Errorf("deleting manifest %s in %s: %w", dgst, repository, err)
	}
	return nil
}

type response struct {
	body          []byte
	header        http.Header
	contentLength int64
}

// do performs a request with retry on transient failures. limit bounds
// how much of a successful response body is read.
func (c *Client) do(ctx context.Context, method, rawURL, accept, scope string, limit int64) (*response, error) {
	var out *response
	err := c.retry.RunCtx(ctx, func(ctx context.Context) error {
		resp, err := c.roundTrip(ctx, method, rawURL, accept, scope, limit)
		if err != nil {
			return err
		}
		out = resp
		return nil
	})
	return out, err
}

// roundTrip performs one request, re-authenticating once on a 401
// challenge before giving up.
func (c *Client) roundTrip(ctx context.Context, method, rawURL, accept, scope string, limit int64) (*response, error) {
	authHeader := ""
	token, tokenGen := c.auth.Cached(scope)
	if token != "" {
		authHeader = "Bearer " + token
	}

	for attempt := 0; attempt < 2; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		if accept != "" {
			req.Header.Set("Accept", accept)
		}
		if authHeader != "" {
			req.Header.Set("Authorization", authHeader)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, &transientError{fmt.Errorf("executing %s %s: %w", method, rawURL, err)}
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			challenge := resp.Header.Get("WWW-Authenticate")
			drainAndClose(resp)
			fresh, err := c.auth.Acquire(ctx, challenge, scope, tokenGen)
			if err != nil {
				return nil, err
			}
			authHeader = "Bearer " + fresh
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode <= 299:
			data, err := safety.ReadAllWithLimit(resp.Body, limit)
			contentLength := resp.ContentLength
			drainAndClose(resp)
			if errors.Is(err, safety.ErrBodyTooLarge) {
				return nil, fmt.Errorf("%s %s: %w", method, rawURL, err)
			}
			if err != nil {
				return nil, &transientError{fmt.Errorf("reading response body: %w", err)}
			}
			return &response{body: data, header: resp.Header.Clone(), contentLength: contentLength}, nil
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			drainAndClose(resp)
			return nil, &AuthError{Scope: scope, Reason: "registry rejected credentials after re-authentication"}
		case resp.StatusCode == http.StatusNotFound:
			drainAndClose(resp)
			return nil, ErrManifestNotFound
		case resp.StatusCode >= 500:
			body := readErrorBody(resp)
			drainAndClose(resp)
			return nil, &transientError{&httpError{Status: resp.StatusCode, Body: body}}
		default:
			body := readErrorBody(resp)
			drainAndClose(resp)
			return nil, &httpError{Status: resp.StatusCode, Body: body}
		}
	}

	return nil, &AuthError{Scope: scope, Reason: "registry kept answering 401 after token refresh"}
}

type transientClassifier struct{}

func (transientClassifier) Classify(err error) retrier.Action {
	if err == nil {
		return retrier.Succeed
	}
	var te *transientError
	if errors.As(err, &te) {
		return retrier.Retry
	}
	return retrier.Fail
}

func readErrorBody(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return strings.TrimSpace(string(body))
}

func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}

// normalizeEndpoint turns a configured endpoint into a base URL with a
// scheme and no trailing slash. docker.io aliases are mapped to the real
// registry host.
func normalizeEndpoint(endpoint string) string {
	e := strings.TrimSpace(endpoint)
	e = strings.TrimRight(e, "/")
	if !strings.HasPrefix(e, "http://") && !strings.HasPrefix(e, "https://") {
		e = "https://" + e
	}
	if u, err := url.Parse(e); err == nil {
		if u.Host == "docker.io" || u.Host == "index.docker.io" {
			u.Host = "registry-1.docker.io"
			e = strings.TrimRight(u.String(), "/")
		}
	}
	return e
}

// nextPageURL extracts the RFC 5988 Link header with rel="next" that the
// registry uses for catalog and tag pagination. Relative targets are
// resolved against the request URL.
func nextPageURL(header http.Header, requestURL string) string {
	for _, link := range header.Values("Link") {
		for _, part := range strings.Split(link, ",") {
			segments := strings.Split(part, ";")
			if len(segments) < 2 {
				continue
			}
			target := strings.Trim(strings.TrimSpace(segments[0]), "<>")
			isNext := false
			for _, param := range segments[1:] {
				param = strings.TrimSpace(param)
				if param == `rel="next"` || param == "rel=next" {
					isNext = true
					break
				}
			}
			if !isNext || target == "" {
				continue
			}
			base, err := url.Parse(requestURL)
			if err != nil {
				return target
			}
			ref, err := url.Parse(target)
			if err != nil {
				return target
			}
			return base.ResolveReference(ref).String()
		}
	}
	return ""
}

func parseContentLength(header http.Header, fallback int64) int64 {
	if v := header.Get("Content-Length"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}
