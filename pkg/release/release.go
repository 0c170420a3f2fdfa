// Package release fetches release metadata and assets from GitHub.
package release

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/binary-install/binsync/pkg/httpclient"
	"github.com/google/go-github/v72/github"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// DefaultLowQuotaThreshold is the remaining API quota under which metadata
// requests are spaced out over the rest of the rate limit window.
const DefaultLowQuotaThreshold = 10

// Asset is a downloadable file attached to a release.
type Asset struct {
	Name string
	URL  string
	Size int64
}

// Release is a tagged release and its assets, in the order GitHub lists
// them.
type Release struct {
	Tag    string
	Assets []Asset
}

// AssetNames returns the names of all assets.
func (r *Release) AssetNames() []string {
	names := make([]string, len(r.Assets))
	for i, a := range r.Assets {
		names[i] = a.Name
	}
	return names
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at another API root, such as a GitHub
// Enterprise server or a test server.
func WithBaseURL(base string) Option {
	return func(c *Client) {
		if base != "" {
			c.baseURL = base
		}
	}
}

// WithHTTPClient sets the HTTP client used for API calls and downloads.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithLowQuotaThreshold sets the remaining quota under which requests are
// throttled. Zero disables throttling until the quota is exhausted.
func WithLowQuotaThreshold(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.lowQuota = n
		}
	}
}

// Client talks to the GitHub releases API. It is safe for concurrent use.
//
// The client never retries on its own; transient failures are reported
// as *RateLimitedError or *NetworkError for the caller to act on.
type Client struct {
	baseURL    string
	httpClient *http.Client
	lowQuota   int
	gh         *github.Client

	mu        sync.Mutex
	quotaSeen bool
	remaining int
	reset     time.Time
	limiter   *rate.Limiter
}

// NewClient creates a release client. A non-empty token authenticates
// API calls and raises the rate limit.
func NewClient(token string, opts ...Option) (*Client, error) {
	c := &Client{lowQuota: DefaultLowQuotaThreshold}
	for _, opt := range opts {
		opt(c)
	}

	var apiHost string
	var baseURL *url.URL
	if c.baseURL != "" {
		u, err := url.Parse(c.baseURL)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid API base URL %q", c.baseURL)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid API base URL %q: scheme and host are required", c.baseURL)
		}
		if !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
		baseURL = u
		apiHost = u.Hostname()
	}
	if c.httpClient == nil {
		c.httpClient = httpclient.NewGitHubClient(token, apiHost)
	}

	c.gh = github.NewClient(c.httpClient)
	c.gh.UserAgent = httpclient.UserAgent
	if baseURL != nil {
		c.gh.BaseURL = baseURL
	}
	return c, nil
}

// FetchLatestRelease returns the newest published release. Repositories
// that only publish pre-releases fall back to the most recent release in
// the listing.
func (c *Client) FetchLatestRelease(ctx context.Context, owner, repo string) (*Release, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	rel, resp, err := c.gh.Repositories.GetLatestRelease(ctx, owner, repo)
	c.observe(resp)
	if err == nil {
		return convert(rel), nil
	}

	what := fmt.Sprintf("latest release of %s/%s", owner, repo)
	classified := classify(ctx, err, resp, what)
	var nf *NotFoundError
	if !errors.As(classified, &nf) {
		return nil, classified
	}

	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	releases, resp, err := c.gh.Repositories.ListReleases(ctx, owner, repo, &github.ListOptions{PerPage: 1})
	c.observe(resp)
	if err != nil {
		return nil, classify(ctx, err, resp, what)
	}
	if len(releases) == 0 {
		return nil, &NotFoundError{What: what}
	}
	return convert(releases[0]), nil
}

// FetchReleaseByTag returns the release with the given tag.
func (c *Client) FetchReleaseByTag(ctx context.Context, owner, repo, tag string) (*Release, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	rel, resp, err := c.gh.Repositories.GetReleaseByTag(ctx, owner, repo, tag)
	c.observe(resp)
	if err != nil {
		return nil, classify(ctx, err, resp, fmt.Sprintf("release %s of %s/%s", tag, owner, repo))
	}
	return convert(rel), nil
}

// DownloadAsset starts downloading an asset and returns its body. The
// caller must close it.
func (c *Client) DownloadAsset(ctx context.Context, asset Asset) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset.URL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Accept", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &NetworkError{Op: "download " + asset.Name, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(resp, "asset "+asset.Name)
	}
	return resp.Body, nil
}

// Quota returns the last API rate limit state seen, if any.
func (c *Client) Quota() (remaining int, reset time.Time, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining, c.reset, c.quotaSeen
}

func (c *Client) observe(resp *github.Response) {
	if resp == nil || resp.Rate.Limit == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotaSeen = true
	c.remaining = resp.Rate.Remaining
	c.reset = resp.Rate.Reset.Time
}

// wait blocks while the remaining quota is low so that the rest of the
// quota is spread evenly until the window resets. An exhausted quota is
// reported immediately.
func (c *Client) wait(ctx context.Context) error {
	c.mu.Lock()
	if !c.quotaSeen || c.remaining > c.lowQuota {
		c.mu.Unlock()
		return nil
	}
	untilReset := time.Until(c.reset)
	if untilReset <= 0 {
		c.mu.Unlock()
		return nil
	}
	if c.remaining == 0 {
		c.mu.Unlock()
		return &RateLimitedError{RetryAfter: untilReset}
	}
	limit := rate.Every(untilReset / time.Duration(c.remaining))
	if c.limiter == nil {
		c.limiter = rate.NewLimiter(limit, 1)
	} else {
		c.limiter.SetLimit(limit)
	}
	lim := c.limiter
	c.mu.Unlock()

	return lim.Wait(ctx)
}

func convert(rel *github.RepositoryRelease) *Release {
	r := &Release{Tag: rel.GetTagName()}
	for _, a := range rel.Assets {
		r.Assets = append(r.Assets, Asset{
			Name: a.GetName(),
			URL:  a.GetBrowserDownloadURL(),
			Size: int64(a.GetSize()),
		})
	}
	return r
}
