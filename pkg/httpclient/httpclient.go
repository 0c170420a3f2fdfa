package httpclient

import (
	"net/http"
	"strings"
)

// UserAgent is sent with every request that does not already carry one.
const UserAgent = "binsync (+https://github.com/binary-install/binsync)"

// NewGitHubClient creates an HTTP client for GitHub API and release
// download requests. A non-empty token is sent as a bearer credential, but
// only to GitHub hosts and to the hosts named in extraHosts (for example a
// GitHub Enterprise API host).
func NewGitHubClient(token string, extraHosts ...string) *http.Client {
	hosts := make(map[string]bool, len(extraHosts))
	for _, h := range extraHosts {
		if h != "" {
			hosts[strings.ToLower(h)] = true
		}
	}
	return &http.Client{
		Transport: &gitHubTransport{
			Base:       http.DefaultTransport,
			token:      token,
			extraHosts: hosts,
		},
	}
}

// gitHubTransport is a custom RoundTripper that adds GitHub authentication
type gitHubTransport struct {
	Base       http.RoundTripper
	token      string
	extraHosts map[string]bool
}

// RoundTrip implements the http.RoundTripper interface
func (t *gitHubTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone the request to avoid modifying the original
	req2 := req.Clone(req.Context())

	if req2.Header.Get("User-Agent") == "" {
		req2.Header.Set("User-Agent", UserAgent)
	}
	if t.token != "" && req2.Header.Get("Authorization") == "" && t.authorized(req2.URL.Hostname()) {
		req2.Header.Set("Authorization", "Bearer "+t.token)
	}

	return t.Base.RoundTrip(req2)
}

func (t *gitHubTransport) authorized(host string) bool {
	host = strings.ToLower(host)
	return IsGitHubHost(host) || t.extraHosts[host]
}

// IsGitHubHost reports whether host is github.com or its API host.
// Asset redirects to githubusercontent.com use signed URLs and must not
// receive the token.
func IsGitHubHost(host string) bool {
	switch strings.ToLower(host) {
	case "github.com", "api.github.com", "uploads.github.com":
		return true
	}
	return false
}
