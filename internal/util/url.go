package util

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrURLNotAllowed is returned for URLs outside the configured allowlist or
// with a non-HTTP scheme.
var ErrURLNotAllowed = errors.New("url not allowed")

// CheckURL parses rawURL and verifies it is http(s) and its host is one of
// allowed, or a subdomain of one. An empty allowlist permits any host.
func CheckURL(rawURL string, allowed []string) (*url.URL, error) {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL %s: %w", rawURL, err)
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, fmt.Errorf("%w: invalid scheme %q, only http and https allowed", ErrURLNotAllowed, parsedURL.Scheme)
	}

	if len(allowed) == 0 {
		return parsedURL, nil
	}

	hostname := strings.ToLower(parsedURL.Hostname())
	for _, domain := range allowed {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain == "" {
			continue
		}
		if hostname == domain || strings.HasSuffix(hostname, "."+domain) {
			return parsedURL, nil
		}
	}
	return nil, fmt.Errorf("%w: hostname %s is not in allowlist", ErrURLNotAllowed, hostname)
}
