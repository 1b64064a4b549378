package collector

import (
	"fmt"
	"net/url"
	"strings"
)

// Query parameters that only track the visitor and never change the page.
var trackingParams = map[string]bool{
	"fbclid":  true,
	"gclid":   true,
	"mc_cid":  true,
	"mc_eid":  true,
	"ref_src": true,
}

// NormalizeUrl returns the dedup key of a url: scheme and host lower cased,
// default port, fragment and tracking parameters dropped, remaining query
// parameters sorted and the trailing slash of the path removed.
func NormalizeUrl(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", raw)
	}
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = host + ":" + port
	}
	u.Host = host
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil

	query := u.Query()
	for key := range query {
		if strings.HasPrefix(strings.ToLower(key), "utm_") || trackingParams[strings.ToLower(key)] {
			query.Del(key)
		}
	}
	// Encode sorts by key
	u.RawQuery = query.Encode()

	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	return u.String(), nil
}

// ResolveUrl resolves href against the page it was found on. Only http(s)
// results are returned.
func ResolveUrl(base, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	abs := b.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	return abs.String(), true
}

// DedupUrls normalizes urls, drops invalid ones and duplicates, keeping first
// occurrence order. limit <= 0 means no limit.
func DedupUrls(urls []string, limit int) []string {
	seen := map[string]bool{}
	res := []string{}
	for _, raw := range urls {
		key, err := NormalizeUrl(raw)
		if err != nil || seen[key] {
			continue
		}
		seen[key] = true
		res = append(res, key)
		if limit > 0 && len(res) >= limit {
			break
		}
	}
	return res
}
