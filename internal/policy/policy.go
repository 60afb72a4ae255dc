// Package policy maps requests to caching policy classes
package policy

import (
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Class is the caching strategy category assigned to a request
type Class string

const (
	NetworkOnly Class = "network-only"
	Static      Class = "static"
	Dynamic     Class = "dynamic"
	Fallback    Class = "fallback"
)

// Rules configure the classifier. Prefixes match either the full URL or
// its path; static assets match the path exactly (or the full URL).
type Rules struct {
	NetworkOnlyPrefixes []string `yaml:"network_only"`
	StaticAssets        []string `yaml:"static_assets"`
	StaticSuffixes      []string `yaml:"static_suffixes"`
	DynamicPrefixes     []string `yaml:"dynamic_prefixes"`
}

// DefaultRules returns the rules used when no manifest is configured
func DefaultRules() Rules {
	return Rules{
		NetworkOnlyPrefixes: []string{"/api/auth", "/api/payments", "/api/analytics"},
		StaticAssets: []string{
			"/",
			"/index.html",
			"/offline.html",
			"/manifest.json",
		},
		StaticSuffixes:  []string{".js", ".css", ".json"},
		DynamicPrefixes: []string{"/api/", "/questions"},
	}
}

// Classifier is a pure function of its rules
type Classifier struct {
	rules Rules
}

// New creates a classifier for r
func New(r Rules) *Classifier {
	return &Classifier{rules: r}
}

// Rules returns the configured rules
func (c *Classifier) Rules() Rules {
	return c.rules
}

// Classify returns the policy class for a request. It is total: inputs that
// match nothing (including unparsable URLs) classify as Fallback.
func (c *Classifier) Classify(method, rawURL string) Class {
	if !cacheableMethod(method) {
		return NetworkOnly
	}

	full, p := split(rawURL)

	if matchPrefix(c.rules.NetworkOnlyPrefixes, full, p) {
		return NetworkOnly
	}

	for _, asset := range c.rules.StaticAssets {
		if asset == p || asset == full {
			return Static
		}
	}
	ext := strings.ToLower(path.Ext(p))
	for _, suffix := range c.rules.StaticSuffixes {
		if ext != "" && ext == strings.ToLower(suffix) {
			return Static
		}
	}

	if matchPrefix(c.rules.DynamicPrefixes, full, p) {
		return Dynamic
	}

	return Fallback
}

// Intercepted reports whether the proxy handles rawURL at all. Anything
// that is not http(s) bypasses the strategy layer.
func Intercepted(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

func cacheableMethod(method string) bool {
	switch strings.ToUpper(method) {
	case "", http.MethodGet, http.MethodHead:
		return true
	default:
		return false
	}
}

// split returns the URL without fragment and its path
func split(rawURL string) (string, string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL, rawURL
	}
	u.Fragment = ""
	p := u.Path
	if p == "" {
		p = "/"
	}
	return u.String(), p
}

func matchPrefix(prefixes []string, full, p string) bool {
	for _, prefix := range prefixes {
		if prefix == "" {
			continue
		}
		if strings.HasPrefix(full, prefix) || strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}
