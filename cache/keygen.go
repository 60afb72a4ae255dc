package cache

import (
	"crypto/md5"
	"fmt"
	"net/url"
	"strings"
)

// KeyFor builds the request key used by every store: the upper-cased method
// and the URL without its fragment.
func KeyFor(method, requestURL string) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = "GET"
	}

	u, err := url.Parse(requestURL)
	if err != nil {
		return method + " " + requestURL
	}
	u.Fragment = ""
	u.RawFragment = ""
	return method + " " + u.String()
}

// fileNameFor makes a store name safe for use as a filename
func fileNameFor(name string) string {
	replacements := map[string]string{
		"/":  "_",
		"\\": "_",
		":":  "_",
		"*":  "_",
		"?":  "_",
		"\"": "_",
		"<":  "_",
		">":  "_",
		"|":  "_",
		"#":  "_",
		"&":  "_",
		"=":  "_",
		" ":  "_",
	}

	result := name
	for old, repl := range replacements {
		result = strings.ReplaceAll(result, old, repl)
	}

	// Limit length and use hash for very long names
	if len(result) > 200 {
		hash := md5.Sum([]byte(name))
		result = fmt.Sprintf("long_%x", hash)
	}

	return result + ".json"
}
