package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/briangreenhill/offlinecache/internal/network"
)

// HTTPVersionSource reads the latest version from url. The body is either
// {"version": "..."} or the bare version string.
func HTTPVersionSource(client network.Client, url string) VersionSource {
	return VersionFunc(func(ctx context.Context) (string, error) {
		header := http.Header{}
		header.Set("Cache-Control", "no-cache")
		resp, err := client.Do(ctx, &network.Request{Method: http.MethodGet, URL: url, Header: header})
		if err != nil {
			return "", fmt.Errorf("fetch version: %w", err)
		}
		if !resp.OK() {
			return "", fmt.Errorf("fetch version: status %d", resp.Status)
		}

		var doc struct {
			Version string `json:"version"`
		}
		if err := json.Unmarshal(resp.Body, &doc); err == nil {
			return strings.TrimSpace(doc.Version), nil
		}
		return strings.TrimSpace(string(resp.Body)), nil
	})
}
