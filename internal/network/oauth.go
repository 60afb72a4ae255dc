package network

import (
	"context"
	"time"

	"golang.org/x/oauth2/clientcredentials"
)

// ClientCredentials returns an HTTPClient that authenticates every call with
// a token from the OAuth2 client-credentials grant. Tokens are cached and
// refreshed by the oauth2 transport.
func ClientCredentials(cfg *clientcredentials.Config, timeout time.Duration, opts ...Option) *HTTPClient {
	h := cfg.Client(context.Background())
	h.Timeout = timeout
	return NewHTTPClient(append([]Option{WithHTTPClient(h)}, opts...)...)
}
