package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// HeaderControlToken carries the control token when Authorization is taken
const HeaderControlToken = "X-Control-Token"

// RequireControlToken rejects requests that do not present token, either as
// a bearer token or in X-Control-Token. An empty token disables the check.
func RequireControlToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			if subtle.ConstantTimeCompare([]byte(presented(r)), []byte(token)) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="offlinecache"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func presented(r *http.Request) string {
	if t := r.Header.Get(HeaderControlToken); t != "" {
		return t
	}
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
