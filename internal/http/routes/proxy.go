package routes

import (
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/rs/zerolog/hlog"

	"github.com/briangreenhill/offlinecache/internal/network"
)

// hop-by-hop headers are not forwarded in either direction
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// handleProxy answers every non-control request through the cache service
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	target := s.Upstream.ResolveReference(&url.URL{Path: r.URL.Path, RawPath: r.URL.RawPath, RawQuery: r.URL.RawQuery})
	header := r.Header.Clone()
	stripHop(header)
	header.Del("Accept-Encoding")

	req := &network.Request{Method: r.Method, URL: target.String(), Header: header, Body: body}
	resp, intercepted := s.Svc.Fetch(r.Context(), req)
	if !intercepted || resp == nil {
		hlog.FromRequest(r).Warn().Str("url", req.URL).Msg("proxy: request not intercepted")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	out := w.Header()
	for k, vs := range resp.Header {
		out[k] = append([]string(nil), vs...)
	}
	stripHop(out)
	out.Del("Content-Encoding")
	out.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(resp.Status)

	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(resp.Body); err != nil {
		hlog.FromRequest(r).Debug().Err(err).Msg("proxy: write response")
	}
}

func stripHop(h http.Header) {
	for _, k := range hopHeaders {
		h.Del(k)
	}
}
