// Package handlers implements the proxy entry point and the forwarding
// engine: route selection, request rewriting, the upstream call, response
// streaming or buffered masking, and the upstream error taxonomy.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"

	"spg/app"
	"spg/config"
	"spg/logging"
	"spg/masking"
	"spg/matcher"
	"spg/metrics"
	"spg/middlewares"
	"spg/writer"
)

const (
	headerXRequestID    = "X-Request-Id"
	headerContentType   = "Content-Type"
	headerContentLength = "Content-Length"
	contentTypeJSON     = "application/json"
)

// errorBody is the unified error payload for every proxy-level failure.
type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id"`
	Path      string `json:"path"`
}

// ProxyEntry returns the catch-all handler for proxied traffic. Each
// request triggers the mtime reload check, reads the active config
// snapshot once, selects a route, and forwards. Unexpected faults are
// caught here and mapped to 502 with the request id.
func ProxyEntry(a *app.App, limiter *middlewares.RateLimiter) http.HandlerFunc {
	logger := logging.ForModule(a.Logger, "engine")
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := requestIDFor(r)
		lrw := writer.NewResponseWriter(w)

		defer func() {
			if rec := recover(); rec != nil {
				logger.Warn("Request handler fault",
					slog.String("request_id", requestID),
					slog.Any("error", rec),
				)
				if lrw.StatusCode == 0 {
					sendError(lrw, http.StatusBadGateway, "Bad Gateway", requestID, r.URL.Path)
				}
			}
			metrics.RecordRequest(r.Method, r.URL.Path, lrw.StatusCode, time.Since(start).Seconds())
			metrics.RecordDataTransferred("outbound", lrw.BytesWritten)
		}()

		a.MaybeReload()
		cfg := a.Config()

		route, hasPathMatch := matcher.Match(r.URL.Path, r.Method, cfg.Routes)
		if !hasPathMatch {
			sendError(lrw, http.StatusNotFound, "Route Not Found", requestID, r.URL.Path)
			return
		}
		if route == nil {
			sendError(lrw, http.StatusMethodNotAllowed, "Method Not Allowed", requestID, r.URL.Path)
			return
		}

		if !limiter.Allow(route.Name, middlewares.ClientIP(r), route.RateLimiting) {
			sendError(lrw, http.StatusTooManyRequests, "Too Many Requests", requestID, r.URL.Path)
			return
		}

		forward(a, logger, lrw, r, route, cfg, requestID)
	}
}

// forward rewrites the request per the route's rules, performs the upstream
// call with the shared client, and hands the response to processResponse.
func forward(a *app.App, logger *slog.Logger, w http.ResponseWriter, r *http.Request, route *config.Route, cfg *config.SystemConfig, requestID string) {
	upstreamURL := buildUpstreamURL(r.URL.Path, route)

	params := mergeParams(parseQueryPairs(r.URL.RawQuery), route.RequestRules)
	if encoded := encodeQueryPairs(params); encoded != "" {
		upstreamURL += "?" + encoded
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Warn("Failed to read request body",
			slog.String("request_id", requestID),
			slog.String("route_name", route.Name),
		)
		sendError(w, http.StatusBadGateway, "Bad Gateway", requestID, r.URL.Path)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL, bytes.NewReader(body))
	if err != nil {
		logger.Warn("Invalid upstream request",
			slog.String("request_id", requestID),
			slog.String("route_name", route.Name),
			slog.Any("error", err),
		)
		sendError(w, http.StatusBadGateway, "Bad Gateway", requestID, r.URL.Path)
		return
	}
	req.Header = cleanHeaders(r.Header, cfg.Proxy.StripHeaders, route.RequestRules.AddHeaders)
	req.ContentLength = int64(len(body))

	start := time.Now()
	resp, err := a.Client().Do(req)
	if err != nil {
		status, message, class := classifyUpstreamError(err)
		logger.Warn(class,
			slog.String("request_id", requestID),
			slog.String("route_name", route.Name),
		)
		sendError(w, status, message, requestID, r.URL.Path)
		return
	}
	defer resp.Body.Close()

	upstreamSeconds := time.Since(start).Seconds()
	metrics.RecordUpstream(route.Name, upstreamSeconds)
	metrics.RecordDataTransferred("inbound", int64(len(body)))

	logger.Info("Request forwarded",
		slog.String("request_id", requestID),
		slog.String("route_name", route.Name),
		slog.Int("upstream_ms", int(upstreamSeconds*1000)),
		slog.Int("status_code", resp.StatusCode),
		slog.String("method", strings.ToUpper(r.Method)),
		slog.String("path", r.URL.Path),
	)

	processResponse(w, resp, route, cfg, requestID, r.URL.Path, logger)
}

// processResponse either streams the upstream body through untouched or
// buffers it for masking. Bodies stream when the content type is not
// maskable or the upstream declared a length above the response size
// ceiling; everything else is read fully, masked, and re-sent without the
// now-stale Content-Length.
func processResponse(w http.ResponseWriter, resp *http.Response, route *config.Route, cfg *config.SystemConfig, requestID, path string, logger *slog.Logger) {
	contentType := bareContentType(resp.Header.Get(headerContentType))
	declaredLength := resp.ContentLength

	tooLarge := declaredLength > 0 && declaredLength > cfg.Proxy.MaxResponseSize
	if !masking.IsMaskable(contentType) || tooLarge {
		copyHeaders(w.Header(), resp.Header)
		w.Header().Set(headerXRequestID, requestID)
		w.WriteHeader(resp.StatusCode)
		if _, err := io.Copy(w, resp.Body); err != nil {
			// Client gone or upstream cut off mid-stream; the deferred
			// close in forward releases the upstream connection.
			logger.Warn("Streaming aborted",
				slog.String("request_id", requestID),
				slog.String("route_name", route.Name),
			)
		}
		return
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Warn("Upstream read error",
			slog.String("request_id", requestID),
			slog.String("route_name", route.Name),
		)
		sendError(w, http.StatusBadGateway, "Bad Gateway", requestID, path)
		return
	}

	// Decode per the upstream declared charset (UTF-8 by default) so the
	// mask regexes see text, not mis-decoded bytes, then re-encode in the
	// same charset for the client.
	enc := charsetEncoding(resp.Header.Get(headerContentType))
	text := string(raw)
	if enc != nil {
		decoded, derr := enc.NewDecoder().Bytes(raw)
		if derr != nil {
			enc = nil // undecodable; treat the body byte-for-byte
		} else {
			text = string(decoded)
		}
	}

	masked := masking.Apply(text, route.ResponseRules.MaskRegex)

	out := []byte(masked)
	if enc != nil {
		if encoded, eerr := enc.NewEncoder().Bytes(out); eerr == nil {
			out = encoded
		}
	}

	copyHeaders(w.Header(), resp.Header)
	w.Header().Del(headerContentLength) // stale after masking
	w.Header().Set(headerXRequestID, requestID)
	w.WriteHeader(resp.StatusCode)
	w.Write(out)
}

// buildUpstreamURL joins the route target with the request path suffix
// beyond the matched prefix. The target keeps any path component it
// declares; one trailing slash is stripped before concatenation.
func buildUpstreamURL(path string, route *config.Route) string {
	suffix := path
	if strings.HasPrefix(path, route.Path) {
		suffix = path[len(route.Path):]
	}
	if suffix == "" {
		suffix = "/"
	} else if !strings.HasPrefix(suffix, "/") {
		suffix = "/" + suffix
	}
	return strings.TrimSuffix(route.Target, "/") + suffix
}

// parseQueryPairs splits a raw query into ordered key/value pairs,
// preserving multi-valued keys in arrival order. url.Values would collapse
// the ordering, which the merge rules depend on.
func parseQueryPairs(rawQuery string) [][2]string {
	if rawQuery == "" {
		return nil
	}
	var pairs [][2]string
	for _, segment := range strings.Split(rawQuery, "&") {
		if segment == "" {
			continue
		}
		key, value, _ := strings.Cut(segment, "=")
		if k, err := url.QueryUnescape(key); err == nil {
			key = k
		}
		if v, err := url.QueryUnescape(value); err == nil {
			value = v
		}
		pairs = append(pairs, [2]string{key, value})
	}
	return pairs
}

// mergeParams applies the request rules to the incoming pairs: deleted keys
// vanish, keys being added are replaced by the configured value, and the
// configured additions append afterwards unless deleted. Order within each
// category is preserved.
func mergeParams(incoming [][2]string, rules config.RequestRules) [][2]string {
	delKeys := make(map[string]bool, len(rules.DelParams))
	for _, key := range rules.DelParams {
		delKeys[key] = true
	}

	merged := make([][2]string, 0, len(incoming)+len(rules.AddParams))
	for _, pair := range incoming {
		if delKeys[pair[0]] {
			continue
		}
		if _, overridden := rules.AddParams[pair[0]]; overridden {
			continue
		}
		merged = append(merged, pair)
	}
	for _, key := range sortedKeys(rules.AddParams) {
		if delKeys[key] {
			continue
		}
		merged = append(merged, [2]string{key, rules.AddParams[key]})
	}
	return merged
}

func encodeQueryPairs(pairs [][2]string) string {
	var b strings.Builder
	for i, pair := range pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(pair[0]))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(pair[1]))
	}
	return b.String()
}

// cleanHeaders copies the incoming headers minus the strip list (compared
// case-insensitively), then sets each configured addition.
func cleanHeaders(in http.Header, stripList []string, addHeaders map[string]string) http.Header {
	stripped := make(map[string]bool, len(stripList))
	for _, name := range stripList {
		stripped[strings.ToLower(name)] = true
	}

	out := make(http.Header, len(in))
	for name, values := range in {
		if stripped[strings.ToLower(name)] {
			continue
		}
		out[name] = append([]string(nil), values...)
	}
	for _, name := range sortedKeys(addHeaders) {
		out.Set(name, addHeaders[name])
	}
	return out
}

// classifyUpstreamError maps a transport failure to its HTTP status:
// timeouts become 504, everything else 502.
func classifyUpstreamError(err error) (status int, message, class string) {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return http.StatusGatewayTimeout, "Gateway Timeout", "Upstream timeout"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, "Gateway Timeout", "Upstream timeout"
	}
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		return http.StatusBadGateway, "Bad Gateway", "Upstream connection failed"
	}
	return http.StatusBadGateway, "Bad Gateway", "Upstream HTTP error"
}

// requestIDFor derives the correlation id: the incoming X-Request-Id when
// present, otherwise the first 8 characters of a fresh v4 UUID.
func requestIDFor(r *http.Request) string {
	if id := r.Header.Get(headerXRequestID); id != "" {
		return id
	}
	return uuid.NewString()[:8]
}

// sendError writes the unified JSON error body with the request id echoed
// in both the payload and the response header.
func sendError(w http.ResponseWriter, status int, message, requestID, path string) {
	payload, err := json.Marshal(errorBody{
		Error:     message,
		RequestID: requestID,
		Path:      path,
	})
	if err != nil {
		http.Error(w, message, status)
		return
	}
	w.Header().Set(headerContentType, contentTypeJSON)
	w.Header().Set(headerXRequestID, requestID)
	w.WriteHeader(status)
	w.Write(payload)
}

// bareContentType lowers the media type and drops any parameters; the
// charset parameter is read separately by charsetEncoding.
func bareContentType(header string) string {
	ct, _, _ := strings.Cut(header, ";")
	return strings.ToLower(strings.TrimSpace(ct))
}

// charsetEncoding resolves the charset parameter of a Content-Type header
// to a transcoder. An absent, unknown, or UTF-8 charset returns nil, which
// means the body is used byte-for-byte.
func charsetEncoding(header string) encoding.Encoding {
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return nil
	}
	charset := strings.ToLower(strings.TrimSpace(params["charset"]))
	if charset == "" || charset == "utf-8" || charset == "utf8" {
		return nil
	}
	enc, err := htmlindex.Get(charset)
	if err != nil || enc == unicode.UTF8 {
		return nil
	}
	return enc
}

func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		dst[name] = append([]string(nil), values...)
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	// Deterministic rewrite output; Go map iteration order is random.
	sort.Strings(keys)
	return keys
}
