package handlers_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spg/app"
	"spg/config"
	"spg/handlers"
	"spg/middlewares"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newProxy builds the full proxy entry handler over cfg with a config path
// that does not exist, so the reload check is a no-op.
func newProxy(t *testing.T, cfg *config.SystemConfig) http.HandlerFunc {
	t.Helper()
	require.NoError(t, cfg.Validate())
	a := app.New(filepath.Join(t.TempDir(), "config.yaml"), cfg, config.FormatYAML, testLogger())
	t.Cleanup(a.Shutdown)
	limiter := middlewares.NewRateLimiter(nil, testLogger())
	return handlers.ProxyEntry(a, limiter)
}

// echoPayload is what the echo upstream reports back about the request it
// received.
type echoPayload struct {
	Method   string              `json:"method"`
	Path     string              `json:"path"`
	RawQuery string              `json:"raw_query"`
	Headers  map[string][]string `json:"headers"`
	Body     string              `json:"body"`
}

func echoUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		payload := echoPayload{
			Method:   r.Method,
			Path:     r.URL.Path,
			RawQuery: r.URL.RawQuery,
			Headers:  r.Header,
			Body:     string(body),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(payload)
	}))
	t.Cleanup(server.Close)
	return server
}

func decodeEcho(t *testing.T, rec *httptest.ResponseRecorder) echoPayload {
	t.Helper()
	var payload echoPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	return payload
}

func baseConfig(route config.Route) *config.SystemConfig {
	cfg := config.Default()
	cfg.Routes = []config.Route{route}
	return cfg
}

// TestForwardStripsRoutePrefix verifies suffix construction and basic
// forwarding.
func TestForwardStripsRoutePrefix(t *testing.T) {
	upstream := echoUpstream(t)
	proxy := newProxy(t, baseConfig(config.Route{Name: "api", Path: "/api", Target: upstream.URL}))

	rec := httptest.NewRecorder()
	proxy(rec, httptest.NewRequest("GET", "/api/users/1", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	echo := decodeEcho(t, rec)
	assert.Equal(t, "GET", echo.Method)
	assert.Equal(t, "/users/1", echo.Path)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

// TestForwardRootSuffix verifies an exact prefix hit forwards to /.
func TestForwardRootSuffix(t *testing.T) {
	upstream := echoUpstream(t)
	proxy := newProxy(t, baseConfig(config.Route{Name: "api", Path: "/api", Target: upstream.URL + "/"}))

	rec := httptest.NewRecorder()
	proxy(rec, httptest.NewRequest("GET", "/api", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/", decodeEcho(t, rec).Path)
}

// TestRequestIDPropagation verifies the incoming id is reused end to end.
func TestRequestIDPropagation(t *testing.T) {
	upstream := echoUpstream(t)
	proxy := newProxy(t, baseConfig(config.Route{Name: "api", Path: "/api", Target: upstream.URL}))

	req := httptest.NewRequest("GET", "/api/x", nil)
	req.Header.Set("X-Request-Id", "abc12345")
	rec := httptest.NewRecorder()
	proxy(rec, req)

	assert.Equal(t, "abc12345", rec.Header().Get("X-Request-Id"))
	echo := decodeEcho(t, rec)
	assert.Equal(t, []string{"abc12345"}, echo.Headers["X-Request-Id"])
}

// TestParamMerge verifies del/add interaction and multi-value ordering.
func TestParamMerge(t *testing.T) {
	upstream := echoUpstream(t)
	route := config.Route{
		Name:   "api",
		Path:   "/api",
		Target: upstream.URL,
		RequestRules: config.RequestRules{
			AddParams: map[string]string{"token": "secret"},
			DelParams: []string{"drop"},
		},
	}
	proxy := newProxy(t, baseConfig(route))

	rec := httptest.NewRecorder()
	proxy(rec, httptest.NewRequest("GET", "/api/x?keep=1&drop=2&token=client&keep=3", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "keep=1&keep=3&token=secret", decodeEcho(t, rec).RawQuery)
}

// TestDelWinsOverAdd verifies a key present in both del_params and
// add_params is suppressed entirely.
func TestDelWinsOverAdd(t *testing.T) {
	upstream := echoUpstream(t)
	route := config.Route{
		Name:   "api",
		Path:   "/api",
		Target: upstream.URL,
		RequestRules: config.RequestRules{
			AddParams: map[string]string{"both": "added"},
			DelParams: []string{"both"},
		},
	}
	proxy := newProxy(t, baseConfig(route))

	rec := httptest.NewRecorder()
	proxy(rec, httptest.NewRequest("GET", "/api/x?both=incoming", nil))

	assert.Equal(t, "", decodeEcho(t, rec).RawQuery)
}

// TestHeaderRules verifies case-insensitive stripping and additions.
func TestHeaderRules(t *testing.T) {
	upstream := echoUpstream(t)
	route := config.Route{
		Name:   "api",
		Path:   "/api",
		Target: upstream.URL,
		RequestRules: config.RequestRules{
			AddHeaders: map[string]string{"X-Api-Key": "k-123"},
		},
	}
	proxy := newProxy(t, baseConfig(route))

	req := httptest.NewRequest("GET", "/api/x", nil)
	req.Header.Set("PROXY-AUTHORIZATION", "leak")
	req.Header.Set("X-Custom", "pass")
	rec := httptest.NewRecorder()
	proxy(rec, req)

	echo := decodeEcho(t, rec)
	for name := range echo.Headers {
		assert.NotEqual(t, "proxy-authorization", strings.ToLower(name))
	}
	assert.Equal(t, []string{"k-123"}, echo.Headers["X-Api-Key"])
	assert.Equal(t, []string{"pass"}, echo.Headers["X-Custom"])
}

// TestMaskingAppliedToJSON verifies the buffered masking path and the
// Content-Length removal.
func TestMaskingAppliedToJSON(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Write([]byte(`{"msg":"Phone: 13812345678"}`))
	}))
	t.Cleanup(upstream.Close)

	route := config.Route{
		Name:   "api",
		Path:   "/api",
		Target: upstream.URL,
		ResponseRules: config.ResponseRules{
			MaskRegex: []config.MaskRule{{Pattern: `(\d{3})\d{4}(\d{4})`, Replacement: "$1****$2"}},
		},
	}
	proxy := newProxy(t, baseConfig(route))

	rec := httptest.NewRecorder()
	proxy(rec, httptest.NewRequest("GET", "/api/x", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"msg":"Phone: 138****5678"}`, rec.Body.String())
	assert.Empty(t, rec.Header().Get("Content-Length"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

// TestMaskingRespectsDeclaredCharset verifies a non-UTF-8 body is decoded
// per the upstream charset before masking and re-encoded after, so
// extended characters survive and the mask still matches.
func TestMaskingRespectsDeclaredCharset(t *testing.T) {
	latin1Body := []byte("caf\xe9 tel 13812345678") // é as ISO-8859-1 0xE9
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=ISO-8859-1")
		w.Write(latin1Body)
	}))
	t.Cleanup(upstream.Close)

	route := config.Route{
		Name:   "api",
		Path:   "/api",
		Target: upstream.URL,
		ResponseRules: config.ResponseRules{
			MaskRegex: []config.MaskRule{{Pattern: `(\d{3})\d{4}(\d{4})`, Replacement: "$1****$2"}},
		},
	}
	proxy := newProxy(t, baseConfig(route))

	rec := httptest.NewRecorder()
	proxy(rec, httptest.NewRequest("GET", "/api/x", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []byte("caf\xe9 tel 138****5678"), rec.Body.Bytes())
	assert.Contains(t, rec.Header().Get("Content-Type"), "ISO-8859-1")
}

// TestNonMaskableStreamsThrough verifies binary media bypasses masking.
func TestNonMaskableStreamsThrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write([]byte("Phone: 13812345678"))
	}))
	t.Cleanup(upstream.Close)

	route := config.Route{
		Name:   "api",
		Path:   "/api",
		Target: upstream.URL,
		ResponseRules: config.ResponseRules{
			MaskRegex: []config.MaskRule{{Pattern: `\d+`, Replacement: "X"}},
		},
	}
	proxy := newProxy(t, baseConfig(route))

	rec := httptest.NewRecorder()
	proxy(rec, httptest.NewRequest("GET", "/api/blob", nil))

	assert.Equal(t, "Phone: 13812345678", rec.Body.String())
}

// TestOversizeDeclaredLengthStreams verifies that a declared Content-Length
// above the ceiling skips buffering even for maskable types.
func TestOversizeDeclaredLengthStreams(t *testing.T) {
	body := strings.Repeat("13812345678 ", 10)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(body))
	}))
	t.Cleanup(upstream.Close)

	route := config.Route{
		Name:   "api",
		Path:   "/api",
		Target: upstream.URL,
		ResponseRules: config.ResponseRules{
			MaskRegex: []config.MaskRule{{Pattern: `\d+`, Replacement: "X"}},
		},
	}
	cfg := baseConfig(route)
	cfg.Proxy.MaxResponseSize = 16
	proxy := newProxy(t, cfg)

	rec := httptest.NewRecorder()
	proxy(rec, httptest.NewRequest("GET", "/api/big", nil))

	assert.Equal(t, body, rec.Body.String())
}

// TestNotFound verifies the 404 control path and the unified error body.
func TestNotFound(t *testing.T) {
	proxy := newProxy(t, baseConfig(config.Route{Name: "api", Path: "/api", Target: "http://backend"}))

	rec := httptest.NewRecorder()
	proxy(rec, httptest.NewRequest("GET", "/elsewhere", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Route Not Found", body["error"])
	assert.Equal(t, "/elsewhere", body["path"])
	assert.NotEmpty(t, body["request_id"])
	assert.Equal(t, body["request_id"], rec.Header().Get("X-Request-Id"))
}

// TestMethodNotAllowed verifies the 405 control path.
func TestMethodNotAllowed(t *testing.T) {
	proxy := newProxy(t, baseConfig(config.Route{Name: "orders", Path: "/api/orders", Target: "http://backend", Method: "GET"}))

	rec := httptest.NewRecorder()
	proxy(rec, httptest.NewRequest("POST", "/api/orders", nil))

	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Method Not Allowed", body["error"])
}

// TestUpstreamDown verifies the 502 mapping for a refused connection.
func TestUpstreamDown(t *testing.T) {
	proxy := newProxy(t, baseConfig(config.Route{Name: "down", Path: "/api", Target: "http://127.0.0.1:1"}))

	rec := httptest.NewRecorder()
	proxy(rec, httptest.NewRequest("GET", "/api/x", nil))

	require.Equal(t, http.StatusBadGateway, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Bad Gateway", body["error"])
	assert.Equal(t, "/api/x", body["path"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

// TestUpstreamTimeout verifies the 504 mapping when the upstream exceeds
// the read timeout.
func TestUpstreamTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	t.Cleanup(upstream.Close)

	cfg := baseConfig(config.Route{Name: "slow", Path: "/api", Target: upstream.URL})
	cfg.Proxy.Timeout.Read = 0.05
	proxy := newProxy(t, cfg)

	rec := httptest.NewRecorder()
	proxy(rec, httptest.NewRequest("GET", "/api/x", nil))

	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Gateway Timeout", body["error"])
}

// TestRedirectPassthrough verifies 3xx responses are not followed.
func TestRedirectPassthrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://elsewhere.invalid/login", http.StatusFound)
	}))
	t.Cleanup(upstream.Close)

	proxy := newProxy(t, baseConfig(config.Route{Name: "api", Path: "/api", Target: upstream.URL}))

	rec := httptest.NewRecorder()
	proxy(rec, httptest.NewRequest("GET", "/api/x", nil))

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "http://elsewhere.invalid/login", rec.Header().Get("Location"))
}

// TestBodyForwarded verifies the request body reaches the upstream intact.
func TestBodyForwarded(t *testing.T) {
	upstream := echoUpstream(t)
	proxy := newProxy(t, baseConfig(config.Route{Name: "api", Path: "/api", Target: upstream.URL}))

	req := httptest.NewRequest("POST", "/api/items", strings.NewReader(`{"k":"v"}`))
	rec := httptest.NewRecorder()
	proxy(rec, req)

	echo := decodeEcho(t, rec)
	assert.Equal(t, "POST", echo.Method)
	assert.Equal(t, `{"k":"v"}`, echo.Body)
}

// TestRateLimitedRoute verifies 429 beyond the per-route budget.
func TestRateLimitedRoute(t *testing.T) {
	upstream := echoUpstream(t)
	route := config.Route{
		Name:   "limited",
		Path:   "/api",
		Target: upstream.URL,
		RateLimiting: config.RateLimiting{
			Enabled:           true,
			RequestsPerSecond: 1,
			Burst:             1,
		},
	}
	proxy := newProxy(t, baseConfig(route))

	first := httptest.NewRecorder()
	proxy(first, httptest.NewRequest("GET", "/api/x", nil))
	require.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	proxy(second, httptest.NewRequest("GET", "/api/x", nil))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}
