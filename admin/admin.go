// Package admin serves the loopback-restricted management surface: the
// embedded UI, config read/validate/write endpoints, the health check, and
// the optional metrics exposure. Everything else falls through to the
// proxy entry.
package admin

import (
	"embed"
	"encoding/json"
	"io"
	"io/fs"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"spg/app"
	"spg/config"
	"spg/metrics"
)

//go:embed static
var staticFS embed.FS

// API carries the state the admin endpoints need.
type API struct {
	App     *app.App
	Version string
}

// NewRouter builds the full HTTP handler tree: reserved admin routes first,
// the catch-all proxy handler for everything else. Reserved paths are never
// forwarded, even when the method does not match.
func NewRouter(a *app.App, version string, proxy http.Handler) *chi.Mux {
	api := &API{App: a, Version: version}

	r := chi.NewRouter()
	r.Get("/healthz", api.handleHealthz)

	static, err := fs.Sub(staticFS, "static")
	if err == nil {
		r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(static))))
	}

	r.Group(func(g chi.Router) {
		g.Use(api.requireAdmin)
		g.Get("/ui", api.handleUI)
		g.Get("/api/config", api.handleGetConfig)
		g.Post("/api/config", api.handleUpdateConfig)
		g.Post("/api/config/validate", api.handleValidateConfig)
	})

	if cfg := a.Config(); cfg.Metrics.Enabled {
		r.Handle(cfg.Metrics.Path, metrics.Handler())
	}

	r.NotFound(proxy.ServeHTTP)
	return r
}

// requireAdmin enforces the admin ACL: the peer address must equal the
// configured admin_host, or both must be loopback addresses (the literal
// localhost counts as loopback).
func (api *API) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		adminHost := api.App.Config().Server.AdminHost
		if !adminAllowed(r.RemoteAddr, adminHost) {
			writeJSON(w, http.StatusForbidden, map[string]any{"detail": "Admin interface restricted"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func adminAllowed(remoteAddr, adminHost string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if host == adminHost {
		return true
	}
	return isLoopbackHost(host) && isLoopbackHost(adminHost)
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (api *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": api.Version})
}

func (api *API) handleUI(w http.ResponseWriter, r *http.Request) {
	page, err := staticFS.ReadFile("static/index.html")
	if err != nil {
		http.Error(w, "admin page unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(page)
}

// handleGetConfig runs the reload check so the response reflects on-disk
// edits, then returns the structured config beside the raw bytes.
func (api *API) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	api.App.MaybeReload()

	raw, format, err := config.ReadRaw(api.App.ConfigPath)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"detail": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"config": api.App.Config(),
		"raw":    raw,
		"format": format,
		"path":   api.App.ConfigPath,
	})
}

// rawPayload is the round-trip body shape: the exact bytes to persist plus
// an optional format hint.
type rawPayload struct {
	Content string `json:"content"`
	Format  string `json:"format"`
}

// handleUpdateConfig accepts either the raw round-trip payload or a legacy
// structured config body. Both validate first; the raw path then writes the
// supplied bytes verbatim, the structured path re-serialises (honouring
// X-Config-Minimal). The new config is applied to the running state.
func (api *API) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "unreadable body"})
		return
	}

	if payload, ok := decodeRawPayload(body); ok {
		format, err := resolveFormat(payload)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"detail": err.Error()})
			return
		}
		cfg, err := config.SaveRaw(payload.Content, format, api.App.ConfigPath)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"detail": err.Error()})
			return
		}
		api.App.Apply(cfg, format)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "format": format})
		return
	}

	cfg, err := config.ValidateRaw(string(body), config.FormatJSON)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": err.Error()})
		return
	}
	minimal := isTruthy(r.Header.Get("X-Config-Minimal"))
	if err := config.Save(cfg, api.App.ConfigPath, "", minimal); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"detail": err.Error()})
		return
	}
	api.App.Apply(cfg, "")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleValidateConfig checks either body shape without persisting.
func (api *API) handleValidateConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "unreadable body"})
		return
	}

	var cfg *config.SystemConfig
	if payload, ok := decodeRawPayload(body); ok {
		format, ferr := resolveFormat(payload)
		if ferr != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"detail": ferr.Error()})
			return
		}
		cfg, err = config.ValidateRaw(payload.Content, format)
	} else {
		cfg, err = config.ValidateRaw(string(body), config.FormatJSON)
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "config": cfg})
}

// decodeRawPayload reports whether the body is the raw round-trip shape,
// recognised by the presence of a content key.
func decodeRawPayload(body []byte) (rawPayload, bool) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return rawPayload{}, false
	}
	if _, ok := probe["content"]; !ok {
		return rawPayload{}, false
	}
	var payload rawPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return rawPayload{}, false
	}
	return payload, true
}

func resolveFormat(payload rawPayload) (config.Format, error) {
	if strings.TrimSpace(payload.Format) == "" {
		return config.DetectFormat(payload.Content), nil
	}
	return config.ParseFormat(payload.Format)
}

func isTruthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
