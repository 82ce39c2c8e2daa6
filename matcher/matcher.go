// Package matcher selects the configured route for an incoming request.
package matcher

import (
	"strings"

	"spg/config"
)

// Match finds the route for path and method. It returns the matched route
// and whether any route's prefix matched the path at all, so the caller can
// distinguish 404 (no prefix) from 405 (prefix matched, method did not).
//
// Candidates are the routes whose canonical path is a prefix of the request
// path. Among them only the longest prefixes survive; within that tie set an
// exact method match beats a "*" wildcard, and configured order breaks any
// remaining tie.
func Match(path, method string, routes []config.Route) (*config.Route, bool) {
	var candidates []*config.Route
	maxLen := 0
	for i := range routes {
		route := &routes[i]
		if prefixMatches(path, route.Path) {
			candidates = append(candidates, route)
			if len(route.Path) > maxLen {
				maxLen = len(route.Path)
			}
		}
	}
	if len(candidates) == 0 {
		return nil, false
	}

	methodUpper := strings.ToUpper(method)
	for _, route := range candidates {
		if len(route.Path) == maxLen && route.Method != "*" && route.Method == methodUpper {
			return route, true
		}
	}
	for _, route := range candidates {
		if len(route.Path) == maxLen && route.Method == "*" {
			return route, true
		}
	}
	return nil, true
}

// prefixMatches applies prefix semantics on canonical paths: the match is
// on whole segments, so /api covers /api and /api/x but not /apix.
func prefixMatches(path, routePath string) bool {
	if routePath == "/" {
		return strings.HasPrefix(path, "/")
	}
	return path == routePath || strings.HasPrefix(path, routePath+"/")
}
