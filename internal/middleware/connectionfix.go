package middleware

import (
	"net/http"
	"strings"

	"github.com/webconsole/appservice/internal/logger"
)

// ConnectionHeaderFix repairs a tenant-gateway bug: some gateways forward
// "Connection: keep-alive, Upgrade" while stripping the Upgrade header
// itself. The dangling Upgrade token then makes the WebSocket upgrader (and
// some HTTP stacks) reject what is really a plain request. When the
// Connection header advertises Upgrade but no Upgrade header is present, the
// shim removes the Upgrade token and nothing else.
//
// It wraps the server's root handler rather than running inside the router
// so the repair happens before any upgrade negotiation.
func ConnectionHeaderFix(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Upgrade") == "" {
			if fixed, changed := stripUpgradeToken(r.Header.Values("Connection")); changed {
				logger.HTTP().Debug().
					Str("path", r.URL.Path).
					Strs("connection", r.Header.Values("Connection")).
					Msg("repairing dangling Upgrade token in Connection header")
				if fixed == "" {
					r.Header.Del("Connection")
				} else {
					r.Header.Set("Connection", fixed)
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// stripUpgradeToken removes the "upgrade" token from a Connection header
// value list, reporting whether anything was removed.
func stripUpgradeToken(values []string) (string, bool) {
	var kept []string
	changed := false
	for _, value := range values {
		for _, token := range strings.Split(value, ",") {
			token = strings.TrimSpace(token)
			if token == "" {
				continue
			}
			if strings.EqualFold(token, "upgrade") {
				changed = true
				continue
			}
			kept = append(kept, token)
		}
	}
	return strings.Join(kept, ", "), changed
}
