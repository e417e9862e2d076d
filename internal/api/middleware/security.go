package middleware

import "net/http"

// SecurityHeaders returns middleware that sets HTTP security headers on
// every response. The phone serves plain HTTP on the local network, so no
// HSTS header is sent.
func SecurityHeaders() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-XSS-Protection", "0")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Cache-Control", "no-store")
			// connect-src includes ws: for the events stream.
			h.Set("Content-Security-Policy",
				"default-src 'self'; "+
					"connect-src 'self' ws: wss:; "+
					"frame-ancestors 'none'; "+
					"base-uri 'self'")
			h.Set("Permissions-Policy",
				"camera=(), microphone=(), geolocation=(), payment=()")

			next.ServeHTTP(w, r)
		})
	}
}
