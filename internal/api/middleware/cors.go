package middleware

import (
	"net/http"
	"net/url"
	"strings"
)

// OriginPolicy is the set of browser origins the carer's companion app may
// call the API from. The zero value allows no cross-origin requests.
type OriginPolicy struct {
	any     bool
	origins map[string]struct{}
}

// NewOriginPolicy builds a policy from configured origins. "*" allows
// every origin; blank entries are ignored.
func NewOriginPolicy(origins []string) OriginPolicy {
	p := OriginPolicy{origins: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		switch o = strings.TrimSpace(o); o {
		case "":
		case "*":
			p.any = true
		default:
			p.origins[o] = struct{}{}
		}
	}
	return p
}

// Allows reports whether cross-origin requests from origin are permitted.
func (p OriginPolicy) Allows(origin string) bool {
	if origin == "" {
		return false
	}
	if p.any {
		return true
	}
	_, ok := p.origins[origin]
	return ok
}

// AllowsUpgrade decides whether a WebSocket upgrade may proceed. Browsers
// do not apply CORS to WebSockets, so the origin is checked here: no
// Origin (a native client), a same-host page or an allowed origin.
func (p OriginPolicy) AllowsUpgrade(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || p.Allows(origin) {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// CORS is NewOriginPolicy(allowedOrigins).CORS().
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return NewOriginPolicy(allowedOrigins).CORS()
}

// CORS returns middleware that answers cross-origin requests the policy
// allows. Preflight requests always get a bare 204; only allowed origins
// see the Access-Control headers. Carer requests authenticate with a
// bearer token, so credentials are never allowed.
func (p OriginPolicy) CORS() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); p.Allows(origin) {
				h := w.Header()
				if p.any {
					h.Set("Access-Control-Allow-Origin", "*")
				} else {
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
				if r.Method == http.MethodOptions {
					h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE")
					h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
					h.Set("Access-Control-Max-Age", "600")
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ParseCORSOrigins splits the comma-separated --cors-origins value.
func ParseCORSOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
