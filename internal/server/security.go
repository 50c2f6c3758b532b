package server

import "net/http"

// SecurityConfig sets hardening headers on every response. Empty fields take
// the defaults below.
type SecurityConfig struct {
	ContentSecurityPolicy string
	FrameOptions          string
	ReferrerPolicy        string
	ContentTypeOptions    string
	// CrossOriginResourcePolicy governs embedding of streamed media on other
	// sites. "cross-origin" lets any page play the renditions.
	CrossOriginResourcePolicy string
}

const (
	defaultContentSecurityPolicy     = "default-src 'none'; frame-ancestors 'none'"
	defaultFrameOptions              = "DENY"
	defaultReferrerPolicy            = "no-referrer"
	defaultContentTypeOptions        = "nosniff"
	defaultCrossOriginResourcePolicy = "cross-origin"
)

func (cfg SecurityConfig) withDefaults() SecurityConfig {
	if cfg.ContentSecurityPolicy == "" {
		cfg.ContentSecurityPolicy = defaultContentSecurityPolicy
	}
	if cfg.FrameOptions == "" {
		cfg.FrameOptions = defaultFrameOptions
	}
	if cfg.ReferrerPolicy == "" {
		cfg.ReferrerPolicy = defaultReferrerPolicy
	}
	if cfg.ContentTypeOptions == "" {
		cfg.ContentTypeOptions = defaultContentTypeOptions
	}
	if cfg.CrossOriginResourcePolicy == "" {
		cfg.CrossOriginResourcePolicy = defaultCrossOriginResourcePolicy
	}
	return cfg
}

func securityHeadersMiddleware(cfg SecurityConfig) func(http.Handler) http.Handler {
	effective := cfg.withDefaults()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := w.Header()
			header.Set("Content-Security-Policy", effective.ContentSecurityPolicy)
			header.Set("X-Frame-Options", effective.FrameOptions)
			header.Set("X-Content-Type-Options", effective.ContentTypeOptions)
			header.Set("Referrer-Policy", effective.ReferrerPolicy)
			header.Set("Cross-Origin-Resource-Policy", effective.CrossOriginResourcePolicy)
			next.ServeHTTP(w, r)
		})
	}
}
