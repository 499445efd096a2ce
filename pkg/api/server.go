package api

import (
	"net/http"
	"time"
)

// Handler builds the full ingress handler: routes wrapped in request-ID,
// rate-limit and auth middleware, outermost first.
func (s *Server) Handler(rateLimiter *GlobalRateLimiter, jwtValidator *JWTValidator) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/messages", s.HandleSubmit)
	mux.HandleFunc("/health", s.HandleHealth)
	mux.HandleFunc("/ready", s.HandleReady)
	mux.HandleFunc("/incidents", s.HandleListIncidents)
	mux.HandleFunc("/incidents/", s.HandleIncident)
	mux.HandleFunc("/audit", s.HandleAudit)
	mux.HandleFunc("/metrics", s.HandleMetrics)

	var h http.Handler = mux
	h = AuthMiddleware(jwtValidator)(h)
	if rateLimiter != nil {
		h = rateLimiter.Middleware(h)
	}
	h = RequestID(h)
	return h
}

// NewHTTPServer returns an http.Server with sane timeouts around the handler.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
