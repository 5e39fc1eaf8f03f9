// Package httpserver builds the API listener.
package httpserver

import (
	"log/slog"
	"net/http"
	"time"
)

// RequestBudget bounds a single API call; the write timeout leaves headroom
// above it so timed-out handlers can still write their error body.
const RequestBudget = 30 * time.Second

type Option func(*http.Server)

// WithErrorLog routes net/http's internal errors through logger.
func WithErrorLog(logger *slog.Logger) Option {
	return func(s *http.Server) {
		s.ErrorLog = slog.NewLogLogger(logger.Handler(), slog.LevelWarn)
	}
}

func New(addr string, handler http.Handler, opts ...Option) *http.Server {
	s := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      RequestBudget + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}
