package httpserver

import (
	"net/http"
	"time"
)

// New builds the ops HTTP server. The only handlers are health and
// metrics, so the timeouts are tight: a scrape that cannot finish in
// ten seconds is a scrape worth failing.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
