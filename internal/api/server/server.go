package server

import (
	"net/http"

	"github.com/wb-go/wbf/ginext"

	"notify-scheduler/internal/config"
)

// New builds the HTTP server for the scheduling API. Read and write
// timeouts bound slow clients; delivery work never runs on request
// goroutines, so the write timeout only covers the API itself.
func New(cfg config.Server, router *ginext.Engine) *http.Server {
	return &http.Server{
		Addr:         cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}
