package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Mount registers the scrape endpoint on mux.
func Mount(mux *http.ServeMux) {
	mux.Handle("GET /metrics", Handler())
}

// NewMux builds an admin mux from mounts.
func NewMux(mounts ...func(*http.ServeMux)) *http.ServeMux {
	mux := http.NewServeMux()
	for _, mount := range mounts {
		mount(mux)
	}
	return mux
}

// StartServer serves the routes registered by mounts on port in the
// background. name only labels log lines.
func StartServer(name string, port int, mounts ...func(*http.ServeMux)) (shutdown func(context.Context) error) {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           NewMux(mounts...),
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	logger := slog.Default().With("server", name, "addr", server.Addr)

	go func() {
		logger.Info("admin server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin server stopped", "error", err)
		}
	}()
	return server.Shutdown
}
