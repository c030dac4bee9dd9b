// Package adminserver implements a read-only local HTTP surface for
// operational visibility into a Database: which collections are open and
// their durability metadata. It is not part of the storage engine's own
// non-goals-excluded "network access" — it never participates in a
// mutation or read path, existing purely as an operational tool the way a
// pprof endpoint sits alongside a service without being part of it.
//
// Modeled on cabewaldrop/claude-db's internal/web server: a chi router
// with the standard middleware stack, graceful shutdown on SIGINT/SIGTERM.
package adminserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cabewaldrop/neisandb/internal/database"
	"github.com/cabewaldrop/neisandb/internal/engine"
)

// Server is the read-only admin HTTP server.
type Server struct {
	router *chi.Mux
	port   int
	db     *database.Database
}

// NewServer creates an admin server bound to port, reporting on db.
func NewServer(port int, db *database.Database) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	s := &Server{router: r, port: port, db: db}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/collections", s.handleListCollections)
	s.router.Get("/collections/{name}/stats", s.handleCollectionStats)
}

// Router exposes the chi router for testing.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok"))
}

type collectionSummary struct {
	Name           string `json:"name"`
	MaxLSN         int64  `json:"max_lsn"`
	LastFlushedLSN int64  `json:"last_flushed_lsn"`
	FileSizeBytes  int64  `json:"file_size_bytes"`
}

func (s *Server) handleListCollections(w http.ResponseWriter, r *http.Request) {
	collections := s.db.Collections()
	out := make([]collectionSummary, 0, len(collections))
	for _, c := range collections {
		out = append(out, summarize(c.Stats()))
	}
	writeJSON(w, http.StatusOK, out)
}

type collectionStats struct {
	collectionSummary
	LiveCount int `json:"live_count"`
}

func (s *Server) handleCollectionStats(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	c, ok := s.db.Lookup(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("collection %q not open", name)})
		return
	}

	count, err := c.Count(r.Context(), engine.Where(func(map[string]any) bool { return true }))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, collectionStats{
		collectionSummary: summarize(c.Stats()),
		LiveCount:         count,
	})
}

func summarize(stats engine.Stats) collectionSummary {
	return collectionSummary{
		Name:           stats.Name,
		MaxLSN:         stats.MaxLSN,
		LastFlushedLSN: stats.LastFlushedLSN,
		FileSizeBytes:  stats.FileSizeBytes,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Run starts the HTTP server and blocks until a shutdown signal arrives,
// then gracefully drains in-flight requests.
func (s *Server) Run() error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		fmt.Printf("neisandb admin server listening on :%d\n", s.port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-done:
		fmt.Println("\nshutdown signal received, draining requests")
	case err := <-errChan:
		return fmt.Errorf("adminserver: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("adminserver: shutdown: %w", err)
	}
	return nil
}
