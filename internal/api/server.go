// Package api serves the JSON control surface: start and stop searches,
// inspect state, browse and clear history, list archived sessions.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ciadpi-tray/autosearch/internal/db"
	"github.com/ciadpi-tray/autosearch/internal/history"
	"github.com/ciadpi-tray/autosearch/internal/monitoring"
	"github.com/ciadpi-tray/autosearch/internal/search"
)

var log = monitoring.New("api")

const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

// Searcher is the part of search.Controller the server drives.
type Searcher interface {
	Start(ctx context.Context, req search.Request) error
	Stop()
	State() search.State
	History(limit int) []history.Record
}

// HistoryStore exposes whole-history reads and clearing.
type HistoryStore interface {
	Snapshot() history.History
	Clear() error
}

// SessionArchive lists archived searches. It is optional.
type SessionArchive interface {
	ListSessions(ctx context.Context, limit int) ([]db.SessionSummary, error)
	SessionTrials(ctx context.Context, sessionID string) ([]db.Trial, error)
	CandidateStats(ctx context.Context, limit int) ([]db.CandidateStat, error)
}

// Options configures a Server. Archive and Metrics may be nil.
type Options struct {
	Searcher      Searcher
	History       HistoryStore
	Archive       SessionArchive
	Metrics       http.Handler
	DefaultBudget int
	Version       string
}

// Server holds the handlers' collaborators.
type Server struct {
	searcher      Searcher
	history       HistoryStore
	archive       SessionArchive
	metrics       http.Handler
	defaultBudget int
	version       string

	// Searches outlive the request that started them.
	baseCtx context.Context
}

// NewServer builds a Server. Searches it starts run under ctx.
func NewServer(ctx context.Context, o Options) *Server {
	if o.DefaultBudget <= 0 {
		o.DefaultBudget = 20
	}
	return &Server{
		searcher:      o.Searcher,
		history:       o.History,
		archive:       o.Archive,
		metrics:       o.Metrics,
		defaultBudget: o.DefaultBudget,
		version:       o.Version,
		baseCtx:       ctx,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, URI, status and duration of every request.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Infof("[%s] %s %s%s%s %.1fms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Microseconds())/1e3,
		)
	})
}

// ServeMux registers every route.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/search/start", s.handleSearchStart)
	mux.HandleFunc("/api/search/stop", s.handleSearchStop)
	mux.HandleFunc("/api/search/state", s.handleSearchState)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/api/history/summary", s.handleHistorySummary)
	mux.HandleFunc("/api/history/chart", s.handleHistoryChart)
	mux.HandleFunc("/api/history/export.csv", s.handleHistoryCSV)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/{id}/trials", s.handleSessionTrials)
	mux.HandleFunc("/api/candidates", s.handleCandidates)
	mux.HandleFunc("/api/version", s.handleVersion)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// Handler is the mux wrapped in request logging.
func (s *Server) Handler() http.Handler {
	return LoggingMiddleware(s.ServeMux())
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully
// and stops any running search.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on http://%s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.searcher.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Infof("server stopped")
	return nil
}
