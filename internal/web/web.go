// Package web serves the browser dashboard: an embedded static page
// fed by a Server-Sent Events stream of fleet snapshots. The snapshot
// shape is shared with the terminal dashboard, so both surfaces always
// agree on what the fleet looks like.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/overstory-ai/overstory/internal/dashboard"
)

//go:embed static/index.html
var staticFS embed.FS

const defaultInterval = 2 * time.Second

// Server is the dashboard HTTP server.
type Server struct {
	Addr     string
	Sources  dashboard.Sources
	Interval time.Duration
	Output   io.Writer
}

// New creates a server on addr over the given stores.
func New(addr string, sources dashboard.Sources) *Server {
	return &Server{Addr: addr, Sources: sources}
}

func (s *Server) out() io.Writer {
	if s.Output == nil {
		return io.Discard
	}
	return s.Output
}

func (s *Server) interval() time.Duration {
	if s.Interval <= 0 {
		return defaultInterval
	}
	return s.Interval
}

// Handler returns the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/api/snapshot", s.handleSnapshot)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully so
// open SSE streams get their close.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		// WriteTimeout stays zero: /events streams must outlive it.
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	fmt.Fprintf(s.out(), "Web dashboard listening on %s\n", displayURL(s.Addr))
	fmt.Fprintf(s.out(), "Press Ctrl+C to stop\n")

	select {
	case err := <-errCh:
		return fmt.Errorf("web dashboard: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down web dashboard: %w", err)
	}
	<-errCh
	fmt.Fprintf(s.out(), "Web dashboard stopped\n")
	return nil
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	page, err := staticFS.ReadFile("static/index.html")
	if err != nil {
		http.Error(w, "dashboard page missing", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(page)
}

// handleEvents streams a snapshot frame on every refresh interval.
// The cadence doubles as the keepalive.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	fmt.Fprintf(w, "event: connected\ndata: ok\n\n")
	flusher.Flush()

	send := func() {
		snap, err := s.Sources.Collect()
		if err != nil {
			payload, _ := json.Marshal(map[string]string{"error": err.Error()})
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
			flusher.Flush()
			return
		}
		data, err := json.Marshal(snap)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", data)
		flusher.Flush()
	}

	send()

	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			send()
		}
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Sources.Collect()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintln(w, `{"status":"ok"}`)
}

// displayURL renders a listen address as something clickable.
func displayURL(addr string) string {
	host := addr
	if strings.HasPrefix(addr, ":") {
		host = "localhost" + addr
	}
	return "http://" + host
}
