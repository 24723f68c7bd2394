// Package static serves the speech cache over HTTP so the speaker can fetch
// synthesized audio by URL.
package static

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/palemoky/xiaomi-speaker/internal/logger"
)

// Server is a file server over one directory. Directory listings are not
// served.
type Server struct {
	dir  string
	addr string
	log  *logger.Logger

	mu   sync.Mutex
	srv  *http.Server
	ln   net.Listener
	done chan struct{}
}

// New creates a server for dir listening on addr (host:port).
func New(dir, addr string, log *logger.Logger) *Server {
	return &Server{dir: dir, addr: addr, log: log}
}

// Handler returns the file-serving handler.
func (s *Server) Handler() http.Handler {
	files := http.FileServer(http.Dir(s.dir))

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/*", func(w http.ResponseWriter, req *http.Request) {
		name := path.Clean("/" + chi.URLParam(req, "*"))
		if name == "/" || strings.HasSuffix(req.URL.Path, "/") {
			http.NotFound(w, req)
			return
		}
		s.log.Info("%s - GET %s", req.RemoteAddr, name)
		files.ServeHTTP(w, req)
	})
	return r
}

// Start binds the listener and serves in the background. Non-blocking.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv != nil {
		s.log.Warn("static file server is already running")
		return nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", s.dir, err)
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("static server listen on %s: %w", s.addr, err)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.done = make(chan struct{})

	srv, done := s.srv, s.done
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("static file server: %v", err)
		}
	}()

	s.log.Info("static file server on %s serving %s", ln.Addr(), s.dir)
	return nil
}

// Addr returns the bound address, or "" when not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Running reports whether the server is accepting connections.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.srv != nil
}

// Stop shuts the server down, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.srv, s.done
	s.srv, s.ln = nil, nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	s.log.Info("stopping static file server...")
	err := srv.Shutdown(ctx)
	<-done
	return err
}
