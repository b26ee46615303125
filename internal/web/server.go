// Package web — HTTP-поверхность воркера: /health для супервизора,
// подробный /status для оператора и выгрузка медиа /download для CRM.
package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"telegram-sync-worker/internal/infra/logger"
)

const (
	readTimeout  = 15 * time.Second
	idleTimeout  = 60 * time.Second
	// writeTimeout с запасом на потоковую выгрузку крупных вложений.
	writeTimeout = 5 * time.Minute
)

// Server — HTTP-сервер воркера.
type Server struct {
	srv *http.Server
	h   *Handlers
}

// NewServer настраивает роутинг и создаёт сервер на заданном порту.
func NewServer(port int, h *Handlers) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.Health)
	mux.HandleFunc("/status", h.Status)
	mux.HandleFunc("/download", h.Download)
	// Корень отвечает как /health: некоторые супервизоры пробят только его.
	mux.HandleFunc("/", h.Health)

	return &Server{
		h: h,
		srv: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
			IdleTimeout:  idleTimeout,
		},
	}
}

// Start запускает сервер; блокируется до остановки.
func (s *Server) Start() error {
	logger.Infof("http server listening on %s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown корректно останавливает сервер.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
