package shopping

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/zombor/shoplist/internal/reconcile"
)

// Server handles HTTP requests for the shopping list
type Server struct {
	service   *Service
	engine    *reconcile.Engine
	basicAuth BasicAuth
	mux       *http.ServeMux
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// NewServer creates a new Server with default mux
func NewServer(service *Service, engine *reconcile.Engine, basicAuth BasicAuth) *Server {
	return NewServerWithMux(service, engine, basicAuth, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(service *Service, engine *reconcile.Engine, basicAuth BasicAuth, mux *http.ServeMux) *Server {
	s := &Server{
		service:   service,
		engine:    engine,
		basicAuth: basicAuth,
		mux:       mux,
	}
	s.registerRoutes()
	return s
}

// authenticate checks basic auth credentials
func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true // No auth required if not configured
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return false
	}

	credentials := strings.SplitN(string(decoded), ":", 2)
	if len(credentials) != 2 {
		return false
	}

	return credentials[0] == s.basicAuth.Username && credentials[1] == s.basicAuth.Password
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		// Handle preflight OPTIONS requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			// Ensure CORS headers are set before error response
			setCORSHeaders(w)
			w.Header().Set("WWW-Authenticate", `Basic realm="Shoplist"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	// Items
	s.mux.HandleFunc("GET /api/items", s.requireAuth(s.handleListItems))
	s.mux.HandleFunc("POST /api/items", s.requireAuth(s.handleCreateItem))
	s.mux.HandleFunc("PUT /api/items", s.requireAuth(s.handleSetChecked))
	s.mux.HandleFunc("DELETE /api/items/{id}", s.requireAuth(s.handleDeleteItem))
	s.mux.HandleFunc("GET /api/archived-items", s.requireAuth(s.handleArchivedItems))

	// Tags and people
	s.mux.HandleFunc("GET /api/tags", s.requireAuth(s.handleListTags))
	s.mux.HandleFunc("POST /api/tags", s.requireAuth(s.handleCreateTag))
	s.mux.HandleFunc("DELETE /api/tags/{id}", s.requireAuth(s.handleDeleteTag))
	s.mux.HandleFunc("GET /api/people", s.requireAuth(s.handleListPeople))
	s.mux.HandleFunc("POST /api/people", s.requireAuth(s.handleCreatePerson))
	s.mux.HandleFunc("DELETE /api/people/{id}", s.requireAuth(s.handleDeletePerson))

	// Receipts
	s.mux.HandleFunc("GET /api/receipts/{id}/file", s.requireAuth(s.handleGetReceiptFile))
	s.mux.HandleFunc("GET /api/receipts", s.requireAuth(s.handleReceiptForItem))
	s.mux.HandleFunc("POST /api/receipts", s.requireAuth(s.handleAttachReceipt))

	// Model helpers
	s.mux.HandleFunc("POST /api/itemdescription", s.requireAuth(s.handleDescribeItem))
	s.mux.HandleFunc("POST /api/embeddings", s.requireAuth(s.handleEmbed))
	s.mux.HandleFunc("POST /api/vector-search", s.requireAuth(s.handleVectorSearch))

	// Receipt reconciliation
	s.mux.HandleFunc("POST /api/reconciliations", s.requireAuth(s.handleAnalyzeReceipt))
	s.mux.HandleFunc("GET /api/reconciliations/{id}", s.requireAuth(s.handleGetReconciliation))
	s.mux.HandleFunc("DELETE /api/reconciliations/{id}", s.requireAuth(s.handleDiscardReconciliation))
	s.mux.HandleFunc("POST /api/reconciliations/{id}/lines/{line}/ignore", s.requireAuth(s.handleIgnoreLine))
	s.mux.HandleFunc("POST /api/reconciliations/{id}/lines/{line}/repoint", s.requireAuth(s.handleRepointLine))
	s.mux.HandleFunc("POST /api/reconciliations/{id}/lines/{line}/create", s.requireAuth(s.handleCreateForLine))
	s.mux.HandleFunc("POST /api/reconciliations/{id}/bulk-create", s.requireAuth(s.handleBulkCreate))
	s.mux.HandleFunc("DELETE /api/reconciliations/{id}/bulk-create", s.requireAuth(s.handleUndoBulkCreate))
	s.mux.HandleFunc("POST /api/reconciliations/{id}/commit", s.requireAuth(s.handleCommit))
}

// Handler returns the mux wrapped with CORS handling
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.mux)
}

// Start serves HTTP on addr until ctx is cancelled
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}
