package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/rpcproxy/rpcproxy/common"
	"github.com/rpcproxy/rpcproxy/data"
	"github.com/rpcproxy/rpcproxy/upstream"
)

// HttpServer is the inbound adapter: it parses JSON-RPC envelopes, applies
// auth, delegates to the forwarder and renders responses. The status
// endpoints are thin views over the registry and cache.
type HttpServer struct {
	logger    zerolog.Logger
	server    *http.Server
	forwarder *upstream.Forwarder
	registry  *upstream.Registry
	cache     *data.RpcCache
	token     string
}

func NewHttpServer(ctx context.Context, logger *zerolog.Logger, cfg *common.Config, forwarder *upstream.Forwarder, registry *upstream.Registry, cache *data.RpcCache) *HttpServer {
	srv := &HttpServer{
		logger:    logger.With().Str("component", "httpServer").Logger(),
		forwarder: forwarder,
		registry:  registry,
		cache:     cache,
		token:     cfg.Token,
	}

	handler := http.NewServeMux()
	handler.HandleFunc("GET /health", srv.handleHealth)
	handler.HandleFunc("GET /readiness", srv.withBearerAuth(srv.handleReadiness))
	handler.HandleFunc("GET /status", srv.withBearerAuth(srv.handleStatus))
	handler.Handle("GET /metrics", promhttp.Handler())
	handler.HandleFunc("POST /{$}", srv.handleRpc)
	handler.HandleFunc("POST /{token}", srv.handleRpcWithPathToken)

	srv.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		srv.logger.Info().Msg("shutting down http server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.server.Shutdown(shutdownCtx); err != nil {
			srv.logger.Error().Err(err).Msg("http server forced to shutdown")
		} else {
			srv.logger.Info().Msg("http server stopped")
		}
	}()

	return srv
}

// Start serves until shutdown. http.ErrServerClosed is the normal exit.
func (s *HttpServer) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("listening for JSON-RPC requests")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// bearerAuthorized checks the Authorization header against the configured
// token. With no token configured every request passes.
func (s *HttpServer) bearerAuthorized(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.token
}

func (s *HttpServer) withBearerAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.bearerAuthorized(r) {
			s.writeUnauthorized(w)
			return
		}
		next(w, r)
	}
}

// handleRpc serves POST / with bearer auth.
func (s *HttpServer) handleRpc(w http.ResponseWriter, r *http.Request) {
	if !s.bearerAuthorized(r) {
		s.writeUnauthorized(w)
		return
	}
	s.serveRpc(w, r)
}

// handleRpcWithPathToken serves POST /<token>; the path segment stands in
// for the Authorization header. Only valid when a token is configured.
func (s *HttpServer) handleRpcWithPathToken(w http.ResponseWriter, r *http.Request) {
	if s.token == "" || r.PathValue("token") != s.token {
		s.writeUnauthorized(w)
		return
	}
	s.serveRpc(w, r)
}

func (s *HttpServer) writeUnauthorized(w http.ResponseWriter) {
	s.writeJson(w, http.StatusUnauthorized, common.NewJsonRpcUnauthorized())
}

func (s *HttpServer) writeJson(w http.ResponseWriter, status int, body interface{}) {
	payload, err := common.SonicCfg.Marshal(body)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to marshal response body")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}
