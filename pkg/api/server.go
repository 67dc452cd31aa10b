// SPDX-FileCopyrightText: Copyright 2026 Vera C. Rubin Observatory
// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lsst-sqre/gafaelfawr/pkg/auth"
	"github.com/lsst-sqre/gafaelfawr/pkg/config"
	"github.com/lsst-sqre/gafaelfawr/pkg/keys"
	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
	"github.com/lsst-sqre/gafaelfawr/pkg/oidc"
	"github.com/lsst-sqre/gafaelfawr/pkg/service"
	"github.com/lsst-sqre/gafaelfawr/pkg/storage/redisstore"
	"github.com/lsst-sqre/gafaelfawr/pkg/storage/sqlstore"
)

// Server is the assembled gafaelfawr service: stores, services, router,
// and the periodic maintenance loop.
type Server struct {
	config *config.Config
	db     *sqlstore.DB
	tokens *service.TokenService
	admins *service.AdminService
	router chi.Router
}

// NewServer connects the stores and assembles the HTTP surface.
func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	store, err := redisstore.NewTokenStore(ctx, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	db, err := sqlstore.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	tokens := service.NewTokenService(cfg, store, sqlstore.NewTokenStore(db),
		sqlstore.NewHistoryStore(db))
	admins := service.NewAdminService(sqlstore.NewAdminStore(db))
	cache, err := service.NewTokenCache(tokens)
	if err != nil {
		return nil, err
	}
	gate := auth.NewGate(tokens, cfg.BootstrapToken)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(30 * time.Second))

	NewHandler(tokens, admins, cache, gate).Routes(router)

	if cfg.OIDCServer != nil {
		keyPair, err := loadSigningKey(cfg.OIDCServer.KeyFile)
		if err != nil {
			return nil, err
		}
		provider := oidc.NewServer(cfg.OIDCServer, keyPair,
			redisstore.NewOIDCStoreWithClient(store.Client()), tokens)
		oidc.NewHandler(provider, gate).Routes(router)
	}

	return &Server{
		config: cfg,
		db:     db,
		tokens: tokens,
		admins: admins,
		router: router,
	}, nil
}

// Router exposes the assembled routes.
func (s *Server) Router() http.Handler {
	return s.router
}

// Tokens exposes the token service for the CLI commands.
func (s *Server) Tokens() *service.TokenService {
	return s.tokens
}

// Admins exposes the admin service for the CLI commands.
func (s *Server) Admins() *service.AdminService {
	return s.admins
}

// Close releases the database handle.
func (s *Server) Close() error {
	return s.db.Close()
}

// Run serves HTTP until the context is canceled, running the maintenance
// loop alongside, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Address,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	maintCtx, cancelMaint := context.WithCancel(ctx)
	defer cancelMaint()
	go s.maintain(maintCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("starting server", "address", s.config.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}

// maintain periodically expires tokens and truncates old history.
func (s *Server) maintain(ctx context.Context) {
	interval := s.config.MaintenanceInterval
	if interval <= 0 {
		interval = config.DefaultMaintenance
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.tokens.ExpireTokens(ctx); err != nil {
				logger.Errorw("token expiration sweep failed", "error", err)
			}
			if err := s.tokens.TruncateHistory(ctx); err != nil {
				logger.Errorw("history truncation failed", "error", err)
			}
		}
	}
}

// loadSigningKey reads the OpenID Connect signing key from disk.
func loadSigningKey(path string) (*keys.RSAKeyPair, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	return keys.FromPEM(pemBytes)
}
