package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openacl/aclsync/internal/bus"
	"github.com/openacl/aclsync/internal/store"
	"github.com/openacl/aclsync/internal/tableacl"
)

// Server hosts the table ACL HTTP API and the change-bus relay. It owns the
// authoritative store connection; peer processes attach to the relay
// endpoint and keep their own caches consistent through it.
type Server struct {
	config   *Config
	server   *http.Server
	hub      *bus.Hub
	relay    *bus.RelayBus
	store    store.Store
	registry *tableacl.Registry
	manager  *tableacl.Manager
}

func New(ctx context.Context, config *Config) (*Server, error) {
	st, err := openStore(ctx, &config.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	// Standalone servers host the relay hub; with a relay URL configured
	// this process attaches to another server's hub as a peer instead.
	var (
		hub   *bus.Hub
		relay *bus.RelayBus
		b     bus.Bus
	)
	if config.Relay.URL != "" {
		relay, err = bus.DialRelay(ctx, config.Relay.URL)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("connect relay: %w", err)
		}
		b = relay
	} else {
		hub = bus.NewHub()
		b = hub
	}

	registry := tableacl.NewRegistry(func(ctx context.Context, cfg tableacl.Config) (*tableacl.Manager, error) {
		return tableacl.NewManager(ctx, cfg, st, b)
	})

	mgr, err := registry.GetInstance(ctx, tableacl.Config{
		Namespace: config.ACL.Namespace,
		Topic:     config.ACL.Topic,
	})
	if err != nil {
		if relay != nil {
			relay.Close()
		}
		st.Close()
		return nil, err
	}

	return &Server{
		config:   config,
		hub:      hub,
		relay:    relay,
		store:    st,
		registry: registry,
		manager:  mgr,
		server: &http.Server{
			Addr:    config.HTTP.Addr,
			Handler: SetupRoutes(mgr, hub),
		},
	}, nil
}

// Manager returns the server's own cache manager.
func (s *Server) Manager() *tableacl.Manager {
	return s.manager
}

func (s *Server) Start(ctx context.Context) error {
	slog.Info("aclsync server start", "addr", s.config.HTTP.Addr)
	defer slog.Info("aclsync server stop")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := s.runHTTPServer(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		slog.Info("aclsync shutdown signal")
		return s.Stop(context.Background())
	})

	return g.Wait()
}

func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if s.hub != nil {
		s.hub.Shutdown(shutdownCtx)
	}
	if s.relay != nil {
		s.relay.Close()
	}
	s.registry.Clear()

	err := s.server.Shutdown(shutdownCtx)
	if cerr := s.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (s *Server) runHTTPServer() error {
	if s.config.HTTP.CertFile != "" && s.config.HTTP.KeyFile != "" {
		slog.Info("server start tls", "addr", s.config.HTTP.Addr, "cert", s.config.HTTP.CertFile)
		return s.server.ListenAndServeTLS(s.config.HTTP.CertFile, s.config.HTTP.KeyFile)
	}
	slog.Info("server start http", "addr", s.config.HTTP.Addr)
	return s.server.ListenAndServe()
}

func openStore(ctx context.Context, cfg *StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "sqlite", "":
		return store.NewSqliteStore(store.WithPath(cfg.Path))
	case "s3":
		return store.NewS3StoreWithConfig(ctx, &store.S3Config{
			BucketName: cfg.Bucket,
			Region:     cfg.Region,
			Endpoint:   cfg.Endpoint,
			AccessKey:  cfg.AccessKey,
			SecretKey:  cfg.SecretKey,
		})
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
