package app

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	authserver "github.com/giantswarm/oauth-authserver"
	"github.com/giantswarm/oauth-authserver/clients"
	"github.com/giantswarm/oauth-authserver/config"
	"github.com/giantswarm/oauth-authserver/instrumentation"
	"github.com/giantswarm/oauth-authserver/keys"
	"github.com/giantswarm/oauth-authserver/providers"
	"github.com/giantswarm/oauth-authserver/providers/static"
	"github.com/giantswarm/oauth-authserver/providers/upstream"
	"github.com/giantswarm/oauth-authserver/security"
	"github.com/giantswarm/oauth-authserver/server"
	"github.com/giantswarm/oauth-authserver/storage"
	"github.com/giantswarm/oauth-authserver/storage/memory"
	"github.com/giantswarm/oauth-authserver/storage/valkey"
	"github.com/giantswarm/oauth-authserver/token"
)

const (
	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = 15 * time.Second
	serverIdleTimeout  = 60 * time.Second
	readinessTimeout   = 3 * time.Second
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the authorization server",
		Long: `Start the authorization server with the configuration given by --config.

Values in the file can be overridden with AUTHSERVER_* environment variables,
for example AUTHSERVER_SERVER_ISSUER or AUTHSERVER_STORAGE_VALKEY_PASSWORD.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			if err := f.Validate(); err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}
			return runServe(cmd.Context(), f, slog.Default())
		},
	}
}

// components is everything serve starts, in the order it must be stopped.
type components struct {
	handler *authserver.Handler
	admin   http.Handler
	closers []func(context.Context) error
}

func (c *components) close(ctx context.Context, logger *slog.Logger) {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			logger.Warn("Shutdown step failed", "error", err)
		}
	}
}

func runServe(ctx context.Context, f *config.File, logger *slog.Logger) error {
	comps, err := build(ctx, f, logger)
	if err != nil {
		return err
	}

	shutdownTimeout := f.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = config.DefaultShutdownTimeout
	}

	servers := []*http.Server{{
		Addr:         f.Server.Address,
		Handler:      comps.handler.Routes(),
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}}
	if addr := f.Telemetry.MetricsAddress; addr != "" && addr != f.Server.Address {
		servers = append(servers, &http.Server{
			Addr:              addr,
			Handler:           comps.admin,
			ReadHeaderTimeout: serverReadTimeout,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			logger.Info("Server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen on %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down", "timeout", shutdownTimeout)

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()

		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
			}
		}
		comps.close(shutdownCtx, logger)
		return errors.Join(errs...)
	})

	return g.Wait()
}

// build wires every component from the configuration. On error, whatever was
// already started is stopped again.
func build(ctx context.Context, f *config.File, logger *slog.Logger) (_ *components, err error) {
	comps := &components{}
	defer func() {
		if err != nil {
			comps.close(context.WithoutCancel(ctx), logger)
		}
	}()

	inst, err := newInstrumentation(ctx, f.Telemetry)
	if err != nil {
		return nil, err
	}
	comps.closers = append(comps.closers, inst.Shutdown)

	clientList, err := f.RegisteredClients()
	if err != nil {
		return nil, fmt.Errorf("clients: %w", err)
	}
	registry, err := clients.NewRegistry(clientList, logger)
	if err != nil {
		return nil, fmt.Errorf("clients: %w", err)
	}

	codes, tokens, approvals, closeStore, err := newStorage(f.Storage, inst, f.Telemetry.Enabled, logger)
	if err != nil {
		return nil, err
	}
	comps.closers = append(comps.closers, closeStore)

	provider, err := newProvider(f, logger)
	if err != nil {
		return nil, err
	}

	keyProvider, err := keys.Load(f.KeysConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("keys: %w", err)
	}
	codec, err := token.NewCodec(ctx, keyProvider, f.Server.Issuer, token.WithLeeway(f.Server.ClockSkewGracePeriod))
	if err != nil {
		return nil, fmt.Errorf("token codec: %w", err)
	}
	chain := token.NewChain(codec, token.NewUserClaimsEnhancer(f.Claims))

	serverConfig, err := f.ServerConfig()
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	srv, err := server.New(provider, registry, codes, tokens, approvals, chain, serverConfig, logger)
	if err != nil {
		return nil, err
	}

	auditor := security.NewAuditor(logger, f.Security.AuditLogging)
	if f.Telemetry.Enabled {
		srv.SetInstrumentation(inst)
		auditor.SetInstrumentation(inst)
	}
	srv.SetAuditor(auditor)

	if rate := f.Security.SecurityEventRateLimit; rate > 0 {
		limiter := security.NewRateLimiter(security.RateLimitConfig{RequestsPerSecond: rate, Burst: max(1, int(rate*10))}, logger)
		srv.SetSecurityEventRateLimiter(limiter)
		comps.closers = append(comps.closers, stopFunc(limiter.Stop))
	}

	comps.handler = authserver.NewHandler(srv, &authserver.BasicUserAuthenticator{
		Provider: provider,
		Timeout:  time.Duration(srv.Config.AuthenticationTimeout) * time.Second,
	}, logger)

	if rate := f.Security.TokenRateLimit; rate > 0 {
		limiter := security.NewRateLimiter(security.RateLimitConfig{RequestsPerSecond: rate, Burst: f.Security.TokenRateBurst}, logger)
		comps.handler.SetTokenRateLimiter(limiter)
		comps.closers = append(comps.closers, stopFunc(limiter.Stop))
	}

	comps.admin = adminRoutes(inst, provider)

	logger.Info("Authorization server configured",
		"issuer", srv.Config.Issuer,
		"clients", registry.Len(),
		"grant_types", registry.GrantTypes(),
		"storage", f.Storage.Type,
		"provider", provider.Name(),
		"signing_key", codec.SigningKeyID(),
		"algorithm", codec.SigningAlgorithm())

	return comps, nil
}

func newInstrumentation(ctx context.Context, t config.TelemetryConfig) (*instrumentation.Instrumentation, error) {
	inst, err := instrumentation.New(ctx, instrumentation.Config{
		ServiceName:           config.DefaultServiceName,
		ServiceVersion:        version,
		Enabled:               t.Enabled,
		LogClientIPs:          t.LogClientIPs,
		MetricsExporter:       t.MetricsExporter,
		TracesExporter:        t.TracesExporter,
		OTLPEndpoint:          t.OTLPEndpoint,
		OTLPInsecure:          t.OTLPInsecure,
		TraceSamplingRate:     t.TraceSamplingRate,
		IncludeRuntimeMetrics: t.RuntimeMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("instrumentation: %w", err)
	}
	return inst, nil
}

func newStorage(
	cfg config.StorageConfig,
	inst *instrumentation.Instrumentation,
	instrumented bool,
	logger *slog.Logger,
) (storage.CodeStore, storage.TokenStore, storage.ApprovalStore, func(context.Context) error, error) {
	switch cfg.Type {
	case config.StorageValkey:
		var tlsConfig *tls.Config
		if cfg.Valkey.TLS {
			tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		store, err := valkey.New(valkey.Config{
			Address:   cfg.Valkey.Address,
			Password:  cfg.Valkey.Password,
			DB:        cfg.Valkey.DB,
			KeyPrefix: cfg.Valkey.KeyPrefix,
			TLS:       tlsConfig,
			Logger:    logger,
		})
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("storage: %w", err)
		}
		if cfg.EncryptionKey != "" {
			key, err := security.KeyFromBase64(cfg.EncryptionKey)
			if err != nil {
				store.Close()
				return nil, nil, nil, nil, fmt.Errorf("storage: encryption key: %w", err)
			}
			enc, err := security.NewEncryptor(key)
			if err != nil {
				store.Close()
				return nil, nil, nil, nil, fmt.Errorf("storage: %w", err)
			}
			store.SetEncryptor(enc)
		}
		return store, store, store, stopFunc(store.Close), nil

	default:
		store := memory.New()
		store.SetLogger(logger)
		if instrumented {
			store.SetInstrumentation(inst)
		}
		return store, store, store, stopFunc(store.Stop), nil
	}
}

func newProvider(f *config.File, logger *slog.Logger) (providers.Provider, error) {
	switch f.Authentication.Provider {
	case config.ProviderUpstream:
		up := f.Authentication.Upstream
		timeout := up.Timeout
		if timeout <= 0 {
			timeout = upstream.DefaultHTTPTimeout
		}
		p, err := upstream.NewProvider(&upstream.Config{
			TokenURL:     up.TokenURL,
			UserInfoURL:  up.UserInfoURL,
			ClientID:     up.ClientID,
			ClientSecret: up.ClientSecret,
			Scopes:       up.Scopes,
			HTTPClient:   &http.Client{Timeout: timeout},
			Logger:       logger,
		})
		if err != nil {
			return nil, fmt.Errorf("upstream provider: %w", err)
		}
		return p, nil

	default:
		users, err := f.Users()
		if err != nil {
			return nil, fmt.Errorf("static provider: %w", err)
		}
		p, err := static.NewProvider(users, logger)
		if err != nil {
			return nil, fmt.Errorf("static provider: %w", err)
		}
		return p, nil
	}
}

// adminRoutes serves liveness, readiness and Prometheus metrics.
func adminRoutes(inst *instrumentation.Instrumentation, provider providers.Provider) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if hc, ok := provider.(providers.HealthChecker); ok {
			ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
			defer cancel()
			if err := hc.HealthCheck(ctx); err != nil {
				slog.Default().Warn("Readiness check failed", "provider", provider.Name(), "error", err)
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"unavailable"}`))
				return
			}
		}
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})
	if h := inst.MetricsHandler(); h != nil {
		mux.Handle("/metrics", h)
	}
	return mux
}

func stopFunc(stop func()) func(context.Context) error {
	return func(context.Context) error {
		stop()
		return nil
	}
}
