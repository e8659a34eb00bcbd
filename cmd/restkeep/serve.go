package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"

	"restkeep/internal/acl"
	"restkeep/internal/auth"
	"restkeep/internal/config"
	"restkeep/internal/httpserver"
	"restkeep/internal/log"
	"restkeep/internal/storage"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	var (
		cfgPath string
		fl      = config.Default()
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "serve repositories over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if cfgPath != "" {
				var err error
				if cfg, err = config.Load(cfgPath); err != nil {
					return err
				}
			}
			applyFlags(cmd, &cfg, fl)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfgPath, "config", "", "YAML config file; flags override its values")
	f.StringVar(&fl.Listen, "listen", fl.Listen, "listen address")
	f.StringVar(&fl.Path, "path", fl.Path, "storage root for all repositories")
	f.StringVar(&fl.Prefix, "prefix", fl.Prefix, "URL path prefix to strip, e.g. /restic")
	f.StringVar(&fl.Backend, "backend", fl.Backend, "storage backend: fs or memory")
	f.BoolVar(&fl.NoAuth, "no-auth", fl.NoAuth, "disable authentication")
	f.StringVar(&fl.HtpasswdFile, "htpasswd-file", fl.HtpasswdFile, "htpasswd file (default: <path>/.htpasswd)")
	f.StringVar(&fl.ACLFile, "acl-file", fl.ACLFile, "YAML file with per-repository access rules")
	f.BoolVar(&fl.AppendOnly, "append-only", fl.AppendOnly, "only allow adding data, never deleting or overwriting")
	f.BoolVar(&fl.PrivateRepos, "private-repos", fl.PrivateRepos, "users may only access repositories under their own name")
	f.BoolVar(&fl.TLS, "tls", fl.TLS, "serve HTTPS")
	f.StringVar(&fl.TLSCert, "tls-cert", fl.TLSCert, "TLS certificate file")
	f.StringVar(&fl.TLSKey, "tls-key", fl.TLSKey, "TLS key file")
	f.StringVar(&fl.LogLevel, "log-level", fl.LogLevel, "off, error, warn, info, debug or trace")
	f.BoolVar(&fl.LogJSON, "log-json", fl.LogJSON, "log as JSON")
	f.IntVar(&fl.MaxConns, "max-conns", fl.MaxConns, "maximum concurrent connections (0 = unlimited)")
	f.StringVar(&fl.MetricsListen, "metrics-listen", fl.MetricsListen, "serve Prometheus metrics on this address")
	return cmd
}

// applyFlags copies onto cfg only the flags given on the command line, so
// defaults never clobber values from the config file.
func applyFlags(cmd *cobra.Command, cfg *config.Config, fl config.Config) {
	set := map[string]func(){
		"listen":         func() { cfg.Listen = fl.Listen },
		"path":           func() { cfg.Path = fl.Path },
		"prefix":         func() { cfg.Prefix = fl.Prefix },
		"backend":        func() { cfg.Backend = fl.Backend },
		"no-auth":        func() { cfg.NoAuth = fl.NoAuth },
		"htpasswd-file":  func() { cfg.HtpasswdFile = fl.HtpasswdFile },
		"acl-file":       func() { cfg.ACLFile = fl.ACLFile },
		"append-only":    func() { cfg.AppendOnly = fl.AppendOnly },
		"private-repos":  func() { cfg.PrivateRepos = fl.PrivateRepos },
		"tls":            func() { cfg.TLS = fl.TLS },
		"tls-cert":       func() { cfg.TLSCert = fl.TLSCert },
		"tls-key":        func() { cfg.TLSKey = fl.TLSKey },
		"log-level":      func() { cfg.LogLevel = fl.LogLevel },
		"log-json":       func() { cfg.LogJSON = fl.LogJSON },
		"max-conns":      func() { cfg.MaxConns = fl.MaxConns },
		"metrics-listen": func() { cfg.MetricsListen = fl.MetricsListen },
	}
	for name, apply := range set {
		if cmd.Flags().Changed(name) {
			apply()
		}
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	level, _ := log.ParseLevel(cfg.LogLevel)
	logger := log.NewLogger(log.Config{Version: Version, Level: level, JSON: cfg.LogJSON})
	ctx = log.WithLogger(ctx, logger)

	backend, err := openBackend(cfg)
	if err != nil {
		return err
	}

	current, err := loadAuth(cfg)
	if err != nil {
		return err
	}
	if !cfg.NoAuth {
		go func() {
			if err := auth.Watch(ctx, cfg.HtpasswdFile, current, logger); err != nil {
				logger.Warn("htpasswd watch disabled", "err", err)
			}
		}()
	}

	var rules []acl.Rule
	if cfg.ACLFile != "" {
		if rules, err = config.LoadACL(cfg.ACLFile); err != nil {
			return err
		}
	}
	engine, err := acl.New(cfg.Policy(), rules)
	if err != nil {
		return err
	}

	var metrics *httpserver.Metrics
	if cfg.MetricsListen != "" {
		metrics = httpserver.NewMetrics()
	}

	srv, err := httpserver.New(httpserver.Options{
		Backend: backend,
		Policy:  engine,
		Auth:    current,
		Prefix:  cfg.Prefix,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return fmt.Errorf("server init: %w", err)
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.MaxConns)
	}

	servers := []*http.Server{newHTTPServer(withHeaders(srv.Handler()), logger)}
	errc := make(chan error, 2)
	go func() {
		if cfg.TLS {
			errc <- servers[0].ServeTLS(ln, cfg.TLSCert, cfg.TLSKey)
			return
		}
		errc <- servers[0].Serve(ln)
	}()

	scheme := "http"
	if cfg.TLS {
		scheme = "https"
	}
	logger.Info("restkeep listening",
		"url", fmt.Sprintf("%s://%s%s", scheme, ln.Addr(), cfg.Prefix),
		"path", cfg.Path,
		"backend", cfg.Backend,
		"auth", !cfg.NoAuth,
		"append_only", cfg.AppendOnly,
		"private_repos", cfg.PrivateRepos,
	)

	if metrics != nil {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", metrics.Handler())
		ms := newHTTPServer(mux, logger)
		ms.Addr = cfg.MetricsListen
		servers = append(servers, ms)
		go func() { errc <- ms.ListenAndServe() }()
		logger.Info("metrics listening", "addr", cfg.MetricsListen)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var errs []error
	for _, s := range servers {
		errs = append(errs, s.Shutdown(shutdownCtx))
	}
	return errors.Join(errs...)
}

func openBackend(cfg config.Config) (storage.Backend, error) {
	if cfg.Backend == "memory" {
		return storage.NewMemory(), nil
	}
	if err := os.MkdirAll(cfg.Path, 0o700); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return storage.NewFS(cfg.Path)
}

func loadAuth(cfg config.Config) (*auth.Current, error) {
	if cfg.NoAuth {
		return auth.NewCurrent(auth.Disabled()), nil
	}
	a, err := auth.LoadHtpasswd(cfg.HtpasswdFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("no htpasswd file at %s: create one with `restkeep passwd` or start with --no-auth", cfg.HtpasswdFile)
	}
	if err != nil {
		return nil, fmt.Errorf("load htpasswd: %w", err)
	}
	return auth.NewCurrent(a), nil
}

// newHTTPServer has no write timeout: pack files are large and clients may
// be slow.
func newHTTPServer(h http.Handler, logger *slog.Logger) *http.Server {
	return &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
}

func withHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
