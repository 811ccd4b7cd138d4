// Command gateway runs the TRAC Platform Gateway: a single process that
// negotiates protocol, routes, authenticates, and proxies client traffic to
// backend services per the loaded config.yaml (spec §1, §6).
package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/descriptorpb"

	"github.com/tracplatform/gateway/internal/authmw"
	"github.com/tracplatform/gateway/internal/authprovider"
	"github.com/tracplatform/gateway/internal/config"
	"github.com/tracplatform/gateway/internal/health"
	"github.com/tracplatform/gateway/internal/logging"
	"github.com/tracplatform/gateway/internal/login"
	"github.com/tracplatform/gateway/internal/logring"
	"github.com/tracplatform/gateway/internal/metrics"
	"github.com/tracplatform/gateway/internal/negotiator"
	"github.com/tracplatform/gateway/internal/pipeline"
	"github.com/tracplatform/gateway/internal/proxy"
	"github.com/tracplatform/gateway/internal/proxy/http2proxy"
	"github.com/tracplatform/gateway/internal/proxy/httpproxy"
	"github.com/tracplatform/gateway/internal/proxy/resttranscode"
	"github.com/tracplatform/gateway/internal/proxy/wsrpc"
	"github.com/tracplatform/gateway/internal/route"
	"github.com/tracplatform/gateway/internal/security"
	"github.com/tracplatform/gateway/internal/setup"
	"github.com/tracplatform/gateway/internal/token"
	"github.com/tracplatform/gateway/internal/webui"
)

// Build metadata, overridden via -ldflags at release build time.
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// Exit codes per spec §7 "Startup errors": 0 clean, 1 generic runtime
// failure, 2 configuration error, 3 missing or invalid key material.
const (
	exitOK          = 0
	exitRuntime     = 1
	exitConfigError = 2
	exitKeyMaterial = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var configPath string

	root := &cobra.Command{
		Use:           "gateway",
		Short:         "TRAC Platform Gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "/etc/trac-gateway/config.yaml", "path to config.yaml")

	exitCode := exitOK

	root.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Run the gateway in the foreground",
		RunE: func(cmd *cobra.Command, _ []string) error {
			code := startServer(configPath)
			exitCode = code
			if code != exitOK {
				return fmt.Errorf("exit %d", code)
			}
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate config.yaml without starting the gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := config.Load(configPath); err != nil {
				fmt.Fprintln(os.Stderr, err)
				exitCode = exitConfigError
				return err
			}
			fmt.Fprintln(os.Stdout, "config is valid")
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(os.Stdout, "gateway %s (commit %s, built %s)\n", version, gitCommit, buildTime)
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "setup",
		Short: "Interactively generate a config.yaml",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := setup.WizardOptions{}
			if cmd.Flags().Changed("config") {
				opts.ConfigPath = configPath
			}
			if err := setup.RunWizard(os.Stdin, os.Stdout, opts); err != nil {
				exitCode = exitRuntime
				return err
			}
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "systemd",
		Short: "Notify systemd that the gateway is ready (used by ExecStartPost)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
			if err != nil {
				exitCode = exitRuntime
				return err
			}
			if !sent {
				fmt.Fprintln(os.Stdout, "NOTIFY_SOCKET not set; nothing to notify")
			}
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "healthcheck",
		Short: "Query the health endpoint of a running gateway and exit 0/1 accordingly",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				exitCode = exitConfigError
				return err
			}
			if !cfg.Health.Enabled {
				fmt.Fprintln(os.Stderr, "health endpoint is disabled in config")
				exitCode = exitRuntime
				return errors.New("health disabled")
			}
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get("http://" + cfg.Health.ListenAddress + cfg.Health.Endpoint)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				exitCode = exitRuntime
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				exitCode = exitRuntime
				return fmt.Errorf("health check returned %d", resp.StatusCode)
			}
			fmt.Fprintln(os.Stdout, "ok")
			return nil
		},
	})

	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		if exitCode == exitOK {
			exitCode = exitRuntime
		}
	}
	return exitCode
}

// gatewayServer bundles everything a running gateway needs to shut down
// cleanly: the two listeners, background loops, and anything holding a
// file descriptor or goroutine open.
type gatewayServer struct {
	clientServer *http.Server
	healthServer *http.Server
	rateLimiter  *security.RateLimiter
	transcoder   *resttranscode.Engine
	logFile      io.Closer
}

func startServer(configPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return exitConfigError
	}

	ring := logring.NewRingBuffer(500)
	baseHandler, lj := logging.SetupHandler(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File,
		cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups, cfg.Logging.MaxAgeDays, cfg.Logging.Compress)
	slog.SetDefault(slog.New(logring.NewTeeHandler(baseHandler, ring)))

	gw, err := buildServer(cfg, ring)
	if gw != nil && lj != nil {
		gw.logFile = lj
	}
	if err != nil {
		slog.Error("startup failed", "error", err)
		if ke := (*keyMaterialError)(nil); errors.As(err, &ke) {
			return exitKeyMaterial
		}
		return exitRuntime
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		slog.Info("client listener starting", "address", cfg.Server.ListenAddress)
		if err := gw.clientServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("client listener: %w", err)
		}
	}()
	if gw.healthServer != nil {
		go func() {
			slog.Info("health listener starting", "address", cfg.Health.ListenAddress)
			if err := gw.healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("health listener: %w", err)
			}
		}()
	}

	if sent, notifyErr := daemon.SdNotify(false, daemon.SdNotifyReady); notifyErr == nil && sent {
		slog.Debug("notified systemd readiness")
	}

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		slog.Error("listener failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = gw.clientServer.Shutdown(shutdownCtx)
	if gw.healthServer != nil {
		_ = gw.healthServer.Shutdown(shutdownCtx)
	}
	if gw.rateLimiter != nil {
		gw.rateLimiter.Stop()
	}
	if gw.transcoder != nil {
		_ = gw.transcoder.Close()
	}
	if gw.logFile != nil {
		_ = gw.logFile.Close()
	}

	return exitOK
}

// keyMaterialError marks a startup failure as the exit-3 "missing or
// invalid key material" case (spec §7), distinct from other exit-1 errors.
type keyMaterialError struct{ err error }

func (e *keyMaterialError) Error() string { return e.err.Error() }
func (e *keyMaterialError) Unwrap() error { return e.err }

// buildServer wires config into a runnable gatewayServer: route table,
// token processor, auth middleware, proxy engines dispatched by route
// class and negotiated transport, health handler, admin API, and metrics.
func buildServer(cfg *config.Config, ring *logring.RingBuffer) (*gatewayServer, error) {
	table, err := cfg.BuildRouteTable()
	if err != nil {
		return nil, fmt.Errorf("building route table: %w", err)
	}

	var m *metrics.Metrics
	if cfg.Monitoring.MetricsEnabled {
		m = metrics.New()
	}

	proc, delegate, err := buildTokenProcessor(cfg)
	if err != nil {
		return nil, err
	}

	p := proxy.New()
	httpEngine := httpproxy.New(cfg.Server.ConnectTimeout)
	h2Engine := http2proxy.New(cfg.Server.ConnectTimeout)
	wsEngine := wsrpc.New(cfg.Server.ConnectTimeout)
	wsEngine.MaxFrameSize = int(cfg.Server.MaxFrameSize)

	transcoder, err := buildTranscoder(cfg, table, delegate)
	if err != nil {
		return nil, fmt.Errorf("building REST transcoder: %w", err)
	}

	var rateLimiter *security.RateLimiter
	if cfg.Security.RateLimit.Enabled {
		rateLimiter = security.NewRateLimiter(
			rateFromPerMinute(cfg.Security.RateLimit.ConnectionsPerMinute),
			cfg.Security.RateLimit.ConnectionsPerMinute,
		)
	}

	backendChecks := make(map[string]string)
	for _, rt := range table.Routes() {
		if rt.Primary == route.Internal {
			continue
		}
		backendChecks[rt.Name] = fmt.Sprintf("%s://%s:%d%s", schemeToHTTP(rt.Target.Scheme), rt.Target.Host, rt.Target.Port, rt.Target.PathPrefix)
	}
	healthHandler := health.NewHandler(p, backendChecks, version, cfg.Health.Detailed)
	if m != nil {
		healthHandler.SetMetrics(m)
	}

	mw := &authmw.Middleware{
		Processor:        proc,
		BrowserProvider:  authprovider.Func(denyAllProvider),
		APIProvider:      authprovider.Func(denyAllProvider),
		SessionDuration:  cfg.Authentication.JWTExpiry,
		RefreshThreshold: cfg.Authentication.RefreshThreshold,
		MaxContentBuffer: int(cfg.Server.MaxPendingContent),
	}

	loginHandler := &login.Handler{
		Processor:        proc,
		BrowserProvider:  authprovider.Func(denyAllProvider),
		APIProvider:      authprovider.Func(denyAllProvider),
		SessionDuration:  cfg.Authentication.JWTExpiry,
		SessionLimit:     cfg.Authentication.JWTExpiry * 8,
		MaxContentBuffer: int(cfg.Server.MaxPendingContent),
	}

	mux := http.NewServeMux()
	loginHandler.Register(mux)
	dispatcher := &routeDispatcher{
		table:          table,
		httpEngine:     httpEngine,
		h2Engine:       h2Engine,
		wsEngine:       wsEngine,
		transcoder:     transcoder,
		proxy:          p,
		metrics:        m,
		rateLimiter:    rateLimiter,
		maxConnections: cfg.Security.MaxConnections,
		maxPerIP:       cfg.Security.MaxConnectionsPerIP,
	}
	mux.Handle("/", dispatcher)

	var clientHandler http.Handler = mux
	if !cfg.Authentication.DisableAuth {
		clientHandler = mw.Wrap(mux)
	}

	neg := negotiator.New(clientHandler, cfg.Server.IdleTimeout)

	clientServer := &http.Server{
		Addr:         cfg.Server.ListenAddress,
		Handler:      neg.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		ConnContext:  negotiator.ConnContext,
	}
	if cfg.Server.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		if err != nil {
			return nil, &keyMaterialError{fmt.Errorf("loading TLS certificate: %w", err)}
		}
		clientServer.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{"h2", "http/1.1"},
		}
	}

	gw := &gatewayServer{clientServer: clientServer, rateLimiter: rateLimiter, transcoder: transcoder}

	if cfg.Health.Enabled {
		ui := webui.New(webui.Dependencies{
			Proxy:      p,
			Table:      table,
			RingBuffer: ring,
			Version:    version,
			BuildTime:  buildTime,
			GitCommit:  gitCommit,
			StartTime:  time.Now(),
		})

		healthMux := http.NewServeMux()
		healthMux.Handle(cfg.Health.Endpoint, healthHandler)
		healthMux.Handle("/api/", ui.APIHandler())
		if m != nil {
			healthMux.Handle(cfg.Monitoring.MetricsEndpoint, promhttp.Handler())
		}
		gw.healthServer = &http.Server{
			Addr:    cfg.Health.ListenAddress,
			Handler: healthMux,
		}
	}

	return gw, nil
}

// denyAllProvider is the default when no identity-provider integration is
// configured: every attempt fails closed (spec §1, pluggable auth is left
// to the deployment).
func denyAllProvider(w http.ResponseWriter, r *http.Request) authprovider.Result {
	return authprovider.Result{Kind: authprovider.Failed, Message: "no identity provider configured"}
}

func rateFromPerMinute(perMinute int) rate.Limit {
	return rate.Limit(float64(perMinute) / 60.0)
}

func schemeToHTTP(s route.Scheme) string {
	switch s {
	case route.SchemeWSS, route.SchemeHTTPS:
		return "https"
	default:
		return "http"
	}
}

// buildTokenProcessor loads key material (if signing is enabled) and
// constructs the token.Processor plus an optional delegate source for
// internal system-to-system calls (spec §4.5).
func buildTokenProcessor(cfg *config.Config) (*token.Processor, *token.DelegateSource, error) {
	if cfg.Authentication.DisableSigning {
		proc, err := token.NewProcessor(cfg.Authentication.JWTIssuer, nil, nil, true)
		return proc, nil, err
	}

	signKey, verifyKey, err := loadKeyPair(cfg.Authentication.PrivateKeyPath, cfg.Authentication.PublicKeyPath)
	if err != nil {
		return nil, nil, &keyMaterialError{err}
	}

	proc, err := token.NewProcessor(cfg.Authentication.JWTIssuer, signKey, verifyKey, false)
	if err != nil {
		return nil, nil, &keyMaterialError{err}
	}

	delegate := token.NewDelegateSource(proc, cfg.Authentication.SystemUserID, cfg.Authentication.SystemUserName,
		cfg.Authentication.SystemTicketDuration, cfg.Authentication.SystemTicketDuration*2, cfg.Authentication.SystemTicketRefresh)

	return proc, delegate, nil
}

func loadKeyPair(privatePath, publicPath string) (signKey, verifyKey any, err error) {
	if privatePath == "" || publicPath == "" {
		return nil, nil, fmt.Errorf("authentication.private_key_path and public_key_path are both required when signing is enabled")
	}

	privPEM, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, nil, fmt.Errorf("reading private key: %w", err)
	}
	pubPEM, err := os.ReadFile(publicPath)
	if err != nil {
		return nil, nil, fmt.Errorf("reading public key: %w", err)
	}

	signKey, err = parsePrivateKey(privPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing private key: %w", err)
	}
	verifyKey, err = parsePublicKey(pubPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing public key: %w", err)
	}
	return signKey, verifyKey, nil
}

func parsePrivateKey(pemBytes []byte) (any, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	switch k := key.(type) {
	case *ecdsa.PrivateKey, *rsa.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("unsupported private key type %T", k)
	}
}

func parsePublicKey(pemBytes []byte) (any, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		if cert, certErr := x509.ParseCertificate(block.Bytes); certErr == nil {
			key = cert.PublicKey
		} else {
			return nil, err
		}
	}
	switch k := key.(type) {
	case *ecdsa.PublicKey, *rsa.PublicKey:
		return k, nil
	default:
		return nil, fmt.Errorf("unsupported public key type %T", k)
	}
}

// buildTranscoder loads the descriptor set and mapping files for every
// REST-class route, if any, and returns nil when no route needs one.
func buildTranscoder(cfg *config.Config, table *route.Table, delegate *token.DelegateSource) (*resttranscode.Engine, error) {
	fds := &descriptorpb.FileDescriptorSet{}
	mappings := make(map[string]resttranscode.Mapping)
	haveAny := false

	for _, rc := range cfg.Routes {
		if rc.Transcode == nil {
			continue
		}
		haveAny = true

		descBytes, err := os.ReadFile(rc.Transcode.DescriptorSetPath)
		if err != nil {
			return nil, fmt.Errorf("route %q: reading descriptor set: %w", rc.RouteName, err)
		}
		routeFDS := &descriptorpb.FileDescriptorSet{}
		if err := proto.Unmarshal(descBytes, routeFDS); err != nil {
			return nil, fmt.Errorf("route %q: parsing descriptor set: %w", rc.RouteName, err)
		}
		fds.File = append(fds.File, routeFDS.File...)

		mapBytes, err := os.ReadFile(rc.Transcode.MappingPath)
		if err != nil {
			return nil, fmt.Errorf("route %q: reading transcode mapping: %w", rc.RouteName, err)
		}
		var mapping resttranscode.Mapping
		if err := json.Unmarshal(mapBytes, &mapping); err != nil {
			return nil, fmt.Errorf("route %q: parsing transcode mapping: %w", rc.RouteName, err)
		}
		key := rc.RouteKey
		if key == "" {
			key = rc.RouteName
		}
		mappings[key] = mapping
	}

	if !haveAny {
		return nil, nil
	}

	reg, err := resttranscode.NewRegistry(fds, mappings)
	if err != nil {
		return nil, err
	}
	return resttranscode.New(reg, delegate), nil
}
