package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/example/sectorwars/internal/aisecurity"
	"github.com/example/sectorwars/internal/auth"
	"github.com/example/sectorwars/internal/config"
	"github.com/example/sectorwars/internal/dialogue"
	"github.com/example/sectorwars/internal/logging"
	"github.com/example/sectorwars/internal/metrics"
	"github.com/example/sectorwars/internal/ratelimit"
	srv "github.com/example/sectorwars/internal/server"
	"github.com/example/sectorwars/internal/store"
	"github.com/example/sectorwars/internal/warpgate"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	flags := pflag.NewFlagSet("sectorwars", pflag.ExitOnError)
	flags.StringVar(&cfg.HTTPPort, "http-port", cfg.HTTPPort, "HTTP port")
	flags.StringVar(&cfg.HTTPSPort, "https-port", cfg.HTTPSPort, "HTTPS port")
	flags.StringVar(&cfg.CertFile, "cert", cfg.CertFile, "Path to certificate file")
	flags.StringVar(&cfg.KeyFile, "key", cfg.KeyFile, "Path to private key file")
	flags.BoolVar(&cfg.TLSOnly, "tls-only", cfg.TLSOnly, "Only serve HTTPS")
	flags.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Path to the SQLite database")
	flags.StringVar(&cfg.GateTopology, "gates", cfg.GateTopology, "Path to the gate topology file")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	_ = flags.Parse(os.Args[1:])

	log := logging.New("sectorwars", cfg.LogLevel, cfg.LogPretty)
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func run(cfg config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Register()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	topology, err := warpgate.LoadTopology(cfg.GateTopology)
	if err != nil {
		return err
	}

	var (
		validator auth.Validator
		issuer    *auth.LocalIssuer
	)
	if cfg.Cognito.Enabled() {
		validator = auth.NewCognito(cfg.Cognito)
		log.Info().Str("user_pool", cfg.Cognito.UserPoolID).Msg("validating Cognito tokens")
	} else {
		issuer, err = auth.NewLocalIssuer(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.TTL)
		if err != nil {
			return err
		}
		validator = issuer
		log.Warn().Msg("Cognito not configured, issuing local development tokens")
	}

	var provider dialogue.Provider
	if cfg.AI.APIKey != "" {
		provider = dialogue.NewHTTPProvider(dialogue.HTTPConfig{URL: cfg.AI.APIURL, APIKey: cfg.AI.APIKey})
	}

	gs := srv.New(st, srv.Options{
		Logger:       log,
		TickInterval: cfg.TickInterval,
		TravelTTL:    cfg.TravelTTL,
		Topology:     topology,
		AILimits: aisecurity.Limits{
			RequestsPerMinute: cfg.AI.RequestsPerMinute,
			RequestsPerHour:   cfg.AI.RequestsPerHour,
			RequestsPerDay:    cfg.AI.RequestsPerDay,
			MaxChars:          cfg.AI.MaxChars,
			MaxWords:          cfg.AI.MaxWords,
			MaxCostPerDayUSD:  cfg.AI.MaxCostPerDayUSD,
		},
		AIModel:   cfg.AI.Model,
		AITimeout: cfg.AI.ProviderTimeout,
		Provider:  provider,
		Limiter:   ratelimit.New(ratelimit.DefaultRules(), ratelimit.DefaultFallback, log.With().Str("component", "ratelimit").Logger()),
		Issuer:    issuer,
	})
	if err := gs.Start(ctx); err != nil {
		return err
	}
	go gs.Run(ctx)

	r := mux.NewRouter()
	r.Use(srv.RequestLogger(log), srv.RequestMetrics())
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(r.Context()); err != nil {
			log.Error().Err(err).Msg("health check failed")
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("OK"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/ping", pong).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/auth/start", authStart(cfg.Cognito, log)).Methods(http.MethodGet)
	gs.Routes(r, validator)

	return serve(ctx, cfg, srv.CORS(r), log)
}

func pong(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("pong"))
}

// authStart redirects to the Cognito Hosted UI authorize URL.
func authStart(c config.Cognito, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callback := c.CallbackURL
		if callback == "" {
			callback = "https://" + r.Host + "/auth/callback"
		}
		if c.Domain == "" || c.ClientID == "" {
			log.Warn().Str("domain", c.Domain).Str("client_id", c.ClientID).Msg("/auth/start missing configuration")
			http.Error(w, "Auth not configured", http.StatusServiceUnavailable)
			return
		}
		q := url.Values{}
		q.Set("client_id", c.ClientID)
		q.Set("response_type", "code")
		q.Set("scope", "openid email profile")
		q.Set("redirect_uri", callback)
		http.Redirect(w, r, "https://"+c.Domain+"/oauth2/authorize?"+q.Encode(), http.StatusFound)
	}
}

// serve runs HTTPS with an HTTP redirector, or plain HTTP when certificates
// are missing and TLS is not required.
func serve(ctx context.Context, cfg config.Config, h http.Handler, log zerolog.Logger) error {
	if !fileExists(cfg.CertFile) || !fileExists(cfg.KeyFile) {
		if cfg.TLSOnly {
			return fmt.Errorf("TLS-only mode enabled but %s or %s is missing", cfg.CertFile, cfg.KeyFile)
		}
		log.Warn().Str("cert", cfg.CertFile).Str("key", cfg.KeyFile).Msg("certificates not found, serving HTTP only")
		return listen(ctx, &http.Server{Addr: ":" + cfg.HTTPPort, Handler: h}, log, func(s *http.Server) error {
			return s.ListenAndServe()
		})
	}

	httpsSrv := &http.Server{
		Addr:    ":" + cfg.HTTPSPort,
		Handler: h,
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			CipherSuites: []uint16{
				tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
				tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			},
		},
	}
	if cfg.TLSOnly {
		return listen(ctx, httpsSrv, log, func(s *http.Server) error {
			return s.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)
		})
	}

	errc := make(chan error, 1)
	go func() {
		errc <- listen(ctx, httpsSrv, log, func(s *http.Server) error {
			return s.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)
		})
	}()
	redirect := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: redirector(cfg.HTTPSPort)}
	if err := listen(ctx, redirect, log, func(s *http.Server) error { return s.ListenAndServe() }); err != nil {
		return err
	}
	return <-errc
}

// redirector keeps health checks on plain HTTP and sends everything else to HTTPS.
func redirector(httpsPort string) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("OK"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/ping", pong).Methods(http.MethodGet)
	r.PathPrefix("/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target := "https://" + r.Host
		if host, _, err := net.SplitHostPort(r.Host); err == nil {
			target = "https://" + host
		}
		if httpsPort != "443" {
			target += ":" + httpsPort
		}
		http.Redirect(w, r, target+r.RequestURI, http.StatusMovedPermanently)
	})
	return r
}

// listen runs s until ctx is cancelled, then shuts it down gracefully.
func listen(ctx context.Context, s *http.Server, log zerolog.Logger, start func(*http.Server) error) error {
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.Addr).Bool("tls", s.TLSConfig != nil).Msg("listening")
		errc <- start(s)
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
