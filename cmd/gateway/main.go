package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/eliq/ceph/internal/baseconf"
	"github.com/eliq/ceph/internal/region"
	"github.com/eliq/ceph/internal/sysauth"
	"github.com/eliq/ceph/internal/transport/httptransport"
	"github.com/eliq/ceph/pkg/config"
)

func init() {
	// Configure zerolog for human-friendly console output until the config
	// says otherwise
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func main() {
	configFile := baseconf.FindConfigFile(config.ServiceName)
	envFile := baseconf.FindEnvironmentFile(config.ServiceName)

	cfg, err := config.Load(configFile, envFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	cfg.Log.ConfigureZerolog()

	log.Info().Msg("Starting region gateway")
	log.Info().Str("config_file", configFile).Str("env_file", envFile).Msg("Configuration loaded")
	log.Info().
		Str("log_level", cfg.Log.Level).
		Bool("debug", cfg.Log.Debug).
		Msg("Log level configured")

	signer, err := cfg.NewSigner()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create request signer")
	}
	client := httptransport.New(httptransport.Options{
		HTTPClient:       newHTTPClient(cfg.Gateway.RequestTimeout),
		Signer:           signer,
		MaxResponseBytes: cfg.Gateway.MaxResponseBytes,
	})

	registry := region.NewRegistry(cfg.LocalIdentity(), client)
	if err := registry.Reload(cfg.Upstreams()); err != nil {
		log.Fatal().Err(err).Msg("Failed to register upstream regions")
	}

	verifier := sysauth.NewTokenVerifier(cfg.System)
	router := setupRouter(cfg, registry, verifier)

	server := &http.Server{
		Addr:              cfg.GetListenAddress(),
		Handler:           h2c.NewHandler(router, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().
			Str("address", cfg.GetListenAddress()).
			Str("region", cfg.Gateway.Region).
			Str("signer", cfg.Gateway.Signer).
			Int("upstream_regions", registry.Count()).
			Bool("tls", cfg.TLS.Enabled).
			Msg("Starting gateway server")
		log.Info().Msgf("Health check: http://%s/health", cfg.GetListenAddress())
		log.Info().Msgf("Gateway status: http://%s/status", cfg.GetListenAddress())

		if cfg.TLS.Enabled {
			serveErr <- server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
			return
		}
		serveErr <- server.ListenAndServe()
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case err := <-serveErr:
			if !errors.Is(err, http.ErrServerClosed) {
				log.Fatal().Err(err).Msg("Server failed")
			}
			return
		case sig := <-signals:
			if sig == syscall.SIGHUP {
				reloadTopology(configFile, envFile, cfg, registry)
				continue
			}

			log.Info().Str("signal", sig.String()).Msg("Shutting down gateway")
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := server.Shutdown(ctx); err != nil {
				log.Error().Err(err).Msg("Graceful shutdown failed")
			}
			cancel()
			return
		}
	}
}

// reloadTopology re-reads the configuration and swaps the upstream regions.
// The local identity is fixed for the life of the process.
func reloadTopology(configFile, envFile string, current *config.Config, registry *region.Registry) {
	cfg, err := config.Load(configFile, envFile)
	if err != nil {
		log.Error().Err(err).Msg("Config reload failed, keeping current regions")
		return
	}
	if cfg.Gateway.Region != current.Gateway.Region || cfg.System.AccessKey != current.System.AccessKey {
		log.Warn().Msg("Local region and system key changes take effect on restart")
	}
	if err := registry.Reload(cfg.Upstreams()); err != nil {
		log.Error().Err(err).Msg("Region reload failed, keeping current regions")
		return
	}
	log.Info().Int("upstream_regions", registry.Count()).Msg("Region topology reloaded")
}

// newHTTPClient builds the client used for peer requests. responseTimeout
// bounds the wait for response headers only; streamed bodies are not cut off.
func newHTTPClient(responseTimeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          256,
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: responseTimeout,
			ExpectContinueTimeout: time.Second,
		},
	}
}
