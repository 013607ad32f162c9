package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/trackproxy/internal/catalog"
	"github.com/jmylchreest/trackproxy/internal/config"
	internalhttp "github.com/jmylchreest/trackproxy/internal/http"
	"github.com/jmylchreest/trackproxy/internal/http/handlers"
	"github.com/jmylchreest/trackproxy/internal/metrics"
	"github.com/jmylchreest/trackproxy/internal/observability"
	"github.com/jmylchreest/trackproxy/internal/profile"
	"github.com/jmylchreest/trackproxy/internal/streaming"
	"github.com/jmylchreest/trackproxy/internal/version"
	"github.com/jmylchreest/trackproxy/pkg/httpclient"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the track proxy",
	Long: `Start the trackproxy HTTP server.

The server provides:
- /track/<uri>.mp3 audio for media players, with Range support per client profile
- Status API for cached tracks, client profiles and upstream circuit breakers
- Health and readiness probes, Prometheus metrics and OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 12555, "Port to listen on")
	serveCmd.Flags().String("upstream", "", "Catalog gateway base URL")
	serveCmd.Flags().String("profiles-dir", "", "Directory of client profiles")
	serveCmd.Flags().String("public-url", "", "Base URL players use to reach the proxy, used in API responses")

	mustBindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	mustBindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	mustBindPFlag("upstream.base_url", serveCmd.Flags().Lookup("upstream"))
	mustBindPFlag("profiles.dir", serveCmd.Flags().Lookup("profiles-dir"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return err
	}
	logger := slog.Default()

	catalogHTTP, audioHTTP := newUpstreamClients(cfg.Upstream, logger)
	httpclient.DefaultRegistry.Register(catalogHTTP)
	httpclient.DefaultRegistry.Register(audioHTTP)

	gateway, err := catalog.NewHTTPClient(catalog.HTTPConfig{
		BaseURL:   cfg.Upstream.BaseURL,
		CacheSize: cfg.Upstream.MetadataCacheSize,
		CacheTTL:  cfg.Upstream.MetadataCacheTTL,
	}, catalogHTTP, observability.WithComponent(logger, "catalog"))
	if err != nil {
		return fmt.Errorf("creating catalog client: %w", err)
	}

	profiles := profile.NewManager(observability.WithComponent(logger, "profiles"))
	if err := profiles.Load(cfg.Profiles.Dir); err != nil {
		return fmt.Errorf("loading profiles: %w", err)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	trackConfig, err := streaming.NewServerConfig(cfg)
	if err != nil {
		return fmt.Errorf("configuring track server: %w", err)
	}
	tracks := streaming.NewServer(trackConfig, gateway, audioHTTP, profiles, m, logger)

	var opts []internalhttp.Option
	if cfg.Streaming.Enabled {
		opts = append(opts, internalhttp.WithMiddleware(streaming.NewDispatcher(tracks).Middleware))
	}
	server := internalhttp.NewServer(internalhttp.ServerConfigFrom(cfg.Server), logger, version.Version, opts...)
	if m != nil {
		server.Router().Handle(cfg.Metrics.Path, m.Handler())
	}

	publicURL, _ := cmd.Flags().GetString("public-url")
	handlers.NewHealthHandler(version.Version).WithTracks(tracks).Register(server.API())
	handlers.NewTrackHandler(tracks, publicURL).Register(server.API())
	handlers.NewProfileHandler(profiles).Register(server.API())
	handlers.NewCircuitBreakerHandler(httpclient.DefaultRegistry).Register(server.API())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := tracks.Start(ctx); err != nil {
		return fmt.Errorf("starting track server: %w", err)
	}
	defer tracks.Stop()

	logger.Info("starting trackproxy",
		slog.String("address", cfg.Server.Address()),
		slog.String("upstream", cfg.Upstream.BaseURL),
		slog.Bool("streaming", cfg.Streaming.Enabled),
		slog.String("version", version.Version),
	)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Profiles.Watch && cfg.Profiles.Dir != "" {
		g.Go(func() error {
			if err := profiles.Watch(gctx); err != nil {
				logger.Warn("profile hot reload disabled", slog.String("error", err.Error()))
			}
			return nil
		})
	}
	g.Go(func() error {
		return server.ListenAndServe(gctx)
	})

	return g.Wait()
}

// newUpstreamClients builds the gateway client, which retries and decodes
// compressed JSON, and the audio client, which does neither: audio bodies
// are relayed byte for byte and a retry would restart the download.
func newUpstreamClients(cfg config.UpstreamConfig, logger *slog.Logger) (*httpclient.Client, *httpclient.Client) {
	base := httpclient.DefaultConfig()
	base.CircuitThreshold = cfg.CircuitThreshold
	base.CircuitTimeout = cfg.CircuitTimeout
	base.UserAgent = version.UserAgent()

	catalogCfg := base
	catalogCfg.Name = "catalog"
	catalogCfg.Timeout = cfg.Timeout
	catalogCfg.RetryAttempts = cfg.RetryAttempts
	catalogCfg.MaxResponseSize = 4 << 20
	catalogCfg.Logger = observability.WithComponent(logger, "httpclient.catalog")

	audioCfg := base
	audioCfg.Name = "audio"
	audioCfg.RetryAttempts = 0
	audioCfg.EnableDecompression = false
	audioCfg.BaseClient = httpclient.StreamingBaseClient(cfg.Timeout)
	audioCfg.Logger = observability.WithComponent(logger, "httpclient.audio")

	return httpclient.New(catalogCfg), httpclient.New(audioCfg)
}
