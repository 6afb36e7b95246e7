package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/clankbot/clank/internal/auth"
	"github.com/clankbot/clank/internal/command"
	ctxwindow "github.com/clankbot/clank/internal/context"
	"github.com/clankbot/clank/internal/engine"
	"github.com/clankbot/clank/internal/filter"
	"github.com/clankbot/clank/internal/inference"
	"github.com/clankbot/clank/internal/metrics"
	"github.com/clankbot/clank/internal/profile"
	"github.com/clankbot/clank/internal/ratelimit"
	"github.com/clankbot/clank/internal/resource"
	"github.com/clankbot/clank/internal/store"
	"github.com/clankbot/clank/internal/store/postgres"
	"github.com/clankbot/clank/internal/store/resilient"
	"github.com/clankbot/clank/internal/store/sqlite"
	"github.com/clankbot/clank/internal/transport"
	"github.com/clankbot/clank/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "clank",
	Short: "A Twitch chat bot that talks through a local Ollama model.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		if !isRunningAsSystemdService() {
			_ = godotenv.Load()
		}
		return nil
	},
	RunE: run,
}

func init() {
	rootCmd.PersistentFlags().String("channels", "", "comma-separated Twitch channels to join")
	rootCmd.PersistentFlags().String("bot-username", "", "the bot's own Twitch username")
	rootCmd.PersistentFlags().String("driver", "sqlite", "storage backend (sqlite or postgres)")
	rootCmd.PersistentFlags().String("dsn", "", "database source name")
	rootCmd.PersistentFlags().String("data", "", "data directory for the sqlite backend")
	rootCmd.PersistentFlags().String("mode", "demo", `run mode, "prod", "dev", or "demo"`)
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Int("metrics-port", 9090, "port the /metrics endpoint listens on")

	for _, flag := range []string{"channels", "bot-username", "driver", "dsn", "data", "mode", "log-level", "metrics-port"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("clank")
	viper.AutomaticEnv()
}

// isRunningAsSystemdService detects whether systemd manages this process:
// when it does, configuration comes from the unit file's Environment
// directives, not a local .env.
func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("clank exited with error", "error", err)
		os.Exit(1)
	}
}

func run(_ *cobra.Command, _ []string) error {
	p := &profile.Profile{}
	p.FromEnv()
	applyFlagOverrides(p)
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	configureLogging(p)

	slog.Info("starting clank", "version", version.GetCurrentVersion(p.Mode), "mode", p.Mode, "channels", p.Channels)

	driver, err := openStore(p)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer driver.Close()

	authProvider := auth.New(auth.Config{
		ClientID:      p.OAuthClientID,
		ClientSecret:  p.OAuthClientSecret,
		TokenURL:      "https://id.twitch.tv/oauth2/token",
		EncryptionKey: p.TokenEncryptionKey,
	}, driver)

	infClient := inference.New(inference.Config{
		BaseURL:         p.OllamaBaseURL,
		DefaultModel:    p.OllamaModel,
		Timeout:         time.Duration(p.OllamaTimeoutS) * time.Second,
		MaxFailures:     p.OllamaMaxFailures,
		RecoveryTimeout: time.Duration(p.OllamaRecoveryTimeoutS) * time.Second,
	})

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := infClient.ValidateStartup(startupCtx, p.OllamaModel); err != nil {
		startupCancel()
		return fmt.Errorf("inference model unavailable at startup: %w", err)
	}
	startupCancel()

	contentFilter, err := buildFilter(p)
	if err != nil {
		return fmt.Errorf("load content filter: %w", err)
	}

	rateLimiter := ratelimit.New(driver)
	contextMgr := ctxwindow.New(driver)

	metricsRegistry := metrics.New()
	if err := metricsRegistry.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	stats := &command.Stats{}
	emitterRef := &lazyEmitter{}

	cmdHandler := command.New(rateLimiter, infClient, emitterRef, stats)
	coordinator := engine.New(driver, contentFilter, rateLimiter, contextMgr, infClient, emitterRef, metricsRegistry, stats, p.OllamaModel)

	transportClient := transport.New(p.BotUsername, authProvider, p.Channels, coordinator, cmdHandler)
	emitterRef.client = transportClient

	resourceMonitor := resource.New(resource.Config{
		Thresholds: resource.Thresholds{
			MemWarningPct:   p.MemWarningPct,
			MemCriticalPct:  p.MemCriticalPct,
			DiskWarningPct:  p.DiskWarningPct,
			DiskCriticalPct: p.DiskCriticalPct,
		},
	}, coordinator)

	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", viper.GetInt("metrics-port")),
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, terminationSignals...)
	go func() {
		<-sigCh
		slog.Info("shutdown signal received")
		_ = metricsServer.Shutdown(context.Background())
		_ = transportClient.Stop()
		cancel()
	}()

	err = engine.Supervise(ctx,
		transportClient.Connect,
		resourceMonitor.Run,
		func(ctx context.Context) error {
			return coordinator.RunContextCacheSweep(ctx, 60*time.Second)
		},
		func(ctx context.Context) error {
			if serveErr := metricsServer.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
				return serveErr
			}
			<-ctx.Done()
			return ctx.Err()
		},
	)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("supervised task failed: %w", err)
	}
	return nil
}

func applyFlagOverrides(p *profile.Profile) {
	if v := viper.GetString("channels"); v != "" {
		p.Channels = splitChannels(v)
	}
	if v := viper.GetString("bot-username"); v != "" {
		p.BotUsername = v
	}
	if v := viper.GetString("driver"); v != "" && viper.IsSet("driver") {
		p.Driver = v
	}
	if v := viper.GetString("dsn"); v != "" {
		p.DSN = v
	}
	if v := viper.GetString("data"); v != "" {
		p.Data = v
	}
	if v := viper.GetString("mode"); v != "" {
		p.Mode = v
	}
	if v := viper.GetString("log-level"); v != "" && viper.IsSet("log-level") {
		p.LogLevel = v
	}
}

func splitChannels(raw string) []string {
	var out []string
	for _, c := range strings.Split(raw, ",") {
		c = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(c), "#"))
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

func openStore(p *profile.Profile) (store.Driver, error) {
	var inner store.Driver
	var err error
	switch p.Driver {
	case "postgres":
		inner, err = postgres.NewDB(p)
	default:
		inner, err = sqlite.NewDB(p)
	}
	if err != nil {
		return nil, err
	}
	return resilient.New(inner), nil
}

func buildFilter(p *profile.Profile) (engine.Filter, error) {
	if !p.IsFilterEnabled() {
		return passthroughFilter{}, nil
	}
	f := filter.New()
	if p.FilterBlocklistPath != "" {
		if err := f.LoadFile(p.FilterBlocklistPath); err != nil {
			return nil, err
		}
		f.WatchFile(p.FilterBlocklistPath, 5*time.Minute, make(chan struct{}))
	}
	return f, nil
}

// lazyEmitter resolves the engine/command Emitter capability to the
// transport.Client constructed after them, breaking the construction
// cycle between the two.
type lazyEmitter struct {
	client *transport.Client
}

func (l *lazyEmitter) Say(ctx context.Context, channel, text string) error {
	return l.client.Say(ctx, channel, text)
}

// passthroughFilter is wired in when the operator disables the content
// filter entirely; it never blocks anything.
type passthroughFilter struct{}

func (passthroughFilter) FilterInput(s string) (string, bool)  { return s, true }
func (passthroughFilter) FilterOutput(s string) (string, bool) { return s, true }

func configureLogging(p *profile.Profile) {
	level := slog.LevelInfo
	switch p.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if p.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
