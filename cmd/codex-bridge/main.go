// Command codex-bridge synchronizes a remote Codex store with a local
// derived cache, exporting enriched bundles and importing locally
// authored records.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/codex-bridge/api"
	"github.com/wolfeidau/codex-bridge/bridge"
	"github.com/wolfeidau/codex-bridge/respcache"
	"github.com/wolfeidau/codex-bridge/statefile"
	"github.com/wolfeidau/codex-bridge/telemetry"
)

var version = "dev"

type cli struct {
	BaseURL            string        `help:"Remote Codex API base URL." default:"http://localhost:5000/api"`
	StateFile          string        `help:"Path of the persisted bridge state document." default:"codex_bridge_state.json"`
	Timeout            time.Duration `help:"Per-attempt remote request timeout." default:"30s"`
	MaxRetries         int           `help:"Retries after a transport failure." default:"3"`
	SyncInterval       time.Duration `help:"Background reconciliation interval." default:"30s"`
	AutoSync           bool          `help:"Reconcile automatically in the background loop." default:"true" negatable:""`
	Bidirectional      bool          `help:"Allow pushing local records to the remote store." default:"true" negatable:""`
	ConflictResolution string        `help:"Declared conflict policy." enum:"manual,remote_wins,local_wins" default:"manual"`
	ResponseCache      string        `help:"Path of the on-disk response cache. Empty disables it." default:""`
	LogLevel           string        `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	LogFormat          string        `help:"Log format." enum:"text,json" default:"text"`

	Daemon     daemonCmd     `cmd:"" help:"Run the background sync loop until interrupted."`
	Export     exportCmd     `cmd:"" help:"Export a collection or entries as a JSON bundle."`
	Import     importCmd     `cmd:"" help:"Import locally authored annotations from a JSON array."`
	Status     statusCmd     `cmd:"" help:"Print bridge status."`
	ForceSync  forceSyncCmd  `cmd:"" name:"force-sync" help:"Advance last_sync immediately."`
	ClearCache clearCacheCmd `cmd:"" name:"clear-cache" help:"Drop all cached export payloads."`

	Version kong.VersionFlag `help:"Print version and exit."`
}

// appContext carries the constructed bridge into command Run methods.
type appContext struct {
	bridge *bridge.Bridge
	logger *slog.Logger
}

func main() {
	var flags cli
	parser := kong.Parse(&flags,
		kong.Name("codex-bridge"),
		kong.Description("Bridge between a remote Codex store and a local derived cache."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	app, cleanup, err := buildApp(&flags)
	parser.FatalIfErrorf(err)
	defer cleanup()

	parser.FatalIfErrorf(parser.Run(app))
}

func buildApp(flags *cli) (*appContext, func(), error) {
	logger, err := buildLogger(flags)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)

	opts := []api.Option{
		api.WithTimeout(flags.Timeout),
		api.WithMaxRetries(flags.MaxRetries),
		api.WithLogger(logger),
		api.WithHTTPClient(&http.Client{
			Timeout:   flags.Timeout,
			Transport: telemetry.NewInstrumentedTransport(nil),
		}),
	}

	cleanup := func() {}
	if flags.ResponseCache != "" {
		cache := respcache.New(respcache.WithLogger(logger))
		if err := cache.Open(flags.ResponseCache); err != nil {
			return nil, nil, fmt.Errorf("opening response cache: %w", err)
		}
		cleanup = func() {
			if err := cache.Close(); err != nil {
				logger.Warn("closing response cache failed", "error", err)
			}
		}
		opts = append(opts, api.WithResponseCache(cache, api.DefaultCacheTTL))
	}

	client := api.NewClient(flags.BaseURL, opts...)

	cfg := bridge.DefaultConfig()
	cfg.BaseURL = flags.BaseURL
	cfg.Timeout = flags.Timeout
	cfg.MaxRetries = flags.MaxRetries
	cfg.SyncInterval = flags.SyncInterval
	cfg.AutoSync = flags.AutoSync
	cfg.Bidirectional = flags.Bidirectional
	cfg.ConflictResolution = statefile.Policy(flags.ConflictResolution)
	cfg.StateFile = flags.StateFile
	cfg.Logger = logger

	return &appContext{
		bridge: bridge.New(cfg, client),
		logger: logger,
	}, cleanup, nil
}

func buildLogger(flags *cli) (*slog.Logger, error) {
	var level slog.Level
	switch flags.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", flags.LogLevel)
	}

	var handler slog.Handler
	switch flags.LogFormat {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", flags.LogFormat)
	}
	return slog.New(handler), nil
}

type daemonCmd struct {
	MetricsAddr  string `help:"Serve Prometheus metrics on this address. Empty disables the endpoint." default:""`
	OTLPEndpoint string `help:"OTLP gRPC endpoint for metric export. Empty disables OTLP." default:""`
}

func (c *daemonCmd) Run(app *appContext) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "codex-bridge",
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.MetricsAddr != "",
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			app.logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	var metricsSrv *http.Server
	if c.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.PrometheusHandler())
		metricsSrv = &http.Server{Addr: c.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				app.logger.Error("metrics server failed", "error", err)
			}
		}()
		app.logger.Info("metrics endpoint up", "address", c.MetricsAddr)
	}

	if err := app.bridge.Start(ctx); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	app.logger.Info("received signal, shutting down", "signal", sig)

	app.bridge.Stop()

	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			app.logger.Warn("metrics server shutdown failed", "error", err)
		}
	}

	return nil
}

type exportCmd struct {
	Collection string   `help:"Collection id to export." xor:"selector"`
	Entries    []string `help:"Entry ids for an analysis export. Empty with --all exports everything." xor:"selector"`
	All        bool     `help:"Analysis export across all entries." xor:"selector"`
	FullText   bool     `help:"Include full text in analysis exports." default:"true" negatable:""`
	Bookmarks  bool     `help:"Include bookmarks in analysis exports." default:"true" negatable:""`
	Output     string   `help:"Write the bundle to this file instead of stdout." short:"o"`
}

func (c *exportCmd) Run(app *appContext) error {
	ctx := context.Background()

	var bundle any
	switch {
	case c.Collection != "":
		b, err := app.bridge.ExportCollection(ctx, c.Collection)
		if err != nil {
			return err
		}
		bundle = b
	case len(c.Entries) > 0 || c.All:
		b, err := app.bridge.ExportEntries(ctx, bridge.ExportOptions{
			EntryIDs:         c.Entries,
			IncludeFullText:  c.FullText,
			IncludeBookmarks: c.Bookmarks,
		})
		if err != nil {
			return err
		}
		bundle = b
	default:
		return errors.New("one of --collection, --entries or --all is required")
	}

	return writeJSON(c.Output, bundle)
}

type importCmd struct {
	File string `arg:"" help:"JSON file holding an array of annotations. Use - for stdin."`
}

func (c *importCmd) Run(app *appContext) error {
	var (
		data []byte
		err  error
	)
	if c.File == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(c.File)
	}
	if err != nil {
		return fmt.Errorf("reading annotations: %w", err)
	}

	result, err := app.bridge.ImportAnnotationsJSON(context.Background(), data)
	if err != nil {
		return err
	}

	fmt.Printf("created %d, skipped %d, failed %d\n",
		result.Created(), len(result.Skipped), len(result.Errors))
	for _, item := range result.Skipped {
		fmt.Printf("  skipped %s %d: %s\n", item.Kind, item.Index, item.Reason)
	}
	for _, item := range result.Errors {
		fmt.Printf("  failed %s %d (%s): %v\n", item.Kind, item.Index, item.EntryID, item.Err)
	}

	if len(result.Errors) > 0 {
		return fmt.Errorf("%d items failed", len(result.Errors))
	}
	return nil
}

type statusCmd struct{}

func (c *statusCmd) Run(app *appContext) error {
	return writeJSON("", app.bridge.Status(context.Background()))
}

type forceSyncCmd struct{}

func (c *forceSyncCmd) Run(app *appContext) error {
	app.bridge.ForceSync()
	return nil
}

type clearCacheCmd struct{}

func (c *clearCacheCmd) Run(app *appContext) error {
	app.bridge.ClearCache()
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if path == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
