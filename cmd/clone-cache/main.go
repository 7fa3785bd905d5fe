// Command clone-cache is a caching daemon for repository clones.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/clone-cache/cache"
	"github.com/wolfeidau/clone-cache/credentials"
	"github.com/wolfeidau/clone-cache/rawfetch"
	"github.com/wolfeidau/clone-cache/server"
	"github.com/wolfeidau/clone-cache/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

// Quota profiles applied when no explicit cap is given. Ephemeral
// caches live alongside a single job; shared caches serve a whole
// machine and get room to breathe.
const (
	ephemeralMaxBytes = 5 << 30
	ephemeralMaxAge   = 24 * time.Hour

	sharedMaxBytes = 50 << 30
	sharedMaxAge   = 7 * 24 * time.Hour
)

var cli struct {
	Address string `help:"Address to listen on." default:":8080" env:"CLONE_CACHE_ADDRESS"`
	BaseDir string `help:"Directory holding the cached clones." default:"./clone-cache" env:"CLONE_CACHE_DIR"`
	Shared  bool   `help:"Treat the cache directory as shared between processes and apply the wider quota profile." env:"CLONE_CACHE_SHARED"`

	MaxEntries    int           `help:"Maximum number of cached clones (0 for unlimited)." env:"CLONE_CACHE_MAX_ENTRIES"`
	MaxTotalBytes int64         `help:"Maximum total cache size in bytes (0 applies the profile default, negative disables the cap)." env:"CLONE_CACHE_MAX_BYTES"`
	MaxAge        time.Duration `help:"Age after which unused entries are swept (0 applies the profile default, negative disables)." env:"CLONE_CACHE_MAX_AGE"`
	SweepInterval time.Duration `help:"How often the eviction sweep runs." default:"5m"`

	CloneTimeout time.Duration `help:"Timeout for a single clone operation." default:"10m"`
	CloneDepth   int           `help:"History depth for clones (0 for full history)." default:"1"`

	CredentialsFile string `help:"Credentials file carrying the API token and per-repository clone tokens." env:"CLONE_CACHE_CREDENTIALS_FILE"`
	CloneToken      string `help:"Fallback token for repositories no credentials route matches." env:"CLONE_CACHE_CLONE_TOKEN"`
	AuthToken       string `help:"Bearer token protecting the API, overriding the credentials file (empty disables auth)." env:"CLONE_CACHE_AUTH_TOKEN"`

	MaxConns     int    `help:"Maximum concurrent connections (0 for unlimited)."`
	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export (empty disables)." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	LogLevel     string `help:"Log level." default:"info" enum:"debug,info,warn,error"`
	LogFormat    string `help:"Log format." default:"text" enum:"text,json"`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("clone-cache"),
		kong.Description("A caching layer for repository clones with quota-driven eviction."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)
	kctx.FatalIfErrorf(run())
}

func run() error {
	logger, err := buildLogger()
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "clone-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     cli.OTLPEndpoint,
		EnablePrometheus: true,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() { _ = shutdownMetrics(context.Background()) }()

	authToken, tokens, err := buildCredentials(ctx, logger)
	if err != nil {
		return err
	}

	maxBytes, maxAge := quotaProfile()

	c, err := cache.New(cache.Config{
		BaseDirectory:    cli.BaseDir,
		MaxEntries:       cli.MaxEntries,
		MaxTotalBytes:    maxBytes,
		MaxAge:           maxAge,
		CloneTimeout:     cli.CloneTimeout,
		SweepInterval:    cli.SweepInterval,
		CloneDepth:       cli.CloneDepth,
		UseSharedBackend: cli.Shared,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("creating cache: %w", err)
	}

	srv, err := server.New(server.Config{
		Address:   cli.Address,
		AuthToken: authToken,
		MaxConns:  cli.MaxConns,
		Cache:     c,
		Files:     rawfetch.NewClient(),
		Tokens:    tokens,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	profile := "ephemeral"
	if cli.Shared {
		profile = "shared"
	}
	logger.Info("server started",
		"address", srv.Address(),
		"cache_dir", cli.BaseDir,
		"profile", profile,
		"max_bytes", maxBytes,
		"max_age", maxAge.String(),
	)
	fmt.Println()
	fmt.Println("To resolve a repository through the cache:")
	fmt.Printf("  curl -X POST http://localhost%s/v1/clone -d '{\"repository\":\"https://github.com/org/repo\",\"ref\":\"main\"}'\n", srv.Address())
	fmt.Println()
	fmt.Println("To fetch a single file without cloning:")
	fmt.Printf("  curl http://localhost%s/v1/file?url=https://github.com/org/repo/blob/main/README.md\n", srv.Address())
	fmt.Println()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down server: %w", err)
		}
		return c.Close(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func buildLogger() (*slog.Logger, error) {
	var level slog.Level
	switch cli.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", cli.LogLevel)
	}

	var handler slog.Handler
	switch cli.LogFormat {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	default:
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: level})
	}
	return slog.New(handler), nil
}

// buildCredentials resolves the credentials file (when given) into the
// API auth token and the clone token router. Flags override the file.
func buildCredentials(ctx context.Context, logger *slog.Logger) (string, *credentials.Router, error) {
	var authToken string
	var routes []credentials.CloneRoute

	if cli.CredentialsFile != "" {
		resolver := credentials.NewResolver(credentials.WithLogger(logger))
		creds, err := resolver.ResolveFile(ctx, cli.CredentialsFile)
		if err != nil {
			return "", nil, fmt.Errorf("resolving credentials: %w", err)
		}
		authToken = creds.AuthToken
		if creds.Clone != nil {
			routes = creds.Clone.Routes
		}
	}
	if cli.AuthToken != "" {
		authToken = cli.AuthToken
	}

	opts := []credentials.RouterOption{credentials.WithRouterLogger(logger)}
	if cli.CloneToken != "" {
		opts = append(opts, credentials.WithFallbackToken(cli.CloneToken))
	}
	tokens, err := credentials.NewRouter(routes, opts...)
	if err != nil {
		return "", nil, fmt.Errorf("building clone token router: %w", err)
	}

	return authToken, tokens, nil
}

// quotaProfile resolves the effective size and age caps from the flags
// and the selected profile.
func quotaProfile() (int64, time.Duration) {
	maxBytes := cli.MaxTotalBytes
	switch {
	case maxBytes < 0:
		maxBytes = 0
	case maxBytes == 0 && cli.Shared:
		maxBytes = sharedMaxBytes
	case maxBytes == 0:
		maxBytes = ephemeralMaxBytes
	}

	maxAge := cli.MaxAge
	switch {
	case maxAge < 0:
		maxAge = 0
	case maxAge == 0 && cli.Shared:
		maxAge = sharedMaxAge
	case maxAge == 0:
		maxAge = ephemeralMaxAge
	}

	return maxBytes, maxAge
}
