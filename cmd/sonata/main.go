package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/sonata/sonata/internal/api"
	"github.com/sonata/sonata/internal/app"
	"github.com/sonata/sonata/internal/cache"
	"github.com/sonata/sonata/internal/config"
	"github.com/sonata/sonata/internal/library"
	"github.com/sonata/sonata/internal/logging"
	"github.com/sonata/sonata/internal/muspy"
	"github.com/sonata/sonata/internal/playback"
	"github.com/sonata/sonata/internal/ui"
)

var version = "0.1.0"

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `Sonata - A terminal music library client

Usage: sonata [options]

Options:
  -config string
        Path to config file (default: ~/.config/sonata/config.toml)
  -version
        Print version and exit

Diagnostics:
  -doctor
        Check configuration and server reachability

Library:
  -sync
        Run an incremental library sync and exit
  -full
        Run a full library resync and exit
  -clear-cache
        Drop the local library cache and exit

Examples:
  sonata                # Start interactive TUI
  sonata --doctor       # Check setup
  sonata --sync         # Headless incremental sync
  sonata --full         # Headless full resync
`)
	}

	cfgPath := flag.String("config", "", "")
	showVersion := flag.Bool("version", false, "")
	doctor := flag.Bool("doctor", false, "")
	runSync := flag.Bool("sync", false, "")
	runFull := flag.Bool("full", false, "")
	clearCache := flag.Bool("clear-cache", false, "")
	flag.Parse()

	if *showVersion {
		fmt.Println("sonata", version)
		return
	}

	cfg, resolvedPath, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, logFile, err := logging.Setup()
	if err != nil {
		log.Fatalf("setup logging: %v", err)
	}
	defer logFile.Close()
	logger.Info("starting sonata", slog.String("config", resolvedPath))

	store, err := openStore(cfg)
	if err != nil {
		logger.Error("open cache", slog.Any("err", err))
		log.Fatalf("open cache: %v", err)
	}
	defer store.Close()

	if *clearCache {
		if err := store.Clear(context.Background()); err != nil {
			log.Fatalf("clear cache: %v", err)
		}
		fmt.Println("Library cache cleared.")
		return
	}

	client, err := buildClient(cfg, logger)
	if err != nil {
		logger.Error("client init", slog.Any("err", err))
		log.Fatalf("init client: %v", err)
	}

	if *doctor {
		runDoctor(cfg, client)
		return
	}

	authCtx, cancel := cfg.DeadlineContext()
	err = client.Authenticate(authCtx)
	cancel()
	if err != nil {
		logger.Error("authenticate", slog.Any("err", err))
		log.Fatalf("authenticate: %v", err)
	}

	reporter := playback.NewReporter(client, logger)
	client.OnUnauthorized(reporter.InvalidateSession)

	lib := library.New(client, store, library.Options{
		PageSize:      cfg.Library.PageSize,
		GenreCooldown: cfg.GenreCooldown(),
		YearCooldown:  cfg.YearCooldown(),
		Logger:        logger,
	})

	if cfg.Muspy.Enabled {
		lookup := muspy.NewHTTPLookup(&http.Client{Timeout: cfg.Timeout()}, cfg.Muspy.BaseURL)
		resolver := muspy.NewResolver(lookup,
			time.Duration(cfg.Muspy.RateLimitSecs)*time.Second,
			cfg.Muspy.MaxResolutions, logger)
		resolverCtx, cancelResolver := context.WithCancel(context.Background())
		defer cancelResolver()
		go resolver.Run(resolverCtx)
		// Seed from whatever the cache already holds, and again after each
		// sync so a first run picks up the freshly fetched artists.
		lib.OnSyncComplete(func() { go seedResolver(resolverCtx, lib, resolver) })
		go seedResolver(resolverCtx, lib, resolver)
	}

	if *runSync || *runFull {
		scope := library.ScopeIncremental
		if *runFull {
			scope = library.ScopeFull
		}
		runHeadlessSync(lib, scope, logger)
		return
	}

	noColor := os.Getenv("NO_COLOR") != "" || cfg.UI.NoColor
	model := app.New(lib, ui.Default(noColor), logger)
	if _, err := tea.NewProgram(model, tea.WithAltScreen()).Run(); err != nil {
		logger.Error("run tui", slog.Any("err", err))
		log.Fatalf("tui: %v", err)
	}
}

func openStore(cfg *config.Config) (*cache.Store, error) {
	path := cfg.Library.CacheDB
	if path == "" {
		stateDir, err := logging.StateDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(stateDir, "library.db")
	}
	return cache.Open(path)
}

func buildClient(cfg *config.Config, logger *slog.Logger) (*api.Client, error) {
	deviceID := cfg.Server.DeviceID
	if deviceID == "" {
		deviceID = uuid.NewString()
	}
	return api.New(api.Config{
		BaseURL:      cfg.Server.BaseURL,
		Username:     cfg.Server.Username,
		Password:     cfg.Server.Password,
		DeviceID:     deviceID,
		Timeout:      cfg.Timeout(),
		Retries:      cfg.Network.Retries,
		RetryBackoff: cfg.RetryBackoff(),
		Logger:       logger,
	})
}

func runDoctor(cfg *config.Config, client *api.Client) {
	fmt.Println("Sonata doctor")
	fmt.Println("Config file: OK")
	fmt.Printf("Server: %s\n", cfg.Server.BaseURL)

	ctx, cancel := cfg.DeadlineContext()
	defer cancel()
	if err := client.Authenticate(ctx); err != nil {
		fmt.Printf("Authentication: FAILED - %v\n", err)
		return
	}
	fmt.Println("Authentication: OK")
}

// seedResolver queues every cached artist for release-feed resolution. The
// resolver itself bounds the queue and rate-limits the lookups.
func seedResolver(ctx context.Context, lib *library.Library, r *muspy.Resolver) {
	songs, err := lib.SongsCached(ctx)
	if err != nil {
		return
	}
	for _, s := range songs {
		for i, id := range s.ArtistIDs {
			if i < len(s.Artists) {
				r.Enqueue(id, s.Artists[i])
			}
		}
	}
}

func runHeadlessSync(lib *library.Library, scope library.Scope, logger *slog.Logger) {
	fmt.Printf("Syncing library (%s)...\n", scope)
	start := time.Now()
	err := lib.Sync(context.Background(), scope, func(percent int) {
		fmt.Printf("\r\033[K  %d%%", percent)
	})
	fmt.Printf("\r\033[K")
	if err != nil {
		fmt.Printf("Sync failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Sync complete in %s\n", time.Since(start).Round(time.Millisecond))
	logger.Info("headless sync complete", slog.String("scope", string(scope)))
}
