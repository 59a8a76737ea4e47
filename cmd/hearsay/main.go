package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sandwichfarm/hearsay/internal/config"
	"github.com/sandwichfarm/hearsay/internal/identity"
	"github.com/sandwichfarm/hearsay/internal/ops"
	"github.com/sandwichfarm/hearsay/internal/overlord"
	"github.com/sandwichfarm/hearsay/internal/storage"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "init" {
		handleInit()
		return
	}

	var (
		showVersion = flag.Bool("version", false, "Show version information")
		configPath  = flag.String("config", "", "Path to configuration file")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("hearsay %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
		os.Exit(0)
	}

	if *configPath == "" {
		fmt.Println("hearsay - Nostr relay coordination daemon")
		fmt.Println()
		fmt.Println("No configuration file specified. Use --config <path> to specify config.")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  hearsay init              Print example configuration")
		fmt.Println("  hearsay --version         Show version information")
		fmt.Println("  hearsay --config <path>   Start with configuration file")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	log := ops.NewLogger(&cfg.Logging)
	log.LogStartup(version, commit, map[string]interface{}{"built": date})

	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	if err := store.SeedSettings(&cfg.Settings); err != nil {
		return fmt.Errorf("failed to seed settings: %w", err)
	}

	// Without a key the session is read-only; every publish command fails
	// with a status message instead.
	var signer overlord.Signer
	if sk := os.Getenv("HEARSAY_SECRET_KEY"); sk != "" {
		ks, err := identity.NewKeySigner(sk)
		if err != nil {
			return fmt.Errorf("failed to load signing key: %w", err)
		}
		signer = ks
		log.Info("signing key loaded", "pubkey", ks.PubKey())
	}

	status := ops.NewStatusQueue(64)
	ovl := overlord.New(cfg, store, log, status, signer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ownerPubkey := cfg.Identity.Pubkey
	if signer != nil {
		ownerPubkey = signer.PubKey()
	}
	retention := ops.NewRetentionManager(store, log, ownerPubkey)
	retention.StartPruningScheduler(ctx, 12*time.Hour)

	if cfg.Storage.BackupDir != "" {
		backup := ops.NewBackupManager(store, log, cfg.Storage.Path)
		interval := time.Duration(cfg.Storage.BackupIntervalHours) * time.Hour
		if interval <= 0 {
			interval = 24 * time.Hour
		}
		go ops.NewPeriodicBackup(backup, cfg.Storage.BackupDir, interval, log).Start(ctx)
	}

	// SIGUSR1 dumps diagnostics to the log.
	diag := ops.NewDiagnosticsCollector(version, commit, store, ovl)
	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	go func() {
		for range usr1 {
			if d, err := diag.CollectAll(); err == nil {
				fmt.Fprintln(os.Stderr, d.FormatAsText())
			}
		}
	}()

	// No UI attached: surface status messages through the logger.
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, msg := range status.Drain() {
					log.Info(msg)
				}
			}
		}
	}()

	if err := ovl.Run(ctx); err != nil {
		return fmt.Errorf("overlord failed: %w", err)
	}

	for _, msg := range status.Drain() {
		log.Info(msg)
	}
	log.Info("shutdown complete")
	return nil
}

func handleInit() {
	example, err := config.Example()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading example config: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(string(example))
}
