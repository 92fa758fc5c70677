// Package commands implements CLI command handlers for mrsetup.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/forgeline/mrsetup/internal/asyncmap"
	"github.com/forgeline/mrsetup/internal/cas"
	cfgpkg "github.com/forgeline/mrsetup/internal/config"
	"github.com/forgeline/mrsetup/internal/gitops"
	"github.com/forgeline/mrsetup/internal/observability"
	"github.com/forgeline/mrsetup/internal/opcache"
	"github.com/forgeline/mrsetup/internal/reposetup"
	"github.com/forgeline/mrsetup/internal/rootmaps"
	"github.com/forgeline/mrsetup/internal/storage"
	"github.com/forgeline/mrsetup/pkg/version"
)

// fsDistdir satisfies internal/cas.Distdir by looking up pre-staged
// distfiles as plain files under a root directory, named by distfile.
type fsDistdir struct {
	root string
}

func (d fsDistdir) Lookup(distfile string) ([]byte, bool, error) {
	if d.root == "" || distfile == "" {
		return nil, false, nil
	}

	data, err := os.ReadFile(filepath.Join(d.root, distfile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}

		return nil, false, fmt.Errorf("distdir: read %s: %w", distfile, err)
	}

	return data, true, nil
}

// NewSetupCommand builds the `mrsetup setup` subcommand: top-level
// resolution, driven end to end from a repositories JSON document on disk
// to an assembled multi-repo configuration written to local CAS.
func NewSetupCommand() *cobra.Command {
	var (
		configPath  string
		inputPath   string
		diagAddr    string
		outputColor bool
		noColor     bool
	)

	cmd := &cobra.Command{
		Use:   "setup <repositories.json>",
		Short: "Resolve a repositories configuration into workspace roots",
		Long: `setup reads a repositories.json configuration, materializes
		each repository's workspace root, and writes the assembled multi-repo
		configuration document to the local content-addressed store.

		Examples:
		mrsetup setup repos.json
		mrsetup setup --config mrsetup.yaml repos.json
		`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inputPath = args[0]

			return runSetup(cmd.Context(), configPath, inputPath, diagAddr, outputColor, noColor)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to orchestrator settings file (default: search .mrsetup.yaml)")
	cmd.Flags().StringVar(&diagAddr, "diag-addr", "", "serve /healthz, /readyz, and /metrics on this address while resolving")
	cmd.Flags().BoolVar(&outputColor, "color", false, "force colored diagnostics")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "disable colored diagnostics")

	return cmd
}

func runSetup(ctx context.Context, configPath, inputPath, diagAddr string, forceColor, noColor bool) error {
	if noColor {
		color.NoColor = true //nolint:reassign // intentional override of library global
	} else if forceColor {
		color.NoColor = false //nolint:reassign // intentional override of library global
	}

	cfg, err := cfgpkg.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	providers, err := observability.Init(observability.Config{
		ServiceName:    "mrsetup",
		ServiceVersion: version.Version,
		Mode:           observability.ModeCLI,
		LogLevel:       slog.LevelInfo,
	})
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = providers.Shutdown(shutdownCtx)
	}()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if diagAddr != "" {
		diag, diagErr := observability.NewDiagnosticsServer(diagAddr, providers.Meter)
		if diagErr != nil {
			return fmt.Errorf("start diagnostics server: %w", diagErr)
		}

		defer func() { _ = diag.Close() }()
	}

	data, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", inputPath, err)
	}

	doc, err := reposetup.ParseDocument(data)
	if err != nil {
		return fmt.Errorf("parse %s: %w", inputPath, err)
	}

	localCAS, err := storage.NewCAS(cfg.Storage.CASRoot)
	if err != nil {
		return err
	}

	gitCache, err := storage.NewGitCache(cfg.Storage.GitCacheDir)
	if err != nil {
		return err
	}

	pool := asyncmap.NewTaskPool(cfg.Pool.Workers)
	pool.PanicHandler = func(recovered any) {
		providers.Logger.Error("panic recovered on task pool", "value", recovered)
	}

	defer pool.Close()

	httpClient := &http.Client{Timeout: fetchTimeout(cfg.Fetch.Timeout)}

	casMap := cas.New(pool, localCAS, nil, fsDistdir{root: cfg.Storage.DistdirRoot}, httpClient, cas.RetryPolicy{
		MaxAttemptsPerURL: cfg.Fetch.MaxAttemptsPerURL,
		On5xx:             cfg.Fetch.RetryableOn5xx,
	})

	gitopsMap := gitops.New(pool)
	defer gitopsMap.Close()

	rootMap := rootmaps.New(pool, gitCache.Root(), gitopsMap, casMap)

	setupMap := reposetup.New(pool, rootMap, doc)

	ops := opcache.New(cfg.OpCache.Threshold)
	setupMap.SetOpCache(ops)

	if regErr := observability.RegisterCacheMetrics(providers.Meter, setupMap, nil); regErr != nil {
		slog.Warn("register cache metrics failed", "error", regErr)
	}

	output, err := setupMap.Run(ctx)

	if cfg.Checkpoint.Enabled {
		if spillErr := spillCheckpoint(cfg.Checkpoint.Dir, ops); spillErr != nil {
			slog.Warn("checkpoint spill failed", "error", spillErr)
		}
	}

	if err != nil {
		return fmt.Errorf("setup: %w", err)
	}

	encoded, err := json.MarshalIndent(output, "", " ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}

	digest, err := localCAS.Put(encoded)
	if err != nil {
		return fmt.Errorf("store output: %w", err)
	}

	stats := setupMap.Stats.Snapshot()

	if sm, smErr := observability.NewSetupMetrics(providers.Meter); smErr == nil {
		sm.RecordRun(ctx, observability.SetupStats{
			Repositories:    int64(len(output.Repositories)),
			TreeCacheHits:   stats.CacheHits,
			TreeCacheMisses: stats.Executed,
		})
	}

	color.Green("resolved %d repositories (cache_hits=%d executed=%d local_paths=%d)",
		len(output.Repositories), stats.CacheHits, stats.Executed, stats.LocalPaths)
	fmt.Fprintln(os.Stdout, digest)

	return nil
}

// spillCheckpoint writes the operation cache's current records to dir for
// warm-restart diagnostics.
func spillCheckpoint(dir string, ops *opcache.Cache) error {
	entries := ops.Entries()
	records := make([]storage.OpRecord, 0, len(entries))

	for _, op := range entries {
		records = append(records, storage.OpRecord{Name: op.Name, Done: op.Done, Timestamp: op.Timestamp})
	}

	return storage.SpillOpCacheSnapshot(dir, records)
}

func fetchTimeout(raw string) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}

	return d
}
