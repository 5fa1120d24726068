package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/legacyimport/internal/config"
	"github.com/ehr/legacyimport/internal/domain/importrun"
	"github.com/ehr/legacyimport/internal/domain/legacyimport"
	"github.com/ehr/legacyimport/internal/platform/blobstore"
	"github.com/ehr/legacyimport/internal/platform/db"
	"github.com/ehr/legacyimport/migrations"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "legacy-import",
		Short:        "Import ChiroTouch-style legacy exports into the clinic record store",
		SilenceUsage: true,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(runCmd())
	root.AddCommand(previewCmd())
	root.AddCommand(runsCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(tenantCmd())
	return root
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// importConfig maps the IMPORT_* settings onto the pipeline configuration.
func importConfig(cfg *config.Config) legacyimport.Config {
	return legacyimport.Config{
		WorkDir: cfg.WorkDir,
		Scheduler: legacyimport.SchedulerConfig{
			BatchSize:      cfg.ImportBatchSize,
			BatchPause:     cfg.BatchPause(),
			MemoryCeiling:  cfg.MemoryCeilingBytes(),
			MaxRowsPerFile: cfg.ImportMaxRowsPerFile,
			ReclaimMemory:  cfg.ImportReclaimMemory,
		},
		MaxExtractedBytes: cfg.MaxExtractedBytes(),
		MaxNoteBytes:      cfg.ImportMaxNoteBytes,
		ReportCap:         cfg.ImportReportCap,
		PreviewRows:       cfg.ImportPreviewRows,
		UploaderTag:       cfg.ImportUploaderTag,
	}
}

// pipeline is everything an import needs. Postgres-backed unless built by
// newMemoryPipeline.
type pipeline struct {
	pool   *pgxpool.Pool
	runs   *importrun.Service
	svc    *legacyimport.Service
	logger zerolog.Logger
}

func (p *pipeline) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func newPipeline(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*pipeline, error) {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, err
	}
	docs, err := blobstore.NewFileSystemStore(cfg.DocumentStoreDir, 0)
	if err != nil {
		pool.Close()
		return nil, err
	}
	runs := importrun.NewService(importrun.NewRepoPG(pool), logger)
	svc := legacyimport.NewService(importConfig(cfg), legacyimport.NewStorePG(pool), runs, docs, legacyimport.RuntimeProbe{}, logger)
	return &pipeline{pool: pool, runs: runs, svc: svc, logger: logger}, nil
}

// newMemoryPipeline runs imports against throwaway in-memory stores.
func newMemoryPipeline(cfg *config.Config, logger zerolog.Logger) *pipeline {
	runs := importrun.NewService(importrun.NewMemoryRepo(), logger)
	svc := legacyimport.NewService(importConfig(cfg), legacyimport.NewMemoryStore(), runs,
		blobstore.NewInMemoryBlobStore(), legacyimport.RuntimeProbe{}, logger)
	return &pipeline{runs: runs, svc: svc, logger: logger}
}

// withTenant runs fn on a tenant connection, or directly for in-memory
// pipelines.
func (p *pipeline) withTenant(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error {
	if p.pool == nil {
		return fn(db.WithTenantID(ctx, tenantID))
	}
	return db.WithTenant(ctx, p.pool, tenantID, fn)
}

// migrationsFS returns the embedded migrations unless dir is set.
func migrationsFS(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func tenantSchema(tenantID string) (string, error) {
	if !db.ValidTenantID(tenantID) {
		return "", fmt.Errorf("%w: %s", db.ErrInvalidTenant, tenantID)
	}
	return db.SchemaName(tenantID), nil
}

// parseDatasets turns --skip and --only into CommitOptions.Datasets. --only
// wins when both are given.
func parseDatasets(skip, only []string) (map[string]bool, error) {
	known := map[string]bool{
		"patients": true, "providers": true, "insurance": true, "diagnoses": true,
		"service_codes": true, "appointments": true, "ledger": true,
		"scanned_documents": true, "chart_notes": true,
	}
	check := func(names []string) error {
		for _, n := range names {
			if !known[n] {
				return fmt.Errorf("unknown dataset %q", n)
			}
		}
		return nil
	}
	if err := check(skip); err != nil {
		return nil, err
	}
	if err := check(only); err != nil {
		return nil, err
	}

	out := make(map[string]bool)
	if len(only) > 0 {
		for n := range known {
			out[n] = false
		}
		for _, n := range only {
			out[n] = true
		}
		return out, nil
	}
	for _, n := range skip {
		out[strings.TrimSpace(n)] = false
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}
