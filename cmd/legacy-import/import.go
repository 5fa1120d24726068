package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ehr/legacyimport/internal/config"
	"github.com/ehr/legacyimport/internal/domain/importrun"
	"github.com/ehr/legacyimport/internal/domain/legacyimport"
)

// importFlags are shared by run and preview.
type importFlags struct {
	tenant  string
	entity  string
	mapping map[string]string
	skip    []string
	only    []string
	dryRun  bool
}

func (f *importFlags) register(cmd *cobra.Command, withDatasets bool) {
	cmd.Flags().StringVar(&f.tenant, "tenant", "", "Tenant identifier (defaults to DEFAULT_TENANT)")
	cmd.Flags().StringVar(&f.entity, "entity", "", "Entity of a single CSV/XLSX file (patients, providers, insurance, diagnoses, service_codes, appointments, ledger)")
	cmd.Flags().StringToStringVar(&f.mapping, "map", nil, "Column override for a canonical field, e.g. --map record_number=\"Legacy No\"")
	if withDatasets {
		cmd.Flags().StringSliceVar(&f.skip, "skip", nil, "Datasets to leave out")
		cmd.Flags().StringSliceVar(&f.only, "only", nil, "Import only these datasets")
		cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "Run against in-memory stores; nothing is written to the database")
	}
}

func (f *importFlags) options() (legacyimport.CommitOptions, error) {
	datasets, err := parseDatasets(f.skip, f.only)
	if err != nil {
		return legacyimport.CommitOptions{}, err
	}
	return legacyimport.CommitOptions{Datasets: datasets, Entity: f.entity, Mapping: f.mapping}, nil
}

func (f *importFlags) tenantOr(cfg *config.Config) string {
	if f.tenant != "" {
		return f.tenant
	}
	return cfg.DefaultTenant
}

func loadForImport(dryRun bool) (*config.Config, error) {
	if dryRun {
		return config.LoadWithoutDatabase()
	}
	return config.Load()
}

func runCmd() *cobra.Command {
	var flags importFlags
	var reportCap int
	cmd := &cobra.Command{
		Use:   "run <export.zip|table.csv|table.xlsx>",
		Short: "Import a legacy export from disk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadForImport(flags.dryRun)
			if err != nil {
				return err
			}
			opts, err := flags.options()
			if err != nil {
				return err
			}
			tenantID := flags.tenantOr(cfg)
			if _, err := tenantSchema(tenantID); err != nil {
				return err
			}
			logger := newLogger(cfg.Env)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var p *pipeline
			if flags.dryRun {
				p = newMemoryPipeline(cfg, logger)
			} else if p, err = newPipeline(ctx, cfg, logger); err != nil {
				return err
			}
			defer p.Close()

			path := args[0]
			var run *importrun.Run
			runErr := p.withTenant(ctx, tenantID, func(ctx context.Context) error {
				var err error
				run, err = p.svc.Run(ctx, tenantID, path, filepath.Base(path), opts)
				return err
			})
			if run == nil {
				return runErr
			}
			if reportCap <= 0 {
				reportCap = cfg.ImportReportCap
			}
			if err := writeJSON(cmd.OutOrStdout(), run.Report(reportCap)); err != nil {
				return err
			}
			if runErr != nil {
				return runErr
			}
			if run.Status != importrun.StatusCompleted {
				return fmt.Errorf("import %s", run.Status)
			}
			return nil
		},
	}
	flags.register(cmd, true)
	cmd.Flags().IntVar(&reportCap, "report-cap", 0, "Issues per list in the printed report (defaults to IMPORT_REPORT_CAP)")
	return cmd
}

func previewCmd() *cobra.Command {
	var flags importFlags
	cmd := &cobra.Command{
		Use:   "preview <export.zip|table.csv|table.xlsx>",
		Short: "Show what an import would read, without writing anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadWithoutDatabase()
			if err != nil {
				return err
			}
			p := newMemoryPipeline(cfg, newLogger(cfg.Env))
			path := args[0]
			preview, err := p.svc.Preview(cmd.Context(), path, filepath.Base(path),
				legacyimport.CommitOptions{Entity: flags.entity, Mapping: flags.mapping})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), preview)
		},
	}
	flags.register(cmd, false)
	return cmd
}

func runsCmd() *cobra.Command {
	var tenant string
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent import runs of a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if tenant == "" {
				tenant = cfg.DefaultTenant
			}
			ctx := cmd.Context()
			p, err := newPipeline(ctx, cfg, newLogger(cfg.Env))
			if err != nil {
				return err
			}
			defer p.Close()

			return p.withTenant(ctx, tenant, func(ctx context.Context) error {
				runs, total, err := p.runs.List(ctx, tenant, limit, offset)
				if err != nil {
					return err
				}
				return writeRunTable(cmd.OutOrStdout(), runs, total)
			})
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant identifier (defaults to DEFAULT_TENANT)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of runs to show")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of runs to skip")
	return cmd
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeRunTable(w io.Writer, runs []*importrun.Run, total int) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tFILE\tCREATED\tPROCESSED\tSUCCESS\tERRORS\tDUPLICATES\tDURATION")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			r.ID, r.Status, r.SourceFileName, r.CreatedAt.Format("2006-01-02 15:04:05"),
			r.Summary.TotalProcessed, r.Summary.Success, r.Summary.Errors, r.Summary.Duplicates, r.Duration())
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d of %d run(s)\n", len(runs), total)
	return err
}
