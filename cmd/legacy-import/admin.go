package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/ehr/legacyimport/internal/config"
	"github.com/ehr/legacyimport/internal/platform/db"
)

// withMigrator opens a pool and a migrator for one command invocation.
func withMigrator(ctx context.Context, cmd *cobra.Command, fn func(*config.Config, *pgxpool.Pool, *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		dir = cfg.MigrationsDir
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(cfg, pool, db.NewMigrator(pool, migrationsFS(dir)))
}

// targetSchema resolves --tenant, falling back to DEFAULT_TENANT.
func targetSchema(cmd *cobra.Command, cfg *config.Config) (string, error) {
	tenant, _ := cmd.Flags().GetString("tenant")
	if tenant == "" {
		tenant = cfg.DefaultTenant
	}
	return tenantSchema(tenant)
}

func migrationFlags(cmd *cobra.Command) {
	cmd.Flags().String("tenant", "", "Tenant whose schema is migrated (defaults to DEFAULT_TENANT)")
	cmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, _ := cmd.Flags().GetInt("to")
			ctx := cmd.Context()
			return withMigrator(ctx, cmd, func(cfg *config.Config, _ *pgxpool.Pool, migrator *db.Migrator) error {
				schema, err := targetSchema(cmd, cfg)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)

				var count int
				if target > 0 {
					count, err = migrator.UpTo(ctx, schema, target)
				} else {
					count, err = migrator.Up(ctx, schema)
				}
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	migrationFlags(upCmd)
	upCmd.Flags().Int("to", 0, "Stop after this version (0 applies everything)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withMigrator(ctx, cmd, func(cfg *config.Config, _ *pgxpool.Pool, migrator *db.Migrator) error {
				schema, err := targetSchema(cmd, cfg)
				if err != nil {
					return err
				}
				statuses, err := migrator.Status(ctx, schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
				fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status := "pending"
					appliedAt := ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	}
	migrationFlags(statusCmd)
	cmd.AddCommand(statusCmd)

	// migrate version
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the highest applied migration version",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withMigrator(ctx, cmd, func(cfg *config.Config, _ *pgxpool.Pool, migrator *db.Migrator) error {
				schema, err := targetSchema(cmd, cfg)
				if err != nil {
					return err
				}
				v, err := migrator.Version(ctx, schema)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: version %d\n", schema, v)
				return nil
			})
		},
	}
	migrationFlags(versionCmd)
	cmd.AddCommand(versionCmd)

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema and apply the import migrations to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			schema, err := tenantSchema(name)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			return withMigrator(ctx, cmd, func(_ *config.Config, pool *pgxpool.Pool, migrator *db.Migrator) error {
				fmt.Fprintf(cmd.OutOrStdout(), "Creating tenant schema: %s\n", schema)
				if err := db.CreateTenantSchema(ctx, pool, name, migrator); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Tenant created successfully.")
				return nil
			})
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric and underscores)")
	createCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")

	cmd.AddCommand(createCmd)
	return cmd
}
