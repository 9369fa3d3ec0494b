package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/teaclinic/clinic/internal/config"
	"github.com/teaclinic/clinic/internal/domain/admin"
	"github.com/teaclinic/clinic/internal/domain/identity"
	"github.com/teaclinic/clinic/internal/platform/apperr"
	"github.com/teaclinic/clinic/internal/platform/db"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "clinic-server",
		Short: "Clinic intake and procedure allocation server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(resetPatientsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string, out io.Writer) zerolog.Logger {
	if env == "development" {
		out = zerolog.ConsoleWriter{Out: out}
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// connect loads and validates the config and opens the pool.
func connect(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
		AppName:  "clinic-server",
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			dir, _ := cmd.Flags().GetString("dir")
			if dir == "" {
				dir = cfg.MigrationsDir
			}
			count, err := db.NewMigrator(pool, dir).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s).\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			dir, _ := cmd.Flags().GetString("dir")
			if dir == "" {
				dir = cfg.MigrationsDir
			}
			statuses, err := db.NewMigrator(pool, dir).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatuses(cmd.OutOrStdout(), statuses)
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printStatuses(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

// seedCmd stores the default reference data and, when an email is given,
// an initial admin account. Running it twice is harmless.
func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed reference data and an initial admin account",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			logger := newLogger(cfg.Env, os.Stderr)
			sink, closeSinks, err := openAuditSinks(ctx, cfg, pool, logger)
			if err != nil {
				return err
			}
			defer closeSinks()
			a := newApp(cfg, pool, sink, logger)

			if err := a.refdata.EnsureDefaults(ctx); err != nil {
				return fmt.Errorf("seed reference data: %w", err)
			}

			email, _ := cmd.Flags().GetString("admin-email")
			if email == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "Reference data seeded.")
				return nil
			}
			name, _ := cmd.Flags().GetString("admin-name")
			password, _ := cmd.Flags().GetString("admin-password")
			created, err := seedAdmin(ctx, a.identity, name, email, password)
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(cmd.OutOrStdout(), "Reference data seeded; admin %s created.\n", email)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Reference data seeded; admin %s already exists.\n", email)
			}
			return nil
		},
	}
	cmd.Flags().String("admin-email", "", "Email of the initial admin account")
	cmd.Flags().String("admin-name", "Administrador", "Name of the initial admin account")
	cmd.Flags().String("admin-password", "", "Password of the initial admin account")
	return cmd
}

type adminSeeder interface {
	GetClinicianByEmail(ctx context.Context, email string) (*identity.Clinician, error)
	CreateClinician(ctx context.Context, in identity.ClinicianInput, caller identity.Caller) (*identity.Clinician, error)
}

func seedAdmin(ctx context.Context, svc adminSeeder, name, email, password string) (bool, error) {
	if _, err := svc.GetClinicianByEmail(ctx, email); err == nil {
		return false, nil
	} else if !apperr.IsNotFound(err) {
		return false, err
	}
	system := identity.Caller{Role: identity.RoleAdmin}
	if _, err := svc.CreateClinician(ctx, identity.ClinicianInput{
		Name:     name,
		Email:    email,
		Password: password,
		Role:     identity.RoleAdmin,
	}, system); err != nil {
		return false, fmt.Errorf("create admin: %w", err)
	}
	return true, nil
}

func resetPatientsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset-patients",
		Short: "Delete every patient, evaluation and procedure (clinicians are kept)",
		RunE: func(cmd *cobra.Command, args []string) error {
			confirm, _ := cmd.Flags().GetString("confirm")

			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			logger := newLogger(cfg.Env, os.Stderr)
			sink, closeSinks, err := openAuditSinks(ctx, cfg, pool, logger)
			if err != nil {
				return err
			}
			defer closeSinks()
			a := newApp(cfg, pool, sink, logger)

			res, err := a.admin.ResetPatients(ctx, confirm, identity.Caller{Role: identity.RoleAdmin})
			if err != nil {
				return err
			}
			printReset(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().String("confirm", "", "Type "+admin.ResetConfirmation+" to confirm")
	return cmd
}

func printReset(w io.Writer, res *admin.ResetResult) {
	fmt.Fprintf(w, "Removed %d patient(s), %d evaluation(s), %d therapy row(s), %d procedure(s).\n",
		res.Patients, res.Evaluations, res.Therapies, res.Procedures)
}
