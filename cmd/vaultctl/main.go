// Command vaultctl is the operator CLI for the cohort validation service.
// It talks to the same stores the server uses, so pointing it at the
// production database and storage root is enough to run maintenance
// actions without going through the HTTP surface.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"cohortvault/internal/columnar"
	"cohortvault/internal/config"
	_ "cohortvault/internal/definition/tables"
	"cohortvault/internal/diagnostics"
	"cohortvault/internal/identity"
	"cohortvault/internal/logging"
	"cohortvault/internal/phi"
	"cohortvault/internal/pipeline"
	"cohortvault/internal/run"
	"cohortvault/internal/storage"
	"cohortvault/internal/store"
	"cohortvault/internal/store/memory"
	"cohortvault/internal/store/postgres"
	"cohortvault/internal/taskqueue"
	"cohortvault/internal/validate"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "vaultctl",
		Short: "Operator tooling for the cohort validation pipeline",
		Long: `vaultctl runs maintenance actions against the validation service's
stores: sweeping expired columnar material, failing stuck validation
runs, and re-running the pipeline for individual files.

Configuration comes from the same environment variables the server
reads (DATABASE_URL, STORAGE_ROOT, COLUMNAR_DIR, ...), with a .env
file honored when present.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newPHISweepCmd(),
		newForceFailCmd(),
		newRevalidateCmd(),
	)
	return root
}

// env bundles the shared wiring every subcommand needs.
type env struct {
	cfg    *config.Config
	stores store.Stores
	log    *slog.Logger
	close  func()
}

func setup(ctx context.Context) (*env, error) {
	_ = godotenv.Overload()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	stores, cleanup, err := openStores(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open stores: %w", err)
	}
	return &env{cfg: cfg, stores: stores, log: slog.Default(), close: cleanup}, nil
}

// openStores mirrors the server's store selection. The memory fallback
// only makes sense for local experiments; against production this is
// always Postgres.
func openStores(ctx context.Context, cfg *config.Config) (store.Stores, func(), error) {
	if cfg.Database.URL == "" {
		slog.Warn("no database configured, operating on empty in-memory stores")
		return memory.NewStores(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return store.Stores{}, nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return store.Stores{}, nil, err
	}
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return store.Stores{}, nil, err
	}
	return postgres.NewStores(pool), pool.Close, nil
}

// buildPipeline assembles the full processing chain on a synchronous
// queue, so enqueued work executes inside the CLI process before the
// command returns.
func buildPipeline(e *env) (*pipeline.Orchestrator, *run.Service, error) {
	svc, err := storage.NewLocal(e.cfg.Storage.Root)
	if err != nil {
		return nil, nil, fmt.Errorf("open storage root: %w", err)
	}

	mux := taskqueue.NewMux()
	queue := taskqueue.NewSync(mux)

	runSvc := run.NewService(e.stores, queue, e.log)
	engine := validate.New(e.stores.Runs, e.log, e.cfg.Pipeline.VariableWorkers, nil)
	identities := identity.NewService(e.stores.Identities, e.log)
	tracker := phi.NewTracker(e.stores.PHI, e.log)
	converter := columnar.NewConverter(svc, e.cfg.Columnar.Dir,
		e.cfg.Columnar.MemoryLimitMB, e.cfg.Columnar.SpillDir, e.log)
	diagnoser := diagnostics.New()
	diagnoser.CheckpointRows = e.cfg.Pipeline.DiagnosticsCheckpointRows

	orch := pipeline.New(e.stores, svc, queue, diagnoser, converter, nil,
		identities, engine, runSvc, tracker,
		pipeline.Config{
			MaxRetries:      0, // operator-invoked work fails loudly, no retries
			RetryBackoff:    e.cfg.Pipeline.RetryBackoff,
			CleanupDeadline: e.cfg.PHI.CleanupDeadline,
		}, e.log)
	orch.Register(mux)
	return orch, runSvc, nil
}

func newPHISweepCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "phi-sweep",
		Short: "Delete columnar stores whose cleanup deadline has passed",
		Long: `Run one pass of the materialized-store sweeper.

Stores past their cleanup deadline are deleted from disk and their
deletion recorded in the tracking ledger. With --force, stores that
fail to delete are still marked deleted so the ledger converges; use
it when the file is already gone out of band.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := setup(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			tracker := phi.NewTracker(e.stores.PHI, e.log)
			sweeper := phi.NewSweeper(e.stores.PHI, tracker, e.log)
			swept, err := sweeper.Sweep(ctx, force)
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "swept %d expired store(s)\n", swept)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "mark undeletable stores as deleted")
	return cmd
}

func newForceFailCmd() *cobra.Command {
	var message string

	cmd := &cobra.Command{
		Use:   "force-fail <run-id>",
		Short: "Force a validation run into the failed state",
		Long: `Mark a validation run as failed and settle its file and table.

Intended for runs wedged by a crashed worker or an unrecoverable
store. The message is shown to submitters, so keep it free of row
content.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid run id %q: %w", args[0], err)
			}

			ctx := cmd.Context()
			e, err := setup(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			_, runSvc, err := buildPipeline(e)
			if err != nil {
				return err
			}
			if err := runSvc.Fail(ctx, runID, message); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s marked failed\n", runID)
			return nil
		},
	}

	cmd.Flags().StringVar(&message, "message", "Validation stopped by an operator.",
		"submitter-facing failure message")
	return cmd
}

func newRevalidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revalidate <file-id>",
		Short: "Re-run the validation pipeline for a file",
		Long: `Re-run the full pipeline for a stored file, inside this process.

Files that were never diagnosed go back through diagnosis first.
Previously validated files reuse their columnar store when the file
content is unchanged. A file whose run is still marked running is
rejected; force-fail the run first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fileID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid file id %q: %w", args[0], err)
			}

			ctx := cmd.Context()
			e, err := setup(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			orch, _, err := buildPipeline(e)
			if err != nil {
				return err
			}
			if err := orch.Revalidate(ctx, fileID); err != nil {
				return err
			}

			file, err := e.stores.Files.GetFile(ctx, fileID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "file %s is now %s\n", fileID, file.Status)
			return nil
		},
	}
	return cmd
}
