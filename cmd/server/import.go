package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/Tyrowin/chatrelay/internal/chat"
	"github.com/Tyrowin/chatrelay/internal/config"
	"github.com/Tyrowin/chatrelay/internal/reconcile"
	"github.com/Tyrowin/chatrelay/internal/store"
)

func newImportCommand() *cobra.Command {
	var printReport bool

	cmd := &cobra.Command{
		Use:   "import [dir]",
		Short: "Apply every payload file in a directory to the store",
		Long: `Reads *.json payload files in lexical order. Each file holds either a
"messages" array (inserted unless the id is already stored) or a "statuses"
array (applied to stored messages). Re-running over the same files is safe.`,
		Example: `  chatrelay import
  chatrelay import ./payloads --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			dir := cfg.PayloadDir
			if len(args) == 1 {
				dir = args[0]
			}
			report, err := runImport(cmd.Context(), cfg, dir)
			if err != nil {
				return err
			}
			if printReport {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&printReport, "json", false, "print the per-file report as JSON")
	return cmd
}

// runImport applies a payload directory with no live connections to notify.
func runImport(ctx context.Context, cfg *config.Config, dir string) (reconcile.Report, error) {
	logger := setup(cfg)
	if ctx == nil {
		ctx = context.Background()
	}

	st, err := store.Open(ctx, cfg.Store())
	if err != nil {
		logger.Error().Err(err).Str("driver", cfg.StoreDriver).Msg("store connection failed")
		return reconcile.Report{}, err
	}
	defer st.Close()

	if cfg.Store().Driver == store.DriverMemory {
		logger.Warn().Msg("importing into the memory store; results are discarded on exit")
	}

	rec := reconcile.New(chat.NewService(st, nil, logger), logger)
	report, err := rec.ProcessDir(ctx, dir)
	if err != nil {
		logger.Error().Err(err).Str("dir", dir).Msg("import failed")
		return report, err
	}

	totals := report.Totals()
	logger.Info().
		Str("dir", dir).
		Int("units", len(report.Units)).
		Int("inserted", totals.Inserted).
		Int("duplicates", totals.Duplicates).
		Int("updated", totals.Updated).
		Int("unmatched", totals.Unmatched).
		Int("failed", totals.Failed).
		Msg("import complete")
	return report, nil
}
