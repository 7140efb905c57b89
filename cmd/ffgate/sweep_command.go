package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/ffgate/internal/lock"
	"github.com/mattjoyce/ffgate/internal/log"
	"github.com/mattjoyce/ffgate/internal/stats"
	"github.com/mattjoyce/ffgate/internal/sweep"
)

func newSweepCommand(ctx *commandContext) *cobra.Command {
	var onlyTemp, onlyCache bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove stale files from the storage roots once and exit",
		Long: `Runs one age-based sweep over the temp, cache and uploads roots.

--only-temp and --only-cache empty that root entirely regardless of age.
The command refuses to run while a server holds the instance lock; use
POST /api/sweep against a running server instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if onlyTemp && onlyCache {
				return errors.New("--only-temp and --only-cache are mutually exclusive")
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			pidLock, err := lock.AcquirePIDLock(cfg.Service.LockPath)
			if err != nil {
				if errors.Is(err, lock.ErrLocked) {
					return fmt.Errorf("%w; a server is running, use POST /api/sweep instead", err)
				}
				return err
			}
			defer pidLock.Release()

			out := cmd.OutOrStdout()
			switch {
			case onlyTemp:
				return purge(cmd, "temp", cfg.Storage.TempDir)
			case onlyCache:
				return purge(cmd, "cache", cfg.Storage.CacheDir)
			}

			logger := log.New(cmd.ErrOrStderr(), "warn", "auto")
			reports, err := sweep.New(sweepTargets(cfg), nil, nil, logger).RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(out, renderSweepReports(reports))
			return nil
		},
	}
	cmd.Flags().BoolVar(&onlyTemp, "only-temp", false, "Empty the temp root regardless of age")
	cmd.Flags().BoolVar(&onlyCache, "only-cache", false, "Empty the cache root regardless of age")
	return cmd
}

func purge(cmd *cobra.Command, name, dir string) error {
	freed, err := sweep.Purge(dir)
	if err != nil {
		return fmt.Errorf("purge %s: %w", name, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Purged %s (%s): freed %s\n", name, dir, stats.FormatBytes(freed))
	return nil
}

func renderSweepReports(reports []sweep.Report) string {
	headers := []string{"Target", "Scanned", "Removed", "Active", "Freed", "Errors"}
	aligns := []columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight}
	rows := make([][]string, 0, len(reports))
	for _, r := range reports {
		rows = append(rows, []string{
			r.Target,
			strconv.Itoa(r.Scanned),
			strconv.Itoa(r.Removed),
			strconv.Itoa(r.Active),
			stats.FormatBytes(r.FreedBytes),
			strconv.Itoa(len(r.Errors)),
		})
	}
	return renderTable(headers, rows, aligns)
}
