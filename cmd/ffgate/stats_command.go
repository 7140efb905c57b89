package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/ffgate/internal/stats"
)

type rootReport struct {
	Name string `json:"name"`
	stats.Stats
}

func newStatsCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show size and file-type statistics for the storage roots",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			var reports []rootReport
			var total int64
			for _, root := range storageRoots(cfg) {
				st, err := stats.FileTypeStats(root.Dir)
				if err != nil {
					return fmt.Errorf("stats for %s: %w", root.Name, err)
				}
				reports = append(reports, rootReport{Name: root.Name, Stats: st})
				total += st.Bytes
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(reports)
			}

			headers := []string{"Root", "Path", "Files", "Size"}
			aligns := []columnAlignment{alignLeft, alignLeft, alignRight, alignRight}
			for _, c := range stats.Categories {
				headers = append(headers, string(c))
				aligns = append(aligns, alignRight)
			}

			rows := make([][]string, 0, len(reports))
			for _, r := range reports {
				row := []string{r.Name, r.Path, strconv.Itoa(r.Files), r.Human}
				for _, c := range stats.Categories {
					b := r.ByCategory[c]
					row = append(row, fmt.Sprintf("%d / %s", b.Files, stats.FormatBytes(b.Bytes)))
				}
				rows = append(rows, row)
			}

			fmt.Fprintln(out, renderTable(headers, rows, aligns))
			fmt.Fprintf(out, "Total: %s\n", stats.FormatBytes(total))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON instead of a table")
	return cmd
}
