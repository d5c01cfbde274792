package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"ej-import/internal/checkpoint"
)

var statusSources []string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show checkpoint state per manifest entry",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := buildContext()
		if err != nil {
			return err
		}
		defer log.Sync()

		sources, err := resolveSources(cfg, statusSources)
		if err != nil {
			return err
		}

		for _, src := range sources {
			// Inspection only; Open would demote IN_PROGRESS records and write.
			store, err := checkpoint.OpenReadOnly(cfg.LogDir, src.Name, log)
			if err != nil {
				if errors.Is(err, checkpoint.ErrCorruptCheckpoint) {
					fmt.Printf("\n%s: checkpoint state unreadable (%v)\n", src.Name, err)
					continue
				}
				return err
			}

			records := store.Records()
			fmt.Printf("\n%s (%d records):\n", src.Name, len(records))
			if len(records) == 0 {
				fmt.Println("  no checkpoint state")
				continue
			}
			for _, rec := range records {
				fmt.Printf("  %-45s %-12s rows=%-10d attempts=%d\n",
					rec.TableKey, rec.Status, rec.RowsCopied, rec.Attempts)
				if rec.LastError != "" {
					fmt.Printf("      last error: %s\n", rec.LastError)
				}
			}
		}
		return nil
	},
}

func init() {
	RootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringSliceVarP(&statusSources, "source", "s", []string{}, "source databases to show (default: all configured)")
}
