package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"ej-import/internal/engine"
	"ej-import/internal/manifest"
)

var (
	verifySources []string
	verifySample  int
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Recount converted tables against manifest expectations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := buildContext()
		if err != nil {
			return err
		}
		defer log.Sync()

		sources, err := resolveSources(cfg, verifySources)
		if err != nil {
			return err
		}

		rt, err := engine.NewRuntime(cfg, log)
		if err != nil {
			return err
		}
		defer rt.Close()

		mismatches := 0
		for _, src := range sources {
			entries, err := manifest.Load(filepath.Join(cfg.CSVDir, src.ManifestFile), cfg.Target.Database, log)
			if err != nil {
				return err
			}

			results := engine.VerifyCounts(cmd.Context(), rt, entries)
			fmt.Printf("\n%s:\n", src.Name)
			for i, r := range results {
				icon := "+"
				if r.Status != "OK" {
					icon = "!"
					mismatches++
				}
				fmt.Printf("[%s] [%02d/%02d] %-40s : %d rows (Expected: %d) - %s\n",
					icon, i+1, len(results), r.TableKey, r.Actual, r.Expected, r.Status)
				if r.ErrorMsg != "" {
					fmt.Printf("    - %s\n", r.ErrorMsg)
				}
				if verifySample > 0 && r.Status != "OK" && r.Target != "" {
					lines, err := engine.SampleRows(cmd.Context(), rt, r.Target, verifySample)
					if err != nil {
						fmt.Printf("    - sample failed: %v\n", err)
						continue
					}
					for _, line := range lines {
						fmt.Printf("    > %s\n", line)
					}
				}
			}
		}

		if mismatches > 0 {
			return fmt.Errorf("%d tables did not match expectations", mismatches)
		}
		return nil
	},
}

func init() {
	RootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().StringSliceVarP(&verifySources, "source", "s", []string{}, "source databases to verify (default: all configured)")
	verifyCmd.Flags().IntVar(&verifySample, "sample", 0, "print up to N rows from each mismatched table")
}
