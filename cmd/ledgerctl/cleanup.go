package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Force a disk-cleanup eviction pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := openRepository()
		if err != nil {
			return err
		}
		defer repo.Close()

		report, err := repo.DiskCleanUp(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("scanned=%d evicted=%d skipped=%d\n", report.Scanned, report.Evicted, report.Skipped)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}
