package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var repoCmd = &cobra.Command{
	Use:   "repo",
	Short: "Inspect repository-level state",
}

var repoInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the repository's durable configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := openRepository()
		if err != nil {
			return err
		}
		defer repo.Close()

		cfg := repo.Config()
		fmt.Printf("base dir:              %s\n", repo.BaseDir())
		fmt.Printf("serialization version: %s\n", cfg.SerializationVersion)
		fmt.Printf("device id:             %s\n", cfg.DeviceID)
		fmt.Printf("sync backlog timeout:  %dms\n", cfg.SyncBacklogTimeoutMS)
		fmt.Printf("commit prune policy:   %s\n", cfg.CommitPrunePolicy)
		return nil
	},
}

var repoLedgersCmd = &cobra.Command{
	Use:   "ledgers",
	Short: "List ledgers present on disk",
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := openRepository()
		if err != nil {
			return err
		}
		defer repo.Close()

		names, err := repo.LedgerNames()
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Println("(no ledgers)")
			return nil
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	},
}

func init() {
	repoCmd.AddCommand(repoInfoCmd)
	repoCmd.AddCommand(repoLedgersCmd)
	rootCmd.AddCommand(repoCmd)
}
