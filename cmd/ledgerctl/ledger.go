package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect a single ledger's pages",
}

var ledgerPagesCmd = &cobra.Command{
	Use:   "pages <ledger-name>",
	Short: "List page ids present on disk for a ledger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := openRepository()
		if err != nil {
			return err
		}
		defer repo.Close()

		ids, err := repo.PageIDs([]byte(args[0]))
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Println("(no pages)")
			return nil
		}
		for _, id := range ids {
			fmt.Println(id.String())
		}
		return nil
	},
}

func init() {
	ledgerCmd.AddCommand(ledgerPagesCmd)
	rootCmd.AddCommand(ledgerCmd)
}
