package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tailscroll/ledger/internal/ledger"
)

var pageCmd = &cobra.Command{
	Use:   "page",
	Short: "Inspect a single page",
}

func openPage(ctx context.Context, ledgerName, pageHex string) (*ledger.Repository, *ledger.Page, error) {
	repo, err := openRepository()
	if err != nil {
		return nil, nil, err
	}
	l, err := repo.GetLedger([]byte(ledgerName))
	if err != nil {
		repo.Close()
		return nil, nil, err
	}
	id, err := ledger.ParsePageID(pageHex)
	if err != nil {
		repo.Close()
		return nil, nil, err
	}
	p, err := l.GetPage(ctx, id)
	if err != nil {
		repo.Close()
		return nil, nil, err
	}
	return repo, p, nil
}

var pageHeadsCmd = &cobra.Command{
	Use:   "heads <ledger-name> <page-id>",
	Short: "Show a page's current head commits",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		repo, p, err := openPage(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		defer repo.Close()
		defer p.Close()

		heads, err := p.Heads()
		if err != nil {
			return err
		}
		for _, h := range heads {
			fmt.Printf("%s  generation=%d  parents=%d\n", h.ID.String(), h.Generation, len(h.ParentIDs))
		}
		return nil
	},
}

var pageDumpCommitCmd = &cobra.Command{
	Use:   "dump-commit <ledger-name> <page-id> <commit-id>",
	Short: "Print one commit's fields",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		repo, p, err := openPage(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		defer repo.Close()
		defer p.Close()

		cid, err := ledger.ParseCommitID(args[2])
		if err != nil {
			return err
		}
		c, err := p.DumpCommit(cid)
		if err != nil {
			return err
		}
		fmt.Printf("id:          %s\n", c.ID.String())
		fmt.Printf("root:        %s\n", c.RootID.String())
		fmt.Printf("generation:  %d\n", c.Generation)
		fmt.Printf("timestamp:   %s\n", c.Timestamp)
		fmt.Printf("parents:     %d\n", len(c.ParentIDs))
		for _, pid := range c.ParentIDs {
			fmt.Printf("  - %s\n", pid.String())
		}
		return nil
	},
}

func init() {
	pageCmd.AddCommand(pageHeadsCmd)
	pageCmd.AddCommand(pageDumpCommitCmd)
	rootCmd.AddCommand(pageCmd)
}
