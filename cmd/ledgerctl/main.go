// Command ledgerctl is an operational inspection tool for a ledger
// repository: listing ledgers and pages, showing heads, forcing eviction,
// and dumping a commit (SPEC_FULL.md §2, mirroring cmd/bd's subcommand
// layout).
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tailscroll/ledger/internal/ledger"
)

var baseDir string

var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "Inspect and operate a ledger repository",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseDir, "base-dir", "./ledger-data", "repository content directory")
}

// openRepository opens the repository at --base-dir with a quiet logger
// (commands print their own output; a noisy default logger would duplicate
// it on stderr).
func openRepository() (*ledger.Repository, error) {
	env := ledger.DefaultEnvironment()
	env.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return ledger.OpenRepository(baseDir, env)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
