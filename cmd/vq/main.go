package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

const defaultConfigPath = "ventriloquist.yaml"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vq",
		Short: "Ventriloquist: speak chat messages through a smart speaker",
		Long: "Ventriloquist keeps a voice skill session open on a smart speaker and\n" +
			"reads out whatever the user types in LINE, Slack or Discord.",
		SilenceUsage: true,
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newDBCmd())
	cmd.AddCommand(newInstanceCmd())
	cmd.AddCommand(newPurgeCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "vq %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

// loadDotEnv reads .env from the working directory when present. Values
// already set in the environment win.
func loadDotEnv() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("vq: load .env: %v", err)
	}
}

func main() {
	loadDotEnv()
	os.Exit(execute(newRootCmd()))
}
