package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"joingate/logger"
)

const programName = "joingate"

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

var (
	configFile string
	debug      bool
)

func main() {
	if _, err := maxprocs.Set(maxprocs.Logger(logger.Infof)); err != nil {
		logger.Errorf("set GOMAXPROCS: %v", err)
	}

	rootCmd := &cobra.Command{
		Use:           programName,
		Short:         "Join-request captcha gate and moderation bot",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML config file; the environment overrides it")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "log at debug level")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(adminTokenCmd())
	rootCmd.AddCommand(auditTailCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", programName, Version)
		},
	}
}
