package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var cfgFile string

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd().ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "debaterank",
		Short:         "Rank crowd-sourced debate questions across a primary and read replicas",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")

	root.AddCommand(scoreCmd())
	root.AddCommand(submissionsCmd())
	root.AddCommand(importCmd())
	root.AddCommand(deadlineCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(runCmd())

	return root
}

func scoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "score",
		Short: "Run one trending score pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScore(cmd.Context())
		},
	}
}

func submissionsCmd() *cobra.Command {
	var (
		jsonOutput bool
		sort       string
		category   string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "submissions",
		Short: "List ranked submissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmissions(cmd.Context(), jsonOutput, sort, category, limit)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().StringVar(&sort, "sort", "trending", "trending, random, votes or newest")
	cmd.Flags().StringVar(&category, "category", "", "only this category")
	cmd.Flags().IntVar(&limit, "limit", 20, "max submissions to show")
	return cmd
}

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import",
		Short: "Import submissions from the configured feeds",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd.Context())
		},
	}
}

func deadlineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadline",
		Short: "Show or set the debate deadline that freezes rankings",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the debate deadline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeadlineShow(cmd.Context())
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set RFC3339",
		Short: "Set the debate deadline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeadlineSet(cmd.Context(), args[0])
		},
	})
	return cmd
}

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}

func runCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start daemon with scheduler and HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}
