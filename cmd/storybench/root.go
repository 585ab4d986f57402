package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Parallel LLM creative-writing evaluation",
		Long: `StoryBench evaluates language models on creative writing. It runs a
versioned battery of prompt sequences against every configured model,
carries context forward within each sequence, stores every response
durably, and scores the outputs with a judge model against a rubric.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "storybench.yaml", "config file path")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	cmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return setupLogging(logLevel)
	}

	cmd.AddCommand(
		runCmd(&configPath),
		resumeCmd(&configPath),
		statusCmd(&configPath),
		versionCmd(),
	)
	return cmd
}

func setupLogging(level string) error {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return fmt.Errorf("unknown log level %q", level)
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (built %s)\n", appName, Version, BuildTime)
		},
	}
}
