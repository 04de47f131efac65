package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"attest/internal/config"
	"attest/internal/orchestrator"
	"attest/internal/safety"
)

var version = "dev"

// Exit codes are part of the CLI contract; callers script against them.
const (
	exitOK          = 0
	exitGeneral     = 1
	exitInvalidArgs = 2
	exitResumable   = 3
	exitSafetyLimit = 4
)

var errInvalidArgs = errors.New("invalid arguments")

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "attest",
	Short: "Run AI content pipelines with byte-level evidence grounding",
	Long: `attest orchestrates local AI content pipelines and grounds every
extracted claim in the exact bytes of its source artifact.

Runs are event-sourced: every state transition is appended to a per-run
log, so an interrupted or failed run can be resumed without re-executing
completed steps.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the attest version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("attest version %s\n", version)
	},
}

func setupLogging(cfg config.Config) {
	level := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// exactArgs wraps the count check so argument mistakes map to the invalid
// arguments exit code instead of the general one.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return fmt.Errorf("%w: %s expects %d argument(s), got %d", errInvalidArgs, cmd.Name(), n, len(args))
		}
		return nil
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", errInvalidArgs, err)
	})

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(catalogCmd)
	rootCmd.AddCommand(evidenceCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
}

func main() {
	os.Exit(run())
}

func run() int {
	err := rootCmd.Execute()
	if err != nil {
		printError("%v", err)
	}
	return classifyExit(err)
}

// classifyExit maps an error to the CLI exit code contract.
func classifyExit(err error) int {
	if err == nil {
		return exitOK
	}
	var violation *safety.Violation
	var resumable *orchestrator.ResumableError
	switch {
	case errors.As(err, &violation):
		return exitSafetyLimit
	case errors.As(err, &resumable):
		return exitResumable
	case errors.Is(err, errInvalidArgs):
		return exitInvalidArgs
	default:
		return exitGeneral
	}
}
